package adapter

import "time"

type Config struct {
	Token string

	// PollTimeout is the long-poll window. <= 0 means 10s.
	PollTimeout time.Duration
}
