package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

// Config controls the broadcast pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
}

// Target is one broadcast recipient. UserID attributes the per-target
// delivery event; Chat is where the message actually goes.
type Target struct {
	UserID int64
	Chat   kit.ChatTarget
}

type job struct {
	id      string
	name    string
	targets []Target
	text    string
	opt     *kit.SendOptions
}

// JobStatus is the progress view of one broadcast job.
type JobStatus struct {
	ID      string
	Name    string
	Total   int
	Done    int
	Failed  int
	Running bool

	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time

	// FailedTargets keeps the first failures for display; bounded so one
	// giant broken job cannot balloon memory.
	FailedTargets []Target
}

// EventRecorder receives one delivery event per target. The storage layer's
// event log satisfies it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventType string, userID int64, payload map[string]any, success bool)
}

// Service fans one message out to many chats through a bounded worker pool.
// Sends are rate limited and retried; per-target failures never abort the
// job. Every delivery lands in the event log, success flag included.
type Service struct {
	mu sync.Mutex

	cfg     Config
	adapter kit.Adapter
	rec     EventRecorder
	log     logx.Logger

	limiter *rate.Limiter
	queue   chan job

	stopCh chan struct{}
	// stopDone is non-nil while a Stop is in progress; closed when the
	// worker pool has fully exited.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
