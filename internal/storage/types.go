package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyValue is returned when an operation receives a blank whitelist value.
var ErrEmptyValue = errors.New("whitelist value is empty")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default

	// CacheTTL bounds staleness of cached whitelist reads. <= 0 disables
	// the cache (every read hits the database).
	CacheTTL time.Duration

	// Defaults applied when an add/import row leaves category/reason blank.
	DefaultCategory string
	DefaultReason   string

	// PreserveAddressOnBlank keeps a stored delivery address when an upsert
	// carries a blank one (the caller had nothing better than a sentinel).
	PreserveAddressOnBlank bool

	// StatsTimezone is the IANA zone used to bucket event timestamps by
	// weekday. Empty means UTC.
	StatsTimezone string

	// ExportDir receives CSV export files.
	ExportDir string
}

// Entry is one whitelist row.
type Entry struct {
	ID       int64
	Value    string
	Category string
	Reason   string
}

// AddOutcome distinguishes a real insert from a duplicate. I/O failures are
// reported through the error return, not an outcome value.
type AddOutcome int

const (
	AddOutcomeAdded AddOutcome = iota
	AddOutcomeExists
)

func (o AddOutcome) String() string {
	switch o {
	case AddOutcomeAdded:
		return "added"
	case AddOutcomeExists:
		return "exists"
	default:
		return fmt.Sprintf("AddOutcome(%d)", int(o))
	}
}

type AddResult struct {
	Outcome AddOutcome
	Entry   Entry
}

type CheckResult struct {
	Found bool
	Entry Entry
}

// UserProfile is the caller-supplied view of a user for upsert.
type UserProfile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	// DeliveryAddress is the opaque channel identifier used to reach the
	// user (for Telegram, the chat id as text). Blank means "unknown".
	DeliveryAddress string
}

// Recipient is one broadcast target.
type Recipient struct {
	UserID  int64
	Address string
}

// Event types recorded by the store and its callers.
const (
	EventCheck           = "check"
	EventAddWhitelist    = "add_whitelist"
	EventRemoveWhitelist = "remove_whitelist"
	EventNewUser         = "new_user"
	EventBroadcast       = "broadcast"
	EventImport          = "import"
	EventExport          = "export"
)

// ImportMode selects what happens to rows already present during CSV import.
type ImportMode int

const (
	// ImportAppend keeps existing rows; duplicates in the file are skipped.
	ImportAppend ImportMode = iota
	// ImportUpdate keeps existing rows; duplicates overwrite category/reason.
	ImportUpdate
	// ImportReplace wipes the whitelist before ingesting the file.
	ImportReplace
)

func (m ImportMode) String() string {
	switch m {
	case ImportAppend:
		return "append"
	case ImportUpdate:
		return "update"
	case ImportReplace:
		return "replace"
	default:
		return fmt.Sprintf("ImportMode(%d)", int(m))
	}
}

// ParseImportMode accepts the mode names used on the CLI and in chat
// commands. "overwrite" is a legacy alias for replace.
func ParseImportMode(s string) (ImportMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "append":
		return ImportAppend, nil
	case "update":
		return ImportUpdate, nil
	case "replace", "overwrite":
		return ImportReplace, nil
	default:
		return 0, fmt.Errorf("unknown import mode %q (want append, update or replace)", s)
	}
}

// ImportStats counts what happened to every data row of one import.
// Processed = Added + Updated + Skipped + Invalid.
type ImportStats struct {
	Processed int
	Added     int
	Updated   int
	Skipped   int
	Invalid   int
}

// StatsSnapshot is an aggregate view for display. Individual metrics degrade
// to zero when their query fails; the snapshot itself is always produced.
type StatsSnapshot struct {
	GeneratedAt time.Time

	TotalUsers    int64
	ActiveUsers24 int64
	ActiveUsers7d int64
	NewUsers7d    int64

	Checks24h          int64
	Checks7d           int64
	SuccessfulChecks7d int64

	WhitelistEntries int64

	// WeekdayActivity counts events of the last 7 days bucketed by weekday
	// in the configured stats timezone.
	WeekdayActivity map[time.Weekday]int64
}
