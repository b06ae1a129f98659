// Package metrics holds wlbot's Prometheus collectors. Everything registers
// against the default registry at init, the ops server exposes it under
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal counts whitelist lookups by outcome (found, not_found).
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wlbot_checks_total",
		Help: "Whitelist lookups by outcome.",
	}, []string{"outcome"})

	// WhitelistMutations counts add/remove calls by op and what happened
	// (added, exists, removed, missing).
	WhitelistMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wlbot_whitelist_mutations_total",
		Help: "Whitelist add/remove operations by outcome.",
	}, []string{"op", "outcome"})

	// CacheEvents counts hits and misses per cache (checks, counts, lists).
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wlbot_cache_events_total",
		Help: "Read-through cache hits and misses.",
	}, []string{"cache", "event"})

	// ImportRows counts CSV import rows by result
	// (added, updated, skipped, invalid).
	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wlbot_import_rows_total",
		Help: "CSV import rows by result.",
	}, []string{"result"})

	// BroadcastMessages counts broadcast deliveries by result (sent, failed).
	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wlbot_broadcast_messages_total",
		Help: "Broadcast deliveries by result.",
	}, []string{"result"})

	// EventWriteFailures counts event rows that could not be persisted.
	// Event logging is best-effort, this counter is where the losses show.
	EventWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wlbot_event_write_failures_total",
		Help: "Event log writes that failed.",
	})

	// UpdatesDropped counts Telegram updates discarded because the inbound
	// queue was full.
	UpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wlbot_updates_dropped_total",
		Help: "Inbound Telegram updates dropped on queue overflow.",
	})

	// CommandDuration observes bot command handling time per route.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wlbot_command_duration_seconds",
		Help:    "Bot command handling duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
