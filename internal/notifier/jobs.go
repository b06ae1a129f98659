package notifier

import (
	"sort"
	"time"

	"github.com/google/uuid"

	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

// Broadcast registers a job and enqueues it for the worker pool. The returned
// id can be polled via Status. When the queue is full or the service is not
// running, the job is marked fully failed instead of blocking the caller.
func (s *Service) Broadcast(name string, targets []Target, text string, opt *kit.SendOptions) string {
	now := time.Now()
	id := uuid.NewString()
	s.pruneStatus(now)
	st := &JobStatus{ID: id, Name: name, Total: len(targets), CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if q == nil || !running {
		s.log.Debug("broadcast not running; dropping job", logx.String("job", id), logx.String("name", name))
		s.failAll(id)
		return id
	}
	select {
	case q <- job{id: id, name: name, targets: targets, text: text, opt: opt}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name), logx.Int("total", len(targets)), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		s.failAll(id)
	}
	return id
}

func (s *Service) failAll(id string) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
		st.Failed = st.Total
	}
	s.statusMu.Unlock()
}

// Status returns a copy of the job's progress.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	if len(st.FailedTargets) > 0 {
		cp.FailedTargets = append([]Target(nil), st.FailedTargets...)
	}
	return cp, true
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	if len(s.status) == 0 {
		return
	}

	// Drop completed jobs older than TTL first.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		reference := st.DoneAt
		if reference.IsZero() {
			reference = st.CreatedAt
			if reference.IsZero() {
				reference = st.StartedAt
			}
		}
		if !reference.IsZero() && now.Sub(reference) > ttl {
			delete(s.status, id)
		}
	}

	if len(s.status) <= max {
		return
	}

	// Still too big: drop oldest by DoneAt, StartedAt for running jobs.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if st == nil {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.StartedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - max
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
