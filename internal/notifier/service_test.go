package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []int64
	fail  map[int64]int // chat id -> remaining failures
	calls int
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if n := f.fail[to.ChatID]; n > 0 {
		f.fail[to.ChatID] = n - 1
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) sentChats() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sent...)
}

type recordedEvent struct {
	eventType string
	userID    int64
	payload   map[string]any
	success   bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, eventType string, userID int64, payload map[string]any, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType: eventType, userID: userID, payload: payload, success: success})
}

func (f *fakeRecorder) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

func waitForStatus(t *testing.T, s *Service, id string, pred func(JobStatus) bool) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(id); ok && pred(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("job %s did not reach expected state, last status %+v", id, st)
	return JobStatus{}
}

func TestBroadcastDeliversAndRecords(t *testing.T) {
	ad := &fakeAdapter{}
	rec := &fakeRecorder{}
	s := New(Config{Enabled: true, Workers: 2, RatePerSec: 1000, RetryMax: 0}, ad, rec, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	targets := []Target{
		{UserID: 1, Chat: kit.ChatTarget{ChatID: 101}},
		{UserID: 2, Chat: kit.ChatTarget{ChatID: 102}},
		{UserID: 3, Chat: kit.ChatTarget{ChatID: 103}},
	}
	id := s.Broadcast("announce", targets, "hello", nil)
	if id == "" {
		t.Fatalf("Broadcast returned empty job id")
	}

	st := waitForStatus(t, s, id, func(st JobStatus) bool { return !st.Running && st.Done == len(targets) })
	if st.Failed != 0 {
		t.Fatalf("Failed = %d, want 0", st.Failed)
	}
	if got := len(ad.sentChats()); got != 3 {
		t.Fatalf("sent count = %d, want 3", got)
	}

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("recorded events = %d, want 3", len(events))
	}
	for _, ev := range events {
		if ev.eventType != "broadcast" {
			t.Fatalf("event type = %q, want %q", ev.eventType, "broadcast")
		}
		if !ev.success {
			t.Fatalf("event success = false, want true (user %d)", ev.userID)
		}
		if ev.payload["job_id"] != id {
			t.Fatalf("payload job_id = %v, want %v", ev.payload["job_id"], id)
		}
		if ev.payload["message_length"] != len("hello") {
			t.Fatalf("payload message_length = %v, want %d", ev.payload["message_length"], len("hello"))
		}
	}
}

func TestBroadcastCountsFailures(t *testing.T) {
	ad := &fakeAdapter{fail: map[int64]int{102: 10}}
	rec := &fakeRecorder{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 1}, ad, rec, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	targets := []Target{
		{UserID: 1, Chat: kit.ChatTarget{ChatID: 101}},
		{UserID: 2, Chat: kit.ChatTarget{ChatID: 102}},
	}
	id := s.Broadcast("announce", targets, "hi", nil)

	st := waitForStatus(t, s, id, func(st JobStatus) bool { return !st.Running && st.Done == len(targets) })
	if st.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", st.Failed)
	}
	if len(st.FailedTargets) != 1 || st.FailedTargets[0].UserID != 2 {
		t.Fatalf("FailedTargets = %+v, want user 2", st.FailedTargets)
	}

	var okCount, failCount int
	for _, ev := range rec.all() {
		if ev.success {
			okCount++
		} else {
			failCount++
		}
	}
	if okCount != 1 || failCount != 1 {
		t.Fatalf("events ok=%d fail=%d, want 1/1", okCount, failCount)
	}
}

func TestBroadcastRetriesTransientFailure(t *testing.T) {
	// One failure then success: with RetryMax=2 the target must be delivered.
	ad := &fakeAdapter{fail: map[int64]int{101: 1}}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 2}, ad, &fakeRecorder{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id := s.Broadcast("announce", []Target{{UserID: 1, Chat: kit.ChatTarget{ChatID: 101}}}, "hi", nil)
	st := waitForStatus(t, s, id, func(st JobStatus) bool { return !st.Running && st.Done == 1 })
	if st.Failed != 0 {
		t.Fatalf("Failed = %d, want 0 after retry", st.Failed)
	}
	if got := ad.sentChats(); len(got) != 1 || got[0] != 101 {
		t.Fatalf("sent = %v, want [101]", got)
	}
}

func TestBroadcastWhileStoppedFailsJob(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, &fakeAdapter{}, &fakeRecorder{}, logx.Nop())

	id := s.Broadcast("announce", []Target{{UserID: 1, Chat: kit.ChatTarget{ChatID: 101}}}, "hi", nil)
	st, ok := s.Status(id)
	if !ok {
		t.Fatalf("Status(%q) missing", id)
	}
	if st.Failed != st.Total || st.Running {
		t.Fatalf("status = %+v, want fully failed and not running", st)
	}
}

func TestStatusPruneBounds(t *testing.T) {
	s := New(Config{Enabled: true}, &fakeAdapter{}, nil, logx.Nop())
	s.statusMax = 5
	s.statusTTL = time.Hour

	now := time.Now()
	s.statusMu.Lock()
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		s.status[id] = &JobStatus{ID: id, CreatedAt: now, DoneAt: now.Add(time.Duration(i) * time.Second)}
	}
	// One entry old enough to age out by TTL alone.
	s.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-2 * time.Hour), DoneAt: now.Add(-2 * time.Hour)}
	s.statusMu.Unlock()

	s.pruneStatus(now)

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	if _, ok := s.status["old"]; ok {
		t.Fatalf("ttl-expired status entry survived prune")
	}
	if len(s.status) != 5 {
		t.Fatalf("status size = %d, want 5", len(s.status))
	}
	// Oldest completions go first.
	if _, ok := s.status["a"]; ok {
		t.Fatalf("oldest entry survived size prune")
	}
	if _, ok := s.status["j"]; !ok {
		t.Fatalf("newest entry was pruned")
	}
}
