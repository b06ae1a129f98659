package notifier

import (
	"context"
	"time"

	"wlbot/internal/observability/metrics"
	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

// eventBroadcast is the event log type written once per target.
const eventBroadcast = "broadcast"

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.targets)))

	for _, t := range j.targets {
		err := s.sendOne(ctx, j.id, t, j.text, j.opt)
		if err != nil {
			s.markFail(j.id, t)
			metrics.BroadcastMessages.WithLabelValues("failed").Inc()
		} else {
			metrics.BroadcastMessages.WithLabelValues("sent").Inc()
		}
		s.markDone(j.id)
		s.record(ctx, j.id, t, len(j.text), err == nil)
	}
	s.finish(j.id)

	if st, ok := s.Status(j.id); ok {
		fields := []logx.Field{
			logx.String("job", j.id),
			logx.String("name", j.name),
			logx.Int("total", st.Total),
			logx.Int("failed", st.Failed),
			logx.Duration("dur", time.Since(start)),
		}
		if st.Failed > 0 {
			s.log.Warn("broadcast job finished with failures", fields...)
		} else {
			s.log.Info("broadcast job finished", fields...)
		}
		return
	}
	s.log.Info("broadcast job finished", logx.String("job", j.id), logx.String("name", j.name), logx.Duration("dur", time.Since(start)))
}

func (s *Service) sendOne(ctx context.Context, jobID string, t Target, text string, opt *kit.SendOptions) error {
	// Snapshot mutable dependencies to avoid races with Apply.
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	adapter := s.adapter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	var last error
	for i := 0; i <= retry; i++ {
		_, err := adapter.SendText(ctx, t.Chat, text, opt)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("broadcast send retry scheduled", logx.String("job", jobID), logx.Int64("chat_id", t.Chat.ChatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Any("err", err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if last != nil {
		s.log.Warn("broadcast send failed", logx.String("job", jobID), logx.Int64("chat_id", t.Chat.ChatID), logx.Int64("user_id", t.UserID), logx.Any("err", last))
	}
	return last
}

// record writes the per-target delivery event. Best-effort by contract of
// EventRecorder; a nil recorder disables recording (tests).
func (s *Service) record(ctx context.Context, jobID string, t Target, msgLen int, success bool) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return
	}
	rec.RecordEvent(ctx, eventBroadcast, t.UserID, map[string]any{
		"job_id":         jobID,
		"message_length": msgLen,
	}, success)
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string, t Target) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
		if len(st.FailedTargets) < 200 {
			st.FailedTargets = append(st.FailedTargets, t)
		}
	}
}

func (s *Service) finish(id string) {
	now := time.Now()
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
	}
	s.statusMu.Unlock()
	// Keep the map bounded even if nobody queries old job IDs.
	s.pruneStatus(now)
}
