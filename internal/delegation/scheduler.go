package delegation

import (
	"context"
	"log/slog"
	"time"

	"github.com/traderings/arena-ledger/internal/model"
)

// Scheduler periodically commits the records delegated to one executor,
// each on its own commit interval.
type Scheduler struct {
	ctrl     *Controller
	executor string
	tick     time.Duration
	now      func() time.Time

	// last successful checkpoint per record; kept in memory so unchanged
	// records leave the base ledger untouched.
	last map[model.Address]time.Time
}

// NewScheduler creates a scheduler that wakes every tick to look for due
// records.
func NewScheduler(ctrl *Controller, executor string, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		ctrl:     ctrl,
		executor: executor,
		tick:     tick,
		now:      func() time.Time { return time.Now().UTC() },
		last:     make(map[model.Address]time.Time),
	}
}

// Run checkpoints until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	slog.Info("commit scheduler started", "executor", s.executor, "tick", s.tick.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.CheckpointDue(ctx); err != nil {
				slog.Error("checkpoint failed", "executor", s.executor, "error", err)
			}
		}
	}
}

// CheckpointDue commits every Delegated record whose interval has elapsed
// and returns how many were committed. A failing record does not stop the
// others; the last error is returned.
func (s *Scheduler) CheckpointDue(ctx context.Context) (int, error) {
	recs, err := s.ctrl.ListDelegated(ctx, s.executor)
	if err != nil {
		return 0, err
	}

	now := s.now()
	live := make(map[model.Address]struct{}, len(recs))
	var (
		committed int
		lastErr   error
	)
	for _, drec := range recs {
		live[drec.Target] = struct{}{}
		if drec.State != model.Delegated {
			continue
		}

		since, ok := s.last[drec.Target]
		if !ok {
			since = drec.LastCommitAt
			if since.IsZero() {
				since = drec.DelegatedAt
			}
		}
		if now.Sub(since) < time.Duration(drec.CommitIntervalMs)*time.Millisecond {
			continue
		}

		if _, err := s.ctrl.Commit(ctx, drec.Target); err != nil {
			slog.Warn("commit failed", "address", drec.Target.String(), "executor", s.executor, "error", err)
			lastErr = err
			continue
		}
		s.last[drec.Target] = now
		committed++
	}

	for addr := range s.last {
		if _, ok := live[addr]; !ok {
			delete(s.last, addr)
		}
	}
	return committed, lastErr
}
