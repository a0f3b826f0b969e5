package memory

import (
	"context"
	"time"

	"github.com/koopa0/relay/internal/log"
)

// MaintenanceInterval is how often the scheduler expires stale facts and
// checks for due summaries.
const MaintenanceInterval = time.Hour

// Scheduler periodically expires stale memories and writes rollup summaries.
type Scheduler struct {
	store      *Store
	summarizer *Summarizer // optional
	interval   time.Duration
	logger     log.Logger
}

// NewScheduler creates a maintenance scheduler. The summarizer may be nil to
// run expiry only.
func NewScheduler(store *Store, summarizer *Summarizer, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scheduler{
		store:      store,
		summarizer: summarizer,
		interval:   MaintenanceInterval,
		logger:     logger,
	}
}

// Run blocks until ctx is canceled, running one maintenance cycle per tick.
// Callers must track the goroutine with a WaitGroup.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if n, err := s.store.DeleteStale(ctx); err != nil {
		s.logger.Warn("stale expiry failed", "error", err)
	} else if n > 0 {
		s.logger.Info("expired stale memories", "count", n)
	}

	if n, err := s.store.DeleteExpiredSummaries(ctx); err != nil {
		s.logger.Warn("summary expiry failed", "error", err)
	} else if n > 0 {
		s.logger.Info("expired stale summaries", "count", n)
	}

	if s.summarizer == nil {
		return
	}
	for _, period := range []Period{PeriodWeekly, PeriodMonthly} {
		if n, err := s.summarizer.RunDue(ctx, period); err != nil {
			s.logger.Warn("summary pass failed", "period", period, "error", err)
		} else if n > 0 {
			s.logger.Info("wrote memory summaries", "period", period, "count", n)
		}
	}
}
