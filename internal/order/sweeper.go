package order

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically fails orders whose settlement window has elapsed.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewSweeper(l *Ledger, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{ledger: l, interval: interval, batch: StaleBatch(batch), log: l.log}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for {
		n, err := s.ledger.ExpireStale(ctx, s.batch)
		if err != nil {
			if ctx.Err() == nil {
				s.log.ErrorContext(ctx, "sweep_error", "error", err)
			}
			return
		}
		if n > 0 {
			s.log.InfoContext(ctx, "sweep_expired", "count", n)
		}
		// a full batch may mean more are waiting
		if n < s.batch {
			return
		}
	}
}
