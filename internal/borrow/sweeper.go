package borrow

import (
	"context"
	"log"
	"time"
)

type sweeperService interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// RunSweeper calls Sweep every interval until ctx is cancelled. Each pass
// gets at most timeout to finish.
func RunSweeper(ctx context.Context, svc sweeperService, interval, timeout time.Duration) {
	if interval <= 0 {
		log.Printf("[INFO] overdue sweeper disabled")
		return
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	log.Printf("[INFO] overdue sweeper started interval=%s", interval)

	t := time.NewTicker(interval)
	defer t.Stop()

	pass := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := svc.Sweep(pctx); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] overdue sweep: %v", err)
		}
	}

	// 起動直後に一度流す
	pass()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] overdue sweeper stopped")
			return
		case <-t.C:
			pass()
		}
	}
}
