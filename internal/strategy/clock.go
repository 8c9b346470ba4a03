package strategy

import (
	"context"
	"time"
)

// Clock abstracts wall-clock waits so stabilization/observation windows
// run instantly under test while using real time.Sleep in production.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock sleeps for real, honoring ctx cancellation.
type RealClock struct{}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FakeClock sleeps not at all, for deterministic, fast strategy tests.
type FakeClock struct{}

func (FakeClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
