package util

import (
	"context"
	"time"
)

// Clock abstracts time for retry backoff so tests can run without real
// sleeps. Sleep returns early when the context is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FakeClock records requested sleeps and never blocks. Intended for tests.
type FakeClock struct {
	now    time.Time
	Sleeps []time.Duration
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (f *FakeClock) Now() time.Time {
	return f.now
}

func (f *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Sleeps = append(f.Sleeps, d)
	f.now = f.now.Add(d)
	return nil
}
