package engine

import "sync/atomic"

// Cancellation is the per-execution cancel token. Flipping it does not
// interrupt handlers already in flight: the engine observes it at its
// suspension points (before starting an attempt and at wave boundaries)
// and stops scheduling new work.
type Cancellation struct {
	fired atomic.Bool
}

func NewCancellation() *Cancellation {
	return &Cancellation{}
}

func (c *Cancellation) Cancel() {
	c.fired.Store(true)
}

func (c *Cancellation) Cancelled() bool {
	return c.fired.Load()
}
