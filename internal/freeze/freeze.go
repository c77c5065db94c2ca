// Package freeze implements the quiescence protocol the farm fabric uses
// to safely reconfigure itself while packets are in flight. Freezing a
// running farm happens in two phases: F1 signals every stage to pause at
// its next loop iteration, F2 waits for all of them to actually park
// before handing the caller a Token authorizing structural changes.
package freeze

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/mcdpi/internal/core"
)

// Controller coordinates freeze/unfreeze cycles across a fixed number of
// cooperating stage goroutines. Freeze and Unfreeze fully serialize
// against each other via mu, held from the moment Freeze succeeds until
// the returned Token's Unfreeze is called.
type Controller struct {
	mu sync.Mutex

	frozen      atomic.Bool
	terminating atomic.Bool

	numStages int32

	parkMu     sync.Mutex
	parked     int32
	parkNotify chan struct{} // closed and replaced whenever `parked` changes
	unfreezeC  chan struct{}
}

// NewController builds a Controller for a farm with numStages cooperating
// goroutines (one per emitter/worker/collector instance).
func NewController(numStages int) *Controller {
	return &Controller{
		numStages:  int32(numStages),
		unfreezeC:  make(chan struct{}),
		parkNotify: make(chan struct{}),
	}
}

// SetNumStages updates how many stages must park before Freeze's drain
// phase completes. Called by farm.Rebind after a successful reconfiguration
// changes the worker count, while still holding the Token from the freeze
// that authorized the change.
func (c *Controller) SetNumStages(n int) {
	c.parkMu.Lock()
	c.numStages = int32(n)
	c.parkMu.Unlock()
}

// Frozen reports whether the farm is currently frozen. Every stage loop
// reads this once per iteration via atomic.Bool.Load.
func (c *Controller) Frozen() bool { return c.frozen.Load() }

// PresetFrozen marks the controller frozen before any stage goroutine has
// started. Used by pipeline.InitStateful to build a warmed-but-frozen
// pipeline: stages park on their very first loop iteration, before ever
// touching the placeholder read/process callbacks, and a subsequent Freeze
// call just confirms the drain and hands back a Token.
func (c *Controller) PresetFrozen() {
	c.frozen.Store(true)
}

// Terminating reports whether the pipeline has begun shutting down.
func (c *Controller) Terminating() bool { return c.terminating.Load() }

// Terminate marks the controller as terminating; subsequent Freeze calls
// fail with core.ErrTerminating.
func (c *Controller) Terminate() { c.terminating.Store(true) }

// Token authorizes structural changes to the farm for the duration of a
// freeze window. It must be released exactly once via Unfreeze.
type Token struct {
	c    *Controller
	done atomic.Bool
}

// Freeze signals every stage to park (F1) and waits for them all to do so
// (F2) before returning a Token. Freeze is idempotent when called before
// any stage has registered (numStages == 0): there is nothing to drain, so
// it returns immediately.
func (c *Controller) Freeze(ctx context.Context) (*Token, error) {
	c.mu.Lock()

	if c.terminating.Load() {
		c.mu.Unlock()
		return nil, core.ErrTerminating
	}

	c.frozen.Store(true)

	if err := c.waitAllParked(ctx); err != nil {
		c.frozen.Store(false)
		c.mu.Unlock()
		return nil, fmt.Errorf("freeze: drain phase: %w", err)
	}

	return &Token{c: c}, nil
}

func (c *Controller) waitAllParked(ctx context.Context) error {
	for {
		c.parkMu.Lock()
		if c.parked >= c.numStages {
			c.parkMu.Unlock()
			return nil
		}
		notify := c.parkNotify
		c.parkMu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParkIfFrozen is called by stage loops once per iteration. If the farm is
// frozen, the calling goroutine registers as parked and blocks until
// Unfreeze releases it or ctx is canceled.
func (c *Controller) ParkIfFrozen(ctx context.Context) {
	if !c.frozen.Load() {
		return
	}

	c.parkMu.Lock()
	c.parked++
	close(c.parkNotify)
	c.parkNotify = make(chan struct{})
	unfreezeC := c.unfreezeC
	c.parkMu.Unlock()

	select {
	case <-unfreezeC:
	case <-ctx.Done():
	}

	c.parkMu.Lock()
	c.parked--
	c.parkMu.Unlock()
}

// Unfreeze releases a freeze window: it clears the frozen flag, wakes
// every parked stage and releases the serialization lock acquired by the
// matching Freeze call. Calling Unfreeze more than once on the same Token
// is a no-op.
func (t *Token) Unfreeze() {
	if !t.done.CompareAndSwap(false, true) {
		return
	}

	c := t.c
	c.parkMu.Lock()
	close(c.unfreezeC)
	c.unfreezeC = make(chan struct{})
	c.parkMu.Unlock()

	c.frozen.Store(false)
	c.mu.Unlock()
}
