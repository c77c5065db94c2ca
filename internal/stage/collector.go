package stage

import (
	"context"

	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// ProcessFunc delivers a classified task to the application. Collector
// always returns the task to the pool afterward.
type ProcessFunc func(t *taskpool.Task)

// Collector is the terminal drain stage: it receives classified tasks,
// hands them to Process, and returns each task to the pool.
type Collector struct {
	Pool    *taskpool.Pool
	Process ProcessFunc
	Freeze  *freeze.Controller

	done chan struct{}
}

func NewCollector(pool *taskpool.Pool, process ProcessFunc, fc *freeze.Controller) *Collector {
	return &Collector{Pool: pool, Process: process, Freeze: fc, done: make(chan struct{})}
}

func (c *Collector) Role() Role { return RoleCollector }

// Done returns a channel closed once the collector's input channel has
// closed and every pending task has been delivered — i.e. the farm has
// fully drained after the emitter's Read source was exhausted.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Serve drains in, delivering each task via Process and returning it to
// the pool. It returns a nil output channel: the collector is a sink.
func (c *Collector) Serve(ctx context.Context, in <-chan *taskpool.Task) <-chan *taskpool.Task {
	go func() {
		defer close(c.done)
		for {
			if c.Freeze != nil {
				c.Freeze.ParkIfFrozen(ctx)
			}
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				c.Process(t)
				c.Pool.Put(t)
			}
		}
	}()

	return nil
}
