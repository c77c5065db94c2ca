package stage

import (
	"context"
	"time"

	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// ReadFunc pulls the next raw packet from whatever source feeds the
// pipeline (a live capture, a pcap file, a test generator). It returns
// ok=false when the source is exhausted or closed.
type ReadFunc func() (data []byte, ok bool)

// Emitter is the pull-dispatch source stage: it owns the task pool and
// turns raw bytes from Read into pooled *taskpool.Task values. The farm
// fabric, not the emitter, is responsible for flow-affine fan-out onto
// worker input channels — the emitter only originates tasks.
type Emitter struct {
	Pool       *taskpool.Pool
	Read       ReadFunc
	BufferSize int
	Freeze     *freeze.Controller
}

func NewEmitter(pool *taskpool.Pool, read ReadFunc, bufferSize int, fc *freeze.Controller) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Emitter{Pool: pool, Read: read, BufferSize: bufferSize, Freeze: fc}
}

func (e *Emitter) Role() Role { return RoleEmitter }

// Serve ignores in — the emitter originates tasks from Read, it does not
// consume upstream work — and returns the channel newly minted tasks are
// published on.
func (e *Emitter) Serve(ctx context.Context, _ <-chan *taskpool.Task) <-chan *taskpool.Task {
	out := make(chan *taskpool.Task, e.BufferSize)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if e.Freeze != nil {
				e.Freeze.ParkIfFrozen(ctx)
			}

			data, ok := e.Read()
			if !ok {
				return
			}

			t := e.Pool.Get()
			t.Data = append(t.Data[:0], data...)
			t.Length = len(data)
			t.ArrivedAt = time.Now()

			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
