// Package taskpool implements a bounded, single-producer/single-consumer
// free-list of reusable Task buffers. It exists to keep packet processing
// allocation-free on the hot path; when the pool runs dry or overflows it
// falls back to the garbage collector rather than blocking.
package taskpool

import (
	"sync/atomic"
	"time"

	"firestige.xyz/mcdpi/internal/core"
)

// Task is a single unit of work flowing through the pipeline: a borrowed or
// owned packet buffer plus the bookkeeping the stages attach to it.
type Task struct {
	Data       []byte
	Length     int
	ArrivedAt  time.Time
	User       any
	Result     core.ClassificationResult
}

// reset clears a Task's fields before it re-enters the pool, so a reused
// Task never leaks state from its previous owner.
func (t *Task) reset() {
	t.Data = t.Data[:0]
	t.Length = 0
	t.ArrivedAt = time.Time{}
	t.User = nil
	t.Result = core.ClassificationResult{}
}

// Pool is a bounded ring of reusable *Task values. Get is called only by
// the emitter goroutine; Put only by the collector goroutine — the ring
// indices are plain ints guarded by that single-writer-per-field
// discipline, not locks.
type Pool struct {
	buf      []*Task
	capacity int
	head     uint64 // next slot to Put into
	tail     uint64 // next slot to Get from
	disabled atomic.Bool

	allocated atomic.Int64
	freed     atomic.Int64
}

// New creates a Pool with room for capacity Task pointers, pre-populated
// with freshly allocated Tasks of the given buffer size.
func New(capacity, bufferSize int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		buf:      make([]*Task, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.buf[i] = &Task{Data: make([]byte, 0, bufferSize)}
	}
	p.head = uint64(capacity)
	return p
}

// Get returns a Task for the emitter to fill. On underflow — the ring is
// empty — it allocates a fresh Task rather than blocking.
func (p *Pool) Get() *Task {
	if p.disabled.Load() {
		p.allocated.Add(1)
		return &Task{}
	}

	if p.tail == p.head {
		p.allocated.Add(1)
		return &Task{}
	}

	idx := p.tail % uint64(p.capacity)
	t := p.buf[idx]
	p.buf[idx] = nil
	p.tail++
	return t
}

// Put returns a Task to the pool for reuse. On overflow — the ring is
// full — the Task is simply dropped for the garbage collector instead of
// blocking the collector goroutine.
func (p *Pool) Put(t *Task) {
	if t == nil {
		return
	}
	if p.disabled.Load() {
		p.freed.Add(1)
		return
	}

	if p.head-p.tail >= uint64(p.capacity) {
		p.freed.Add(1)
		return
	}

	t.reset()
	idx := p.head % uint64(p.capacity)
	p.buf[idx] = t
	p.head++
}

// Disable switches the pool into passthrough allocation mode: every Get
// allocates fresh and every Put is discarded. Used when the deployment
// config sets pipeline.task_pool_enabled=false.
func (p *Pool) Disable() {
	p.disabled.Store(true)
}

// Enabled reports whether the pool is actively recycling Tasks.
func (p *Pool) Enabled() bool {
	return !p.disabled.Load()
}

// BypassCount returns the number of Get/Put calls that bypassed the ring
// (fresh allocations plus dropped frees), for metrics.TaskPoolAllocationsTotal.
func (p *Pool) BypassCount() (allocated, freed int64) {
	return p.allocated.Load(), p.freed.Load()
}

// InUse returns the number of Task objects currently checked out of the
// pool (i.e. not sitting in the free ring).
func (p *Pool) InUse() int {
	inPool := int(p.head - p.tail)
	return p.capacity - inPool
}
