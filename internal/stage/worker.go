package stage

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/metrics"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// Worker classifies tasks on a single farm partition. It is the sole
// writer of its own busy-time accumulator; GetWorktimePercentage and
// ResetWorktimePercentage are called from the reconfiguration controller's
// goroutine and stay race-free by using atomic.Int64.Swap rather than a
// separate read-then-write pair.
type Worker struct {
	ID        int
	Partition int
	FarmLabel string
	Freeze    *freeze.Controller

	engine engine.Engine

	busyNanos  atomic.Int64
	windowOpen atomic.Int64 // UnixNano of the start of the current measurement window
}

// NewWorker builds a Worker bound to partition p of the given engine.
func NewWorker(id, partition int, farmLabel string, eng engine.Engine, fc *freeze.Controller) *Worker {
	w := &Worker{ID: id, Partition: partition, FarmLabel: farmLabel, engine: eng, Freeze: fc}
	w.windowOpen.Store(time.Now().UnixNano())
	return w
}

func (w *Worker) Role() Role { return RoleWorker }

// Serve reads tasks from in, classifies each on the worker's partition,
// and forwards it to the returned output channel. It exits when in is
// closed or ctx is canceled, closing its output channel on the way out.
func (w *Worker) Serve(ctx context.Context, in <-chan *taskpool.Task) <-chan *taskpool.Task {
	out := make(chan *taskpool.Task, cap(in))

	go func() {
		defer close(out)
		for {
			if w.Freeze != nil {
				w.Freeze.ParkIfFrozen(ctx)
			}
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				w.classify(t)
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (w *Worker) classify(t *taskpool.Task) {
	start := time.Now()
	if err := w.engine.Classify(w.Partition, t); err != nil {
		slog.Error("worker classify failed", "worker", w.ID, "partition", w.Partition, "error", err)
	}
	elapsed := time.Since(start)

	w.busyNanos.Add(int64(elapsed))
	metrics.StageLatencySeconds.WithLabelValues(w.FarmLabel, RoleWorker.String()).Observe(elapsed.Seconds())
	metrics.PacketsClassifiedTotal.WithLabelValues(w.FarmLabel, workerLabel(w.ID)).Inc()
}

// GetWorktimePercentage returns the fraction of wall-clock time, since the
// last reset, that this worker spent inside Classify, as a percentage
// (0-100). It does not reset the window.
func (w *Worker) GetWorktimePercentage() float64 {
	busy := w.busyNanos.Load()
	elapsed := time.Now().UnixNano() - w.windowOpen.Load()
	if elapsed <= 0 {
		return 0
	}
	pct := float64(busy) / float64(elapsed) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ResetWorktimePercentage atomically zeroes the busy accumulator and opens
// a new measurement window, using Swap so a concurrent classify() Add
// cannot be lost between a read and a write.
func (w *Worker) ResetWorktimePercentage() {
	w.busyNanos.Swap(0)
	w.windowOpen.Swap(time.Now().UnixNano())
}

func workerLabel(id int) string {
	return "w" + strconv.Itoa(id)
}
