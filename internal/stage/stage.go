// Package stage implements the three goroutine-per-stage roles that make
// up a farm: Emitter (pulls work in), Worker (classifies), Collector
// (delivers results out). All three satisfy the same Stage capability
// interface tagged by Role, rather than sharing a base-class hierarchy —
// a worker and a collector have nothing in common behaviorally beyond
// "runs on a channel", so forcing them under one embedded base type would
// only buy virtual-dispatch overhead for no shared logic.
package stage

import (
	"context"
	"fmt"

	"firestige.xyz/mcdpi/internal/taskpool"
)

// Role tags which position in the farm a Stage occupies.
type Role uint8

const (
	RoleEmitter Role = iota
	RoleWorker
	RoleCollector
)

func (r Role) String() string {
	switch r {
	case RoleEmitter:
		return "emitter"
	case RoleWorker:
		return "worker"
	case RoleCollector:
		return "collector"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Stage is implemented by Emitter, Worker and Collector. Serve starts the
// stage's goroutine and returns the channel its output flows out on; the
// goroutine exits when ctx is canceled or in is closed. Emitter ignores in
// (it originates tasks from its own source); Collector returns a nil out
// channel (it is a terminal sink).
type Stage interface {
	Role() Role
	Serve(ctx context.Context, in <-chan *taskpool.Task) <-chan *taskpool.Task
}
