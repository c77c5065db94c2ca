package pipeline

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Stats holds process-local counters for DumpStats, independent of the
// Prometheus series in internal/metrics (which are the thing an operator
// actually scrapes; Stats is a cheap textual snapshot for local debugging).
type Stats struct {
	Emitted      atomic.Uint64
	Classified   atomic.Uint64
	ClassifyErrs atomic.Uint64
	Delivered    atomic.Uint64

	Reconfigurations atomic.Uint64
}

func newStats() *Stats { return &Stats{} }

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.Emitted.Store(0)
	s.Classified.Store(0)
	s.ClassifyErrs.Store(0)
	s.Delivered.Store(0)
	s.Reconfigurations.Store(0)
}

// DumpStats writes a human-readable snapshot of the pipeline's counters
// and live state to w.
func (p *Pipeline) DumpStats(w io.Writer) error {
	_, err := fmt.Fprintf(w, ""+
		"topology=%s running=%t frozen=%t terminating=%t\n"+
		"emitted=%d classified=%d classify_errors=%d delivered=%d reconfigurations=%d\n"+
		"active_workers=%d\n",
		p.topology,
		p.running.Load(),
		p.Frozen(),
		p.terminating.Load(),
		p.stats.Emitted.Load(),
		p.stats.Classified.Load(),
		p.stats.ClassifyErrs.Load(),
		p.stats.Delivered.Load(),
		p.stats.Reconfigurations.Load(),
		p.farm.ActiveWorkers(),
	)
	return err
}
