// Package farm assembles emitter/worker/collector stages into a running
// farm, owns the flow-affine dispatch that routes each task to a worker,
// and is the only thing allowed to change the worker-count modulus — and
// only while frozen.
package farm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/metrics"
	"firestige.xyz/mcdpi/internal/stage"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// Mapping is the dense logical-slot -> physical-core assignment the farm
// derives from hwfacade.Topology: slot 0 is the emitter, slots 1..N the
// workers, slot N+1 the collector.
type Mapping struct {
	EmitterCore    hwfacade.CoreID
	WorkerCores    []hwfacade.CoreID
	CollectorCore  hwfacade.CoreID
}

// Farm is a running emitter -> [dispatch -> workers] -> collector fabric.
type Farm struct {
	Label    string
	topology core.Topology
	mode     core.L3L4FarmMode

	hw     hwfacade.Facade
	engine engine.Engine
	pool   *taskpool.Pool

	freezeCtl *freeze.Controller

	emitter   *stage.Emitter
	collector *stage.Collector

	mu               sync.RWMutex
	workers          []*stage.Worker
	workerChans      []chan *taskpool.Task
	activeWorkers    atomic.Int32
	migrateCollector bool
	bufferCapacity   int

	mapping Mapping

	cancel context.CancelFunc
}

// Build validates the platform has enough cores for the requested topology
// (>=3 single-farm, >=6 double-farm) and constructs a Farm, not yet running,
// with one backing worker per available_processors-2 slot, of which the
// first numWorkers start active.
func Build(
	topology core.Topology,
	mode core.L3L4FarmMode,
	numWorkers int,
	hw hwfacade.Facade,
	eng engine.Engine,
	pool *taskpool.Pool,
	read stage.ReadFunc,
	process stage.ProcessFunc,
	bufferCapacity int,
	label string,
) (*Farm, error) {
	topo, err := hw.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("farm: enumerate hardware topology: %w", err)
	}

	minCores := 3
	if topology == core.TopologyDouble {
		minCores = 6
	}
	if topo.NumCores() < minCores {
		return nil, fmt.Errorf("farm: %w: have %d cores, need >= %d for %s topology",
			core.ErrParameterRange, topo.NumCores(), minCores, topology)
	}
	if numWorkers < 1 {
		return nil, fmt.Errorf("farm: %w: numWorkers must be >= 1", core.ErrParameterRange)
	}
	if numWorkers > topo.NumCores()-2 {
		return nil, fmt.Errorf("farm: %w: numWorkers %d exceeds available_processors-2 (%d)",
			core.ErrParameterRange, numWorkers, topo.NumCores()-2)
	}

	if topology != core.TopologyDouble && mode != core.L3L4Default {
		return nil, fmt.Errorf("farm: %w: l3l4 farm mode only applies to double topology", core.ErrInvalidTopologyOp)
	}

	f := &Farm{
		Label:          label,
		topology:       topology,
		mode:           mode,
		hw:             hw,
		engine:         eng,
		pool:           pool,
		bufferCapacity: bufferCapacity,
	}

	f.freezeCtl = freeze.NewController(numWorkers + 2) // emitter + workers + collector
	f.emitter = stage.NewEmitter(pool, read, bufferCapacity, f.freezeCtl)
	f.collector = stage.NewCollector(pool, process, f.freezeCtl)
	f.buildWorkers(topo.NumCores() - 2)
	f.activeWorkers.Store(int32(numWorkers))
	f.buildMapping(topo)

	return f, nil
}

func (f *Farm) buildWorkers(n int) {
	f.workers = make([]*stage.Worker, n)
	f.workerChans = make([]chan *taskpool.Task, n)
	for i := 0; i < n; i++ {
		f.workers[i] = stage.NewWorker(i, i, f.Label, f.engine, f.freezeCtl)
	}
	f.activeWorkers.Store(int32(n))
}

func (f *Farm) buildMapping(topo hwfacade.Topology) {
	m := Mapping{}
	if len(topo.Cores) > 0 {
		m.EmitterCore = topo.Cores[0]
	}
	for i := range f.workers {
		if i+1 < len(topo.Cores) {
			m.WorkerCores = append(m.WorkerCores, topo.Cores[i+1])
		}
	}
	collectorSlot := int(f.activeWorkers.Load()) + 1
	if collectorSlot < len(topo.Cores) {
		m.CollectorCore = topo.Cores[collectorSlot]
	}
	f.mapping = m
}

// SetCallbacks swaps the emitter's read source and the collector's result
// sink. Callers must hold a freeze.Token over the farm (or call this before
// the farm's first Run) so no stage observes a half-applied callback pair.
func (f *Farm) SetCallbacks(read stage.ReadFunc, process stage.ProcessFunc) {
	f.emitter.Read = read
	f.collector.Process = process
}

// SetRead swaps only the emitter's read source, leaving the collector's
// process sink untouched. Same freeze-or-before-first-Run requirement as
// SetCallbacks.
func (f *Farm) SetRead(read stage.ReadFunc) { f.emitter.Read = read }

// SetProcess swaps only the collector's process sink, leaving the
// emitter's read source untouched. Same freeze-or-before-first-Run
// requirement as SetCallbacks.
func (f *Farm) SetProcess(process stage.ProcessFunc) { f.collector.Process = process }

// Mapping returns the farm's current logical-slot -> physical-core assignment.
func (f *Farm) Mapping() Mapping {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mapping
}

// FreezeController exposes the farm's quiescence controller so the
// reconfiguration controller can drive freeze/unfreeze cycles.
func (f *Farm) FreezeController() *freeze.Controller { return f.freezeCtl }

// Done returns a channel closed once the farm has fully drained following
// exhaustion of the emitter's Read source: every worker has stopped and
// the collector has delivered its last task.
func (f *Farm) Done() <-chan struct{} { return f.collector.Done() }

// Workers returns the farm's currently active workers, for load sampling.
func (f *Farm) Workers() []*stage.Worker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := int(f.activeWorkers.Load())
	out := make([]*stage.Worker, n)
	copy(out, f.workers[:n])
	return out
}

// Run wires the emitter, dispatch, workers and collector goroutines and
// blocks until ctx is canceled.
func (f *Farm) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	emitterOut := f.emitter.Serve(ctx, nil)

	f.mu.Lock()
	for i := range f.workers {
		f.workerChans[i] = make(chan *taskpool.Task, f.bufferCapacity)
	}
	f.mu.Unlock()

	go f.dispatchLoop(ctx, emitterOut)

	merged := f.mergeWorkerOutputs(ctx)
	f.collector.Serve(ctx, merged)

	<-ctx.Done()
}

// dispatchLoop reads emitted tasks and routes each to a worker by
// hash(flow) mod active_workers. When the emitter's output closes (the
// Read source was exhausted), it closes every worker input channel in
// turn so workers drain and close their own outputs, letting the farm's
// Done channel eventually fire.
func (f *Farm) dispatchLoop(ctx context.Context, in <-chan *taskpool.Task) {
	defer f.closeWorkerChans()
	for {
		if f.freezeCtl != nil {
			f.freezeCtl.ParkIfFrozen(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			f.dispatch(ctx, t)
		}
	}
}

func (f *Farm) closeWorkerChans() {
	f.mu.RLock()
	chans := append([]chan *taskpool.Task(nil), f.workerChans...)
	f.mu.RUnlock()
	for _, c := range chans {
		close(c)
	}
}

func (f *Farm) dispatch(ctx context.Context, t *taskpool.Task) {
	f.mu.RLock()
	n := int(f.activeWorkers.Load())
	if n <= 0 || n > len(f.workerChans) {
		n = len(f.workerChans)
	}
	chans := f.workerChans
	f.mu.RUnlock()

	if n == 0 {
		f.pool.Put(t)
		return
	}

	idx := int(flowHash(t.Data[:t.Length]) % uint64(n))
	select {
	case chans[idx] <- t:
	case <-ctx.Done():
	}
}

// mergeWorkerOutputs fans the per-worker output channels into a single
// channel feeding the collector.
func (f *Farm) mergeWorkerOutputs(ctx context.Context) <-chan *taskpool.Task {
	out := make(chan *taskpool.Task, f.bufferCapacity)

	f.mu.RLock()
	workers := append([]*stage.Worker(nil), f.workers...)
	chans := append([]chan *taskpool.Task(nil), f.workerChans...)
	f.mu.RUnlock()

	var wg sync.WaitGroup
	for i, w := range workers {
		workerOut := w.Serve(ctx, chans[i])
		wg.Add(1)
		go func(c <-chan *taskpool.Task) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-c:
					if !ok {
						return
					}
					select {
					case out <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}(workerOut)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// Teardown cancels the farm's goroutines. It does not wait for drain;
// callers that need a clean stop should freeze first.
func (f *Farm) Teardown() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Rebind changes the active worker count and repartitions the engine's
// per-flow state to match. It must be called while the farm is frozen,
// proven by possession of a freeze.Token.
//
// Growing reuses existing worker goroutines that are already running (the
// farm is built with enough backing workers for its configured maximum)
// and simply raises the active count. Shrinking lowers the active count;
// when migrateCollector is set and the shrink vacates the slot immediately
// after the last active worker, the collector's mapped core moves down to
// that slot, matching Peafowl's collector-migration behavior.
//
// The engine repartition happens here, under the same freeze token, so
// every path that changes the active worker count — the manual
// set_num_workers entry point and the reconfiguration controller's
// automatic scaling — keeps dispatch's hash(flow) mod active_workers
// routing aligned with the engine's per-partition flow tables.
func (f *Farm) Rebind(tok *freeze.Token, newNumWorkers int, migrateCollector bool) error {
	if tok == nil {
		return fmt.Errorf("farm: %w: Rebind requires a freeze token", core.ErrUnsupportedReconfiguration)
	}
	if newNumWorkers < 1 || newNumWorkers > len(f.workers) {
		return fmt.Errorf("farm: %w: newNumWorkers %d out of range [1,%d]",
			core.ErrUnsupportedReconfiguration, newNumWorkers, len(f.workers))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.engine.Repartition(newNumWorkers); err != nil {
		return fmt.Errorf("farm: repartition engine: %w", err)
	}

	f.activeWorkers.Store(int32(newNumWorkers))
	f.migrateCollector = migrateCollector

	if migrateCollector {
		collectorSlot := newNumWorkers + 1
		if collectorSlot < len(f.mapping.WorkerCores)+1 {
			f.mapping.CollectorCore = f.mapping.WorkerCores[collectorSlot-1]
		}
	}

	f.freezeCtl.SetNumStages(newNumWorkers + 2)

	metrics.ActiveWorkers.WithLabelValues(f.Label).Set(float64(newNumWorkers))
	return nil
}

// ActiveWorkers returns the current active worker count.
func (f *Farm) ActiveWorkers() int {
	return int(f.activeWorkers.Load())
}

// Mode returns the farm's L3/L4 scheduling mode (meaningful only for the
// L3/L4 farm of a double topology).
func (f *Farm) Mode() core.L3L4FarmMode { return f.mode }

// Topology returns the farm's configured topology.
func (f *Farm) Topology() core.Topology { return f.topology }
