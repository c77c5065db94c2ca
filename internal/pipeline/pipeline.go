// Package pipeline wires a farm fabric, its DPI engine(s), the
// reconfiguration controller and the energy dispatcher into the external
// control surface a deployment drives: init, run, wait for natural
// end-of-stream, terminate, and the freeze-protected mutators that change
// worker counts, engine behavior and reconfiguration policy while traffic
// flows.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/mcdpi/internal/config"
	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/energy"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/farm"
	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/metrics"
	"firestige.xyz/mcdpi/internal/reconf"
	"firestige.xyz/mcdpi/internal/stage"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// Config assembles everything InitStateful needs to build a warmed-but-frozen
// pipeline: the static deployment configuration, the hardware facade and a
// factory for the DPI engine. NewEngine is called once per farm, so a
// double-topology pipeline's L3/L4 and L7 farms each get an independently
// partitioned engine instance — sharing one would let two farms' worker
// goroutines race on the same partition index's decoder state.
type Config struct {
	Global    *config.GlobalConfig
	Hardware  hwfacade.Facade
	NewEngine func(numPartitions int) (engine.Engine, error)
}

// Pipeline is the external control surface over a single- or double-farm
// DPI fabric plus the reconfiguration controller and energy dispatcher
// that watch and drive it.
type Pipeline struct {
	mu sync.Mutex

	topology core.Topology
	mode     core.L3L4FarmMode
	hw       hwfacade.Facade

	farm     *farm.Farm // the L7 farm, or the only farm for single topology
	l3l4Farm *farm.Farm // non-nil only for double topology
	chainCh  chan []byte

	pool     *taskpool.Pool
	l3l4Pool *taskpool.Pool

	eng     engine.Engine
	l3l4Eng engine.Engine

	frequencies  []uint64
	reconfParams reconf.Parameters
	reconfCtl    *reconf.Controller

	energyDisp *energy.Dispatcher

	stats *Stats

	initToken     *freeze.Token
	l3l4InitToken *freeze.Token

	running     atomic.Bool
	terminating atomic.Bool

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// InitStateful builds a pipeline and brings it to a warmed-but-frozen
// state: every stage goroutine is already running and has parked on its
// very first loop iteration (PresetFrozen guarantees this happens before
// any placeholder Read/Process callback is ever invoked), so the first
// public Run call resumes straight into steady-state processing instead of
// paying goroutine and pool warm-up cost on the hot path.
func InitStateful(cfg Config) (*Pipeline, error) {
	if cfg.Global == nil {
		return nil, fmt.Errorf("pipeline: Config.Global is required")
	}
	if cfg.Hardware == nil {
		return nil, fmt.Errorf("pipeline: Config.Hardware is required")
	}
	if cfg.NewEngine == nil {
		return nil, fmt.Errorf("pipeline: Config.NewEngine is required")
	}

	gcfg := cfg.Global
	topology, err := parseTopology(gcfg.Pipeline.Topology)
	if err != nil {
		return nil, err
	}
	mode, err := parseL3L4Mode(gcfg.Pipeline.L3L4FarmMode)
	if err != nil {
		return nil, err
	}

	topo, err := cfg.Hardware.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("pipeline: enumerate hardware topology: %w", err)
	}
	var frequencies []uint64
	if len(topo.Cores) > 0 {
		frequencies, err = cfg.Hardware.AvailableFrequencies(topo.Cores[0])
		if err != nil {
			return nil, fmt.Errorf("pipeline: available frequencies: %w", err)
		}
	}
	startFreqIndex := 0
	if len(frequencies) > 0 {
		startFreqIndex = len(frequencies) - 1
	}

	params, err := parseReconfParams(gcfg.Reconfiguration, gcfg.Pipeline.MigrateCollector)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		topology:     topology,
		mode:         mode,
		hw:           cfg.Hardware,
		frequencies:  frequencies,
		reconfParams: params,
		stats:        newStats(),
	}

	placeholderRead := func() ([]byte, bool) { return nil, false }
	placeholderProcess := func(*taskpool.Task) {}

	l7Pool := newPool(gcfg.Pipeline)
	l7Eng, err := cfg.NewEngine(gcfg.Pipeline.Workers)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build l7 engine: %w", err)
	}
	l7Farm, err := farm.Build(topology, core.L3L4Default, gcfg.Pipeline.Workers, cfg.Hardware, l7Eng, l7Pool,
		placeholderRead, placeholderProcess, gcfg.Pipeline.BufferCapacity, metrics.FarmL7)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build l7 farm: %w", err)
	}

	p.farm = l7Farm
	p.pool = l7Pool
	p.eng = l7Eng

	if topology == core.TopologyDouble {
		l3l4Pool := newPool(gcfg.Pipeline)
		l3l4Eng, err := cfg.NewEngine(gcfg.Pipeline.L3L4Workers)
		if err != nil {
			return nil, fmt.Errorf("pipeline: build l3l4 engine: %w", err)
		}

		chainCh := make(chan []byte, gcfg.Pipeline.BufferCapacity)
		chainRead := func() ([]byte, bool) {
			b, ok := <-chainCh
			return b, ok
		}
		chainProcess := func(t *taskpool.Task) {
			cp := append([]byte(nil), t.Data[:t.Length]...)
			select {
			case chainCh <- cp:
			default:
				metrics.PacketsDroppedTotal.WithLabelValues(metrics.FarmL3L4, "chain").Inc()
			}
		}

		l3l4Farm, err := farm.Build(topology, mode, gcfg.Pipeline.L3L4Workers, cfg.Hardware, l3l4Eng, l3l4Pool,
			placeholderRead, chainProcess, gcfg.Pipeline.BufferCapacity, metrics.FarmL3L4)
		if err != nil {
			return nil, fmt.Errorf("pipeline: build l3l4 farm: %w", err)
		}

		p.l3l4Farm = l3l4Farm
		p.l3l4Pool = l3l4Pool
		p.l3l4Eng = l3l4Eng
		p.chainCh = chainCh

		// The L7 farm's Read is permanently wired to drain the chain
		// channel; SetReadAndProcessCallbacks only ever replaces the
		// L3/L4 farm's Read and the L7 farm's Process in this topology.
		p.farm.SetRead(chainRead)
	}

	maxWorkers := topo.NumCores() - 2
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p.reconfCtl = reconf.New(params, p.farm, cfg.Hardware, maxWorkers, frequencies, startFreqIndex)

	if gcfg.Energy.Enabled {
		collectionInterval := time.Duration(gcfg.Energy.CollectionInterval) * time.Second
		if collectionInterval >= cfg.Hardware.WrappingInterval() {
			return nil, fmt.Errorf("pipeline: %w: energy.collection_interval %s must be < wrap interval %s",
				core.ErrParameterRange, collectionInterval, cfg.Hardware.WrappingInterval())
		}
		p.energyDisp = energy.NewDispatcher(cfg.Hardware, topo.SocketIDs(), collectionInterval)
	}

	p.farm.FreezeController().PresetFrozen()
	if p.l3l4Farm != nil {
		p.l3l4Farm.FreezeController().PresetFrozen()
	}

	warmCtx, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.farm.Run(warmCtx)
	}()
	if p.l3l4Farm != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.l3l4Farm.Run(warmCtx)
		}()
	}

	freezeCtx, freezeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer freezeCancel()

	tok, err := p.farm.FreezeController().Freeze(freezeCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pipeline: warm-up freeze: %w", err)
	}
	p.initToken = tok

	if p.l3l4Farm != nil {
		tok2, err := p.l3l4Farm.FreezeController().Freeze(freezeCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("pipeline: warm-up freeze l3l4: %w", err)
		}
		p.l3l4InitToken = tok2
	}

	metrics.PipelineFrozen.Set(1)
	return p, nil
}

// SetReadAndProcessCallbacks installs the read source and result sink. For
// a single-farm topology both apply directly to the one farm. For a double
// topology, read feeds the L3/L4 farm and process drains the L7 farm; the
// L3/L4->L7 handoff channel wired up in InitStateful is untouched. Must be
// called before Run, while the pipeline is still in its warmed, frozen
// state — both farms are still parked so there is no race with a stage
// reading the old callback mid-swap.
func (p *Pipeline) SetReadAndProcessCallbacks(read stage.ReadFunc, process stage.ProcessFunc) error {
	if p.running.Load() {
		return fmt.Errorf("pipeline: %w: callbacks must be set before Run", core.ErrAlreadyRunning)
	}

	if p.l3l4Farm != nil {
		p.l3l4Farm.SetRead(read)
		p.farm.SetProcess(process)
		return nil
	}

	p.farm.SetCallbacks(read, process)
	return nil
}

// Run releases the pipeline from its initial warm-up freeze so traffic
// starts flowing through whatever read/process callbacks are installed,
// and starts the energy dispatcher if energy accounting is enabled.
func (p *Pipeline) Run() error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	p.mu.Lock()
	tok := p.initToken
	p.initToken = nil
	l3l4Tok := p.l3l4InitToken
	p.l3l4InitToken = nil
	p.mu.Unlock()

	if p.energyDisp != nil {
		dispCtx, dispCancel := context.WithCancel(context.Background())
		warmCancel := p.runCancel
		p.runCancel = func() {
			warmCancel()
			dispCancel()
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.energyDisp.Run(dispCtx); err != nil {
				slog.Error("pipeline: energy dispatcher stopped", "error", err)
			}
		}()
	}

	if l3l4Tok != nil {
		l3l4Tok.Unfreeze()
	}
	if tok != nil {
		tok.Unfreeze()
	}
	metrics.PipelineFrozen.Set(0)

	slog.Info("pipeline running", "topology", p.topology)
	return nil
}

// WaitEnd blocks until the farm fabric has fully drained following
// exhaustion of the installed Read source(s): every worker has stopped and
// the collector(s) delivered their last task. For a double topology this
// waits on the L7 farm, which only drains once the L3/L4 farm's chain
// channel closes behind it.
func (p *Pipeline) WaitEnd() {
	if p.l3l4Farm != nil {
		<-p.l3l4Farm.Done()
		close(p.chainCh)
	}
	<-p.farm.Done()
}

// Terminate tears the pipeline down: it marks every freeze controller as
// terminating (so any in-flight or future Freeze call fails fast), cancels
// the farms' run context, and waits for their goroutines to exit.
func (p *Pipeline) Terminate() error {
	if !p.terminating.CompareAndSwap(false, true) {
		return nil
	}

	p.reconfCtl.Terminate()
	p.farm.FreezeController().Terminate()
	if p.l3l4Farm != nil {
		p.l3l4Farm.FreezeController().Terminate()
	}

	if p.runCancel != nil {
		p.runCancel()
	}
	p.wg.Wait()

	if err := p.eng.Close(); err != nil {
		slog.Error("pipeline: l7 engine close failed", "error", err)
	}
	if p.l3l4Eng != nil {
		if err := p.l3l4Eng.Close(); err != nil {
			slog.Error("pipeline: l3l4 engine close failed", "error", err)
		}
	}

	slog.Info("pipeline terminated")
	return nil
}

// SetNumWorkers changes the L7 (or only) farm's active worker count.
// Single-farm-topology only: a double topology is rejected, and its
// reconfiguration controller drives only the L7 farm. Before Run the
// rebind happens under the warm-up freeze InitStateful still holds.
func (p *Pipeline) SetNumWorkers(n int) error {
	if p.topology != core.TopologySingle {
		return fmt.Errorf("pipeline: %w: set_num_workers is single-farm only", core.ErrInvalidTopologyOp)
	}

	p.mu.Lock()
	if p.initToken != nil {
		defer p.mu.Unlock()
		return p.farm.Rebind(p.initToken, n, p.reconfParams.MigrateCollector)
	}
	p.mu.Unlock()

	ctx := context.Background()
	tok, err := p.farm.FreezeController().Freeze(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: set_num_workers: freeze: %w", err)
	}
	metrics.PipelineFrozen.Set(1)
	defer func() {
		tok.Unfreeze()
		metrics.PipelineFrozen.Set(0)
	}()

	return p.farm.Rebind(tok, n, p.reconfParams.MigrateCollector)
}

// ReconfigurationSetParameters installs new reconfiguration control-loop
// policy, taking effect from the controller's next sampling tick.
// Single-farm-topology only, matching SetNumWorkers.
func (p *Pipeline) ReconfigurationSetParameters(params reconf.Parameters) error {
	if p.topology != core.TopologySingle {
		return fmt.Errorf("pipeline: %w: reconfiguration_set_parameters is single-farm only", core.ErrInvalidTopologyOp)
	}
	p.mu.Lock()
	p.reconfParams = params
	p.mu.Unlock()
	p.reconfCtl.SetParameters(params)
	return nil
}

// StatsCallback reports one collection tick: the farm's current active
// worker count, the frequency currently in effect (Hz), the joules consumed
// by the socket domain over the interval, and the smoothed system load
// percentage the reconfiguration controller is currently evaluating against.
type StatsCallback func(numWorkers int, freqHz uint64, joulesDiff float64, systemLoadPct float64)

// SetStatsCollectionCallback installs the stats callback and collection
// interval. interval must be strictly less than the hardware facade's wrap
// interval, or a RAPL counter could wrap more than once between samples and
// silently corrupt the diff.
func (p *Pipeline) SetStatsCollectionCallback(interval time.Duration, cb StatsCallback) error {
	if p.energyDisp == nil {
		return fmt.Errorf("pipeline: energy accounting is disabled")
	}
	if interval >= p.hw.WrappingInterval() {
		return fmt.Errorf("pipeline: %w: collection interval %s must be < wrap interval %s",
			core.ErrParameterRange, interval, p.hw.WrappingInterval())
	}
	p.energyDisp.SetInterval(interval)
	p.energyDisp.SetCallback(func(dom energy.Domains) {
		if cb == nil {
			return
		}
		cb(p.farm.ActiveWorkers(), p.reconfCtl.CurrentFrequencyKHz()*1000, dom.Socket, p.reconfCtl.SystemLoad())
	})
	return nil
}

// WorkerLoads returns the L7 (or only) farm's current worktime percentages,
// one entry per active worker, without resetting their measurement windows.
func (p *Pipeline) WorkerLoads() []float64 {
	workers := p.farm.Workers()
	out := make([]float64, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.GetWorktimePercentage())
	}
	return out
}

// Frozen reports whether the L7 (or only) farm is currently frozen.
func (p *Pipeline) Frozen() bool {
	return p.farm.FreezeController().Frozen()
}

// Running reports whether Run has been called and Terminate has not, for
// callers wiring a readiness probe (e.g. the metrics server's health
// endpoint) off the live pipeline state.
func (p *Pipeline) Running() bool {
	return p.running.Load() && !p.terminating.Load()
}

// Tick drives one iteration of the reconfiguration controller's periodic
// sampling/evaluation loop for the L7 (or only) farm. Callers run this
// from their own ticker, once per logical second, matching the teacher's
// supervisor-loop convention.
func (p *Pipeline) Tick(ctx context.Context) error {
	workers := p.farm.Workers()
	rw := make([]reconf.Worker, len(workers))
	for i, w := range workers {
		rw[i] = w
	}
	return p.reconfCtl.Tick(ctx, rw)
}
