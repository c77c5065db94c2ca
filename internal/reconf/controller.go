// Package reconf implements the reconfiguration controller: a periodic
// sampler of worker load that, on threshold breach, searches feasible
// (workers, frequency) configurations under a chosen strategy and applies
// the winner through the farm's freeze protocol.
package reconf

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/farm"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/metrics"
)

// Worker is the subset of stage.Worker the controller samples.
type Worker interface {
	GetWorktimePercentage() float64
	ResetWorktimePercentage()
}

// Controller runs the supervisor tick's sampling and reconfiguration logic
// for a single farm.
type Controller struct {
	mu sync.Mutex

	params Parameters

	farm *farm.Farm
	hw   hwfacade.Facade

	maxWorkers  int
	frequencies []uint64
	freqIndex   int

	loadSamples       [][]float64 // [worker][cursor]
	cursor            int
	currentNumSamples int

	tickCount int
	predictor Predictor

	terminating atomic.Bool
}

// New builds a Controller for f. maxWorkers is available_processors-2;
// frequencies is the ascending list of available CPU frequencies (kHz),
// shared by every core; startFreqIndex is the index already in effect at
// startup (typically the maximum, or whatever the governor left in place).
func New(params Parameters, f *farm.Farm, hw hwfacade.Facade, maxWorkers int, frequencies []uint64, startFreqIndex int) *Controller {
	c := &Controller{
		params:      params,
		farm:        f,
		hw:          hw,
		maxWorkers:  maxWorkers,
		frequencies: frequencies,
		freqIndex:   startFreqIndex,
		predictor:   LinearPredictor,
	}
	c.loadSamples = make([][]float64, maxWorkers)
	for i := range c.loadSamples {
		c.loadSamples[i] = make([]float64, params.NumSamples)
	}
	return c
}

// SetPredictor overrides the default linear utilization-vs-capacity model.
func (c *Controller) SetPredictor(p Predictor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictor = p
}

// SetParameters installs new control-loop policy, taking effect on the next
// Tick. Sample accumulation carries over unless NumSamples changes; then
// the sample ring is reallocated and the cursor and sample count restart
// from zero, so the stabilization gate reopens once enough fresh samples
// land.
func (c *Controller) SetParameters(p Parameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = p
	if len(c.loadSamples) > 0 && len(c.loadSamples[0]) != p.NumSamples {
		for i := range c.loadSamples {
			c.loadSamples[i] = make([]float64, p.NumSamples)
		}
		c.cursor = 0
		c.currentNumSamples = 0
	}
}

// Terminate marks the controller as shutting down; subsequent Tick calls
// become no-ops.
func (c *Controller) Terminate() { c.terminating.Store(true) }

// Tick runs once per logical second of the supervisor loop: it samples
// every SamplingInterval ticks and, on a sample tick, evaluates thresholds
// and applies a reconfiguration decision if one is warranted.
func (c *Controller) Tick(ctx context.Context, workers []Worker) error {
	if c.terminating.Load() {
		return nil
	}
	c.mu.Lock()
	c.tickCount++
	due := c.params.SamplingInterval > 0 && c.tickCount%c.params.SamplingInterval == 0
	c.mu.Unlock()
	if !due {
		return nil
	}

	c.sample(workers)
	dec, triggered := c.Evaluate(len(workers))
	if !triggered {
		return nil
	}
	return c.Apply(ctx, dec)
}

// Sample reads and resets every active worker's busy fraction into the
// sample ring, advancing the cursor modulo NumSamples. Exported for tests
// that want to drive sampling without a real Worker slice going through Tick.
func (c *Controller) Sample(workers []Worker) { c.sample(workers) }

func (c *Controller) sample(workers []Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range workers {
		if i >= len(c.loadSamples) {
			break
		}
		pct := w.GetWorktimePercentage()
		w.ResetWorktimePercentage()
		c.loadSamples[i][c.cursor] = pct
		metrics.WorkerLoadFraction.WithLabelValues(c.farm.Label, fmt.Sprintf("w%d", i)).Set(pct / 100)
	}
	c.cursor = (c.cursor + 1) % c.params.NumSamples
	c.currentNumSamples++
}

// smoothedSystemLoad is the mean over the most recent
// min(samplesTaken, NumSamples) samples across the given active workers.
func (c *Controller) smoothedSystemLoad(activeWorkers int) float64 {
	n := c.params.NumSamples
	if c.currentNumSamples < n {
		n = c.currentNumSamples
	}
	if n == 0 || activeWorkers == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < activeWorkers && i < len(c.loadSamples); i++ {
		for j := 0; j < n; j++ {
			sum += c.loadSamples[i][j]
		}
	}
	return sum / float64(activeWorkers*n)
}

func (c *Controller) smoothedPerWorker(activeWorkers int) []float64 {
	n := c.params.NumSamples
	if c.currentNumSamples < n {
		n = c.currentNumSamples
	}
	out := make([]float64, activeWorkers)
	if n == 0 {
		return out
	}
	for i := 0; i < activeWorkers && i < len(c.loadSamples); i++ {
		var sum float64
		for j := 0; j < n; j++ {
			sum += c.loadSamples[i][j]
		}
		out[i] = sum / float64(n)
	}
	return out
}

// Evaluate applies the stabilization gate and threshold evaluation, then
// runs the feasible-solution search if a trigger fired. It returns
// (Decision{}, false) when the controller should stay silent.
func (c *Controller) Evaluate(activeWorkers int) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentNumSamples < c.params.StabilizationPeriod+c.params.NumSamples {
		return Decision{}, false
	}

	smoothed := c.smoothedSystemLoad(activeWorkers)
	perWorker := c.smoothedPerWorker(activeWorkers)

	trigger := c.classifyTrigger(smoothed, perWorker)
	if trigger == TriggerNone {
		return Decision{}, false
	}

	if smoothed >= 100-errorPerc {
		return Decision{
			Workers:        c.maxWorkers,
			FrequencyIndex: len(c.frequencies) - 1,
			Strategy:       c.params.FreqStrategy,
			Trigger:        trigger,
		}, true
	}

	currentFreq := c.frequencies[c.freqIndex]
	dec, ok := c.search(smoothed, activeWorkers, currentFreq)
	if !ok {
		return Decision{}, false
	}
	dec.Trigger = trigger
	return dec, true
}

func (c *Controller) classifyTrigger(smoothed float64, perWorker []float64) Trigger {
	if smoothed > c.params.SystemLoadUp {
		return TriggerUp
	}
	if c.params.WorkerLoadUp > 0 {
		for _, l := range perWorker {
			if l > c.params.WorkerLoadUp {
				return TriggerUp
			}
		}
	}
	if smoothed < c.params.SystemLoadDown {
		return TriggerDown
	}
	if c.params.WorkerLoadDown > 0 {
		for _, l := range perWorker {
			if l < c.params.WorkerLoadDown {
				return TriggerDown
			}
		}
	}
	return TriggerNone
}

type candidate struct {
	w, f      int
	predicted float64
	power     float64
}

// search enumerates (w, f) candidates, classifying each by its predicted
// load relative to the threshold band padded by errorPerc, and selects a
// winner per c.params.FreqStrategy.
func (c *Controller) search(currentLoad float64, currentWorkers int, currentFreq uint64) (Decision, bool) {
	upThr := c.params.SystemLoadUp
	downThr := c.params.SystemLoadDown
	strategy := c.params.FreqStrategy

	governorPinned := strategy == core.StrategyGovernorOnDemand ||
		strategy == core.StrategyGovernorConservative ||
		strategy == core.StrategyGovernorPerformance

	freqIndices := make([]int, 0, len(c.frequencies))
	if governorPinned {
		freqIndices = append(freqIndices, c.freqIndex)
	} else {
		for i := range c.frequencies {
			freqIndices = append(freqIndices, i)
		}
	}

	var bestSuboptimal *candidate
	var bestPower *candidate

	for w := 1; w <= c.maxWorkers; w++ {
		for _, f := range freqIndices {
			predicted := c.predictor(currentLoad, currentWorkers, currentFreq, w, c.frequencies[f])

			switch {
			case predicted >= downThr+errorPerc && predicted <= upThr-errorPerc:
				switch strategy {
				case core.StrategyCoresConservative:
					return Decision{Workers: w, FrequencyIndex: f, Strategy: strategy}, true
				case core.StrategyPowerConservative:
					power := math.Pow(float64(c.frequencies[f]), 1.3) * float64(w+2)
					if bestPower == nil || power < bestPower.power {
						bestPower = &candidate{w: w, f: f, predicted: predicted, power: power}
					}
				default: // governor-pinned: any feasible w wins
					return Decision{Workers: w, FrequencyIndex: f, Strategy: strategy}, true
				}
			case predicted < downThr+errorPerc:
				if bestSuboptimal == nil || predicted > bestSuboptimal.predicted {
					bestSuboptimal = &candidate{w: w, f: f, predicted: predicted}
				}
			default: // infeasible-high, discard
			}
		}
	}

	if bestPower != nil {
		return Decision{Workers: bestPower.w, FrequencyIndex: bestPower.f, Strategy: strategy}, true
	}
	if bestSuboptimal != nil {
		return Decision{Workers: bestSuboptimal.w, FrequencyIndex: bestSuboptimal.f, Strategy: strategy}, true
	}
	return Decision{}, false
}

// Apply freezes the farm, rebinds it to the decision's worker count,
// applies the frequency change per FreqType, unfreezes, and zeroes the
// sample buffers.
func (c *Controller) Apply(ctx context.Context, dec Decision) error {
	start := time.Now()

	tok, err := c.farm.FreezeController().Freeze(ctx)
	if err != nil {
		return fmt.Errorf("reconf: freeze: %w", err)
	}
	metrics.PipelineFrozen.Set(1)
	defer func() {
		tok.Unfreeze()
		metrics.PipelineFrozen.Set(0)
	}()

	if err := c.farm.Rebind(tok, dec.Workers, c.params.MigrateCollector); err != nil {
		return fmt.Errorf("reconf: rebind: %w", err)
	}

	if err := c.applyFrequency(dec); err != nil {
		slog.Error("reconf: frequency change failed", "error", err)
	}

	c.mu.Lock()
	c.freqIndex = dec.FrequencyIndex
	c.currentNumSamples = 0
	c.cursor = 0
	for i := range c.loadSamples {
		for j := range c.loadSamples[i] {
			c.loadSamples[i][j] = 0
		}
	}
	c.mu.Unlock()

	metrics.ReconfigurationsTotal.WithLabelValues(dec.Trigger.String()).Inc()
	metrics.ReconfigurationDurationSeconds.Observe(time.Since(start).Seconds())

	slog.Info("reconf: applied decision",
		"workers", dec.Workers, "freq_index", dec.FrequencyIndex, "trigger", dec.Trigger, "strategy", dec.Strategy)
	return nil
}

func (c *Controller) applyFrequency(dec Decision) error {
	if len(c.frequencies) == 0 {
		return nil
	}
	freq := c.frequencies[dec.FrequencyIndex]

	switch c.params.FreqType {
	case core.FreqNone:
		return nil

	case core.FreqSingle:
		mapping := c.farm.Mapping()
		n := dec.Workers
		if n > len(mapping.WorkerCores) {
			n = len(mapping.WorkerCores)
		}
		if err := c.hw.SetFrequency(mapping.WorkerCores[:n], freq); err != nil {
			return err
		}
		maxFreq := c.frequencies[len(c.frequencies)-1]
		return c.hw.SetFrequency([]hwfacade.CoreID{mapping.EmitterCore, mapping.CollectorCore}, maxFreq)

	case core.FreqGlobal:
		topo, err := c.hw.Enumerate()
		if err != nil {
			return err
		}
		return c.hw.SetFrequency(representativeCores(topo), freq)

	default:
		return nil
	}
}

// representativeCores picks one core per socket, the set "one core per
// socket" global frequency changes are written to; the kernel propagates
// the change to siblings on the same socket.
func representativeCores(topo hwfacade.Topology) []hwfacade.CoreID {
	seen := make(map[hwfacade.SocketID]bool)
	var reps []hwfacade.CoreID
	for _, c := range topo.Cores {
		s := topo.Sockets[c]
		if !seen[s] {
			seen[s] = true
			reps = append(reps, c)
		}
	}
	return reps
}

// CurrentFrequencyIndex returns the frequency index currently in effect.
func (c *Controller) CurrentFrequencyIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqIndex
}

// SystemLoad returns the most recently smoothed system load percentage
// across the farm's currently active workers, for the stats dispatcher to
// report alongside energy figures.
func (c *Controller) SystemLoad() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothedSystemLoad(c.farm.ActiveWorkers())
}

// CurrentFrequencyKHz returns the frequency (kHz) currently in effect, or 0
// if no frequency table was available at startup.
func (c *Controller) CurrentFrequencyKHz() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freqIndex < 0 || c.freqIndex >= len(c.frequencies) {
		return 0
	}
	return c.frequencies[c.freqIndex]
}
