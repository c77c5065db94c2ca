package pipeline

import (
	"fmt"

	"firestige.xyz/mcdpi/internal/config"
	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/reconf"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// Builder provides a fluent interface for assembling a Config. Most callers are
// better served calling InitStateful(Config{...}) directly; Builder exists
// for callers assembling the hardware facade and engine factory across
// several steps (e.g. cmd/ wiring flags onto each piece independently).
type Builder struct {
	cfg Config
}

// NewBuilder starts an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithGlobalConfig sets the static deployment configuration.
func (b *Builder) WithGlobalConfig(g *config.GlobalConfig) *Builder {
	b.cfg.Global = g
	return b
}

// WithHardware sets the hardware facade.
func (b *Builder) WithHardware(hw hwfacade.Facade) *Builder {
	b.cfg.Hardware = hw
	return b
}

// WithEngineFactory sets the per-farm engine factory.
func (b *Builder) WithEngineFactory(f func(numPartitions int) (engine.Engine, error)) *Builder {
	b.cfg.NewEngine = f
	return b
}

// Build validates the assembled Config and calls InitStateful.
func (b *Builder) Build() (*Pipeline, error) {
	return InitStateful(b.cfg)
}

func parseTopology(s string) (core.Topology, error) {
	switch s {
	case "single":
		return core.TopologySingle, nil
	case "double":
		return core.TopologyDouble, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown topology %q", s)
	}
}

func parseL3L4Mode(s string) (core.L3L4FarmMode, error) {
	switch s {
	case "default", "":
		return core.L3L4Default, nil
	case "ordered":
		return core.L3L4Ordered, nil
	case "on_demand":
		return core.L3L4OnDemand, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown l3l4_farm_mode %q", s)
	}
}

func parseReconfParams(rc config.ReconfigurationConfig, migrateCollector bool) (reconf.Parameters, error) {
	freqType, err := reconf.ParseFreqType(rc.FreqType)
	if err != nil {
		return reconf.Parameters{}, err
	}
	freqStrategy, err := reconf.ParseFreqStrategy(rc.FreqStrategy)
	if err != nil {
		return reconf.Parameters{}, err
	}
	return reconf.Parameters{
		NumSamples:          rc.NumSamples,
		SamplingInterval:    rc.SamplingInterval,
		SystemLoadUp:        rc.SystemLoadUp,
		SystemLoadDown:      rc.SystemLoadDown,
		WorkerLoadUp:        rc.WorkerLoadUp,
		WorkerLoadDown:      rc.WorkerLoadDown,
		MigrateCollector:    migrateCollector,
		StabilizationPeriod: rc.StabilizationPeriod,
		FreqType:            freqType,
		FreqStrategy:        freqStrategy,
	}, nil
}

func newPool(pc config.PipelineConfig) *taskpool.Pool {
	capacity := pc.TaskPoolCapacity
	if capacity <= 0 {
		capacity = 1
	}
	p := taskpool.New(capacity, 2048)
	if !pc.TaskPoolEnabled {
		p.Disable()
	}
	return p
}
