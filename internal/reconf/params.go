package reconf

import (
	"fmt"

	"firestige.xyz/mcdpi/internal/core"
)

// Parameters installs the reconfiguration controller's control-loop policy.
// It maps 1:1 onto config.ReconfigurationConfig, with FreqType/FreqStrategy
// already resolved to their core enums.
type Parameters struct {
	NumSamples          int
	SamplingInterval    int // ticks (seconds) between samples
	SystemLoadUp        float64
	SystemLoadDown      float64
	WorkerLoadUp        float64 // 0 disables the worker-level trigger
	WorkerLoadDown      float64 // 0 disables the worker-level trigger
	MigrateCollector    bool
	StabilizationPeriod int
	FreqType            core.FrequencyMode
	FreqStrategy        core.ReconfigurationStrategy
}

// ParseFreqType maps a config string onto core.FrequencyMode.
func ParseFreqType(s string) (core.FrequencyMode, error) {
	switch s {
	case "no":
		return core.FreqNone, nil
	case "single":
		return core.FreqSingle, nil
	case "global":
		return core.FreqGlobal, nil
	default:
		return 0, fmt.Errorf("reconf: unknown freq_type %q", s)
	}
}

// ParseFreqStrategy maps a config string onto core.ReconfigurationStrategy.
func ParseFreqStrategy(s string) (core.ReconfigurationStrategy, error) {
	switch s {
	case "cores_conservative":
		return core.StrategyCoresConservative, nil
	case "power_conservative":
		return core.StrategyPowerConservative, nil
	case "governor_ondemand":
		return core.StrategyGovernorOnDemand, nil
	case "governor_conservative":
		return core.StrategyGovernorConservative, nil
	case "governor_performance":
		return core.StrategyGovernorPerformance, nil
	default:
		return 0, fmt.Errorf("reconf: unknown freq_strategy %q", s)
	}
}

// Trigger is the outcome of a threshold evaluation.
type Trigger uint8

const (
	TriggerNone Trigger = iota
	TriggerUp
	TriggerDown
)

func (t Trigger) String() string {
	switch t {
	case TriggerUp:
		return "up"
	case TriggerDown:
		return "down"
	default:
		return "none"
	}
}

// Decision is the reconfiguration controller's chosen (workers, frequency)
// candidate plus the strategy and trigger that produced it.
type Decision struct {
	Workers        int
	FrequencyIndex int
	Strategy       core.ReconfigurationStrategy
	Trigger        Trigger
}

// errorPerc pads the threshold band a candidate's predicted load must sit
// within (bounds included) to be considered feasible.
const errorPerc = 3.0
