package core

import "errors"

// Sentinel errors returned across pipeline package boundaries. Callers
// should compare with errors.Is; wrapping with fmt.Errorf("...: %w") is the
// norm for anything that crosses a component boundary.
var (
	// ErrNotRunning reports an operation that needs a running pipeline. No
	// function in this module returns it: Terminate and SetNumWorkers both
	// accept a pipeline that is not running.
	ErrNotRunning = errors.New("pipeline is not running")

	// ErrAlreadyRunning is returned by Run when called on a pipeline that
	// is already running.
	ErrAlreadyRunning = errors.New("pipeline is already running")

	// ErrInvalidTopologyOp is returned when an operation is attempted that
	// does not apply to the pipeline's configured topology, e.g. setting
	// the L3/L4 farm mode on a single-farm topology.
	ErrInvalidTopologyOp = errors.New("operation not valid for this topology")

	// ErrParameterRange is returned when a caller-supplied parameter falls
	// outside its valid range.
	ErrParameterRange = errors.New("parameter out of range")

	// ErrEnergyUnavailable is returned by hardware facade energy reads when
	// no RAPL-style energy counters are exposed by the platform. Callers
	// should treat this as "feature unsupported here", not a hard failure.
	ErrEnergyUnavailable = errors.New("energy counters unavailable")

	// ErrUnsupportedReconfiguration is returned by farm.Rebind when it is
	// called without a freeze token or with a worker count outside
	// [1, number of backing workers].
	ErrUnsupportedReconfiguration = errors.New("unsupported reconfiguration request")

	// ErrFrozen reports a pipeline that is frozen. No function in this
	// module returns it: mutators wait for an in-progress freeze to end.
	ErrFrozen = errors.New("pipeline is frozen")

	// ErrTerminating is returned by Freeze when the pipeline is already
	// shutting down.
	ErrTerminating = errors.New("pipeline is terminating")
)
