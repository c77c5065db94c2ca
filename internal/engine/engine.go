// Package engine defines the DPI engine contract that pipeline workers
// invoke. The pipeline treats the engine as a sequential black box: it owns
// flow tables, protocol classifiers and any stateful reassembly, and the
// pipeline's only job is to hand it tasks on the right partition and apply
// configuration mutations between freeze/unfreeze cycles.
package engine

import "firestige.xyz/mcdpi/internal/taskpool"

// Config is an opaque, engine-defined configuration snapshot. The pipeline
// never inspects it directly; it is threaded through Configure's mutator so
// callers can build config changes in terms of their own engine's settings.
type Config = any

// Engine is implemented by whatever DPI/classification backend a deployment
// plugs in. Classify must be safe to call concurrently across distinct
// partition indices, but never concurrently for the same partition — the
// farm fabric guarantees at most one worker goroutine owns a partition at a
// time.
type Engine interface {
	// Classify processes one task on the given partition, writing its
	// result into t.Result.
	Classify(partition int, t *taskpool.Task) error
	// Repartition is called while the pipeline is frozen, whenever the
	// worker count changes, so the engine can resize per-partition state.
	Repartition(numPartitions int) error
	// Configure applies a caller-supplied mutation to the engine's config
	// while the pipeline is frozen.
	Configure(mutator func(Config) Config) error
	// Close releases engine resources. Called once, after the pipeline has
	// fully stopped.
	Close() error
}
