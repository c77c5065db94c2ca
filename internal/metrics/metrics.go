// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsClassifiedTotal counts packets classified per farm/stage.
	PacketsClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcdpi_packets_classified_total",
			Help: "Total number of packets classified",
		},
		[]string{"farm", "worker"},
	)

	// PacketsDroppedTotal counts packets dropped due to backpressure.
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcdpi_packets_dropped_total",
			Help: "Total number of packets dropped",
		},
		[]string{"farm", "stage"},
	)

	// StageLatencySeconds measures per-stage processing latency.
	StageLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcdpi_stage_latency_seconds",
			Help:    "Latency of pipeline stage processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~0.5s
		},
		[]string{"farm", "stage"},
	)

	// WorkerLoadFraction tracks each worker's instantaneous busy fraction (0-1).
	WorkerLoadFraction = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcdpi_worker_load_fraction",
			Help: "Instantaneous busy fraction of a worker goroutine",
		},
		[]string{"farm", "worker"},
	)

	// ActiveWorkers tracks the number of active workers per farm.
	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcdpi_active_workers",
			Help: "Current number of active workers in a farm",
		},
		[]string{"farm"},
	)

	// PipelineFrozen indicates whether the pipeline is currently frozen (1) or not (0).
	PipelineFrozen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcdpi_pipeline_frozen",
			Help: "Whether the pipeline is currently frozen for reconfiguration",
		},
	)

	// ReconfigurationsTotal counts reconfiguration decisions applied, by kind.
	ReconfigurationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcdpi_reconfigurations_total",
			Help: "Total number of reconfiguration decisions applied",
		},
		[]string{"kind"},
	)

	// ReconfigurationDurationSeconds measures freeze-to-unfreeze duration of a reconfiguration.
	ReconfigurationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcdpi_reconfiguration_duration_seconds",
			Help:    "Time spent frozen while applying a reconfiguration",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	// EnergyJoulesTotal accumulates energy consumption by domain.
	EnergyJoulesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcdpi_energy_joules_total",
			Help: "Cumulative energy consumption by RAPL domain",
		},
		[]string{"socket", "domain"},
	)

	// TaskPoolInUse tracks the number of task objects currently checked out of the pool.
	TaskPoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcdpi_task_pool_in_use",
			Help: "Number of task objects currently checked out of the pool",
		},
	)

	// TaskPoolAllocationsTotal counts allocations that bypassed the pool (underflow/overflow).
	TaskPoolAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcdpi_task_pool_allocations_total",
			Help: "Total number of task allocations that bypassed the pool",
		},
		[]string{"reason"},
	)
)

// FarmLabel identifies which farm a metric sample belongs to in a double topology.
const (
	FarmL3L4 = "l3l4"
	FarmL7   = "l7"
)
