// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static configuration for the mcdpi
// runtime. Maps to the `mcdpi:` root key in YAML.
type GlobalConfig struct {
	Node             NodeConfig             `mapstructure:"node"`
	Control          ControlConfig          `mapstructure:"control"`
	Pipeline         PipelineConfig         `mapstructure:"pipeline"`
	Reconfiguration  ReconfigurationConfig  `mapstructure:"reconfiguration"`
	Energy           EnergyConfig           `mapstructure:"energy"`
	Metrics          MetricsConfig          `mapstructure:"metrics"`
	Log              LogConfig              `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Pipeline ───

// PipelineConfig configures the packet-processing pipeline topology.
type PipelineConfig struct {
	// Topology is "single" (one farm) or "double" (L3/L4 farm -> L7 farm).
	Topology string `mapstructure:"topology"`
	// L3L4FarmMode is "default", "ordered" or "on_demand" (double topology only).
	L3L4FarmMode string `mapstructure:"l3l4_farm_mode"`
	// Workers is the initial active worker count of the (L7, for double
	// topology) farm. Bounded by available_processors-2.
	Workers int `mapstructure:"workers"`
	// L3L4Workers is the initial worker count of the L3/L4 farm (double
	// topology only).
	L3L4Workers int `mapstructure:"l3l4_workers"`
	// MigrateCollector allows the collector to move to a lower slot when
	// the worker count shrinks.
	MigrateCollector bool `mapstructure:"migrate_collector"`
	// BufferCapacity sizes the bounded SPSC queues between stages.
	BufferCapacity int `mapstructure:"buffer_capacity"`
	// TaskPoolEnabled toggles the bounded reusable task pool; when false
	// the system falls back to plain allocation on each hop.
	TaskPoolEnabled bool `mapstructure:"task_pool_enabled"`
	// TaskPoolCapacity sizes the task pool ring.
	TaskPoolCapacity int `mapstructure:"task_pool_capacity"`
}

// ─── Reconfiguration ───

// ReconfigurationConfig maps directly onto reconf.Parameters.
type ReconfigurationConfig struct {
	NumSamples           int     `mapstructure:"num_samples"`
	SamplingInterval     int     `mapstructure:"sampling_interval"` // seconds
	SystemLoadUp         float64 `mapstructure:"system_load_up"`
	SystemLoadDown       float64 `mapstructure:"system_load_down"`
	WorkerLoadUp         float64 `mapstructure:"worker_load_up"`   // 0 disables
	WorkerLoadDown       float64 `mapstructure:"worker_load_down"` // 0 disables
	StabilizationPeriod  int     `mapstructure:"stabilization_period"`
	FreqType             string  `mapstructure:"freq_type"`     // no | single | global
	FreqStrategy         string  `mapstructure:"freq_strategy"` // cores_conservative | power_conservative | governor_ondemand | governor_conservative | governor_performance
}

// ─── Energy ───

// EnergyConfig configures the energy accounting / stats dispatcher.
type EnergyConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	CollectionInterval int  `mapstructure:"collection_interval"` // seconds; must be < wrapping interval
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string         `mapstructure:"level"`  // debug / info / warn / error
	Format  string         `mapstructure:"format"` // json / text
	Outputs []OutputConfig `mapstructure:"outputs"`
}

// OutputConfig configures a single structured log output destination.
type OutputConfig struct {
	Type       string `mapstructure:"type"` // console | file
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `mcdpi: ...`.
type configRoot struct {
	Mcdpi GlobalConfig `mapstructure:"mcdpi"`
}

// Load loads configuration from file. The YAML file uses `mcdpi:` as root
// key; env vars use MCDPI_ prefix (e.g., MCDPI_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Mcdpi

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration. All keys use the
// "mcdpi." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mcdpi.control.pid_file", "/var/run/mcdpid.pid")
	v.SetDefault("mcdpi.control.socket", "/var/run/mcdpid.sock")

	v.SetDefault("mcdpi.log.level", "info")
	v.SetDefault("mcdpi.log.format", "json")

	v.SetDefault("mcdpi.metrics.enabled", true)
	v.SetDefault("mcdpi.metrics.listen", ":9091")
	v.SetDefault("mcdpi.metrics.path", "/metrics")

	v.SetDefault("mcdpi.pipeline.topology", "single")
	v.SetDefault("mcdpi.pipeline.l3l4_farm_mode", "default")
	v.SetDefault("mcdpi.pipeline.workers", 2)
	v.SetDefault("mcdpi.pipeline.buffer_capacity", 4096)
	v.SetDefault("mcdpi.pipeline.task_pool_enabled", true)
	v.SetDefault("mcdpi.pipeline.task_pool_capacity", 8192)

	v.SetDefault("mcdpi.reconfiguration.num_samples", 10)
	v.SetDefault("mcdpi.reconfiguration.sampling_interval", 1)
	v.SetDefault("mcdpi.reconfiguration.system_load_up", 90.0)
	v.SetDefault("mcdpi.reconfiguration.system_load_down", 70.0)
	v.SetDefault("mcdpi.reconfiguration.worker_load_up", 0.0)
	v.SetDefault("mcdpi.reconfiguration.worker_load_down", 0.0)
	v.SetDefault("mcdpi.reconfiguration.stabilization_period", 3)
	v.SetDefault("mcdpi.reconfiguration.freq_type", "no")
	v.SetDefault("mcdpi.reconfiguration.freq_strategy", "cores_conservative")

	v.SetDefault("mcdpi.energy.enabled", true)
	v.SetDefault("mcdpi.energy.collection_interval", 5)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	switch cfg.Pipeline.Topology {
	case "single", "double":
	default:
		return fmt.Errorf("invalid pipeline.topology: %s (must be single/double)", cfg.Pipeline.Topology)
	}

	switch cfg.Pipeline.L3L4FarmMode {
	case "default", "ordered", "on_demand":
	default:
		return fmt.Errorf("invalid pipeline.l3l4_farm_mode: %s", cfg.Pipeline.L3L4FarmMode)
	}

	if cfg.Reconfiguration.SystemLoadDown >= cfg.Reconfiguration.SystemLoadUp {
		return fmt.Errorf("reconfiguration.system_load_down (%.1f) must be < system_load_up (%.1f)",
			cfg.Reconfiguration.SystemLoadDown, cfg.Reconfiguration.SystemLoadUp)
	}
	if cfg.Reconfiguration.NumSamples <= 0 {
		return fmt.Errorf("reconfiguration.num_samples must be > 0")
	}

	switch cfg.Reconfiguration.FreqType {
	case "no", "single", "global":
	default:
		return fmt.Errorf("invalid reconfiguration.freq_type: %s", cfg.Reconfiguration.FreqType)
	}

	switch cfg.Reconfiguration.FreqStrategy {
	case "cores_conservative", "power_conservative",
		"governor_ondemand", "governor_conservative", "governor_performance":
	default:
		return fmt.Errorf("invalid reconfiguration.freq_strategy: %s", cfg.Reconfiguration.FreqStrategy)
	}

	return nil
}
