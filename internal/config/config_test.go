package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTmpConfig writes content to a tmp YAML file and returns its path.
func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
mcdpi:
  node:
    hostname: "test-host"
    tags:
      env: "test"
  control:
    socket: "/tmp/test.sock"
    pid_file: "/tmp/test.pid"
  pipeline:
    topology: "double"
    l3l4_farm_mode: "ordered"
    workers: 4
    l3l4_workers: 2
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}
	if cfg.Control.Socket != "/tmp/test.sock" {
		t.Errorf("Control.Socket = %q", cfg.Control.Socket)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}
	if cfg.Pipeline.Topology != "double" {
		t.Errorf("Pipeline.Topology = %q, want double", cfg.Pipeline.Topology)
	}
	if cfg.Pipeline.L3L4FarmMode != "ordered" {
		t.Errorf("Pipeline.L3L4FarmMode = %q, want ordered", cfg.Pipeline.L3L4FarmMode)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Pipeline.Workers = %d, want 4", cfg.Pipeline.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("error = %v, want 'invalid log level'", err)
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  log:
    level: "info"
    format: "invalid"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
	if !strings.Contains(err.Error(), "invalid log format") {
		t.Errorf("error = %v, want 'invalid log format'", err)
	}
}

func TestLoadInvalidTopology(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  pipeline:
    topology: "triple"
`))
	if err == nil {
		t.Fatal("expected error for invalid topology")
	}
	if !strings.Contains(err.Error(), "pipeline.topology") {
		t.Errorf("error = %v, want mention of pipeline.topology", err)
	}
}

func TestLoadInvalidL3L4FarmMode(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  pipeline:
    l3l4_farm_mode: "bogus"
`))
	if err == nil {
		t.Fatal("expected error for invalid l3l4_farm_mode")
	}
}

func TestLoadSystemLoadDownMustBeBelowUp(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  reconfiguration:
    system_load_up: 50
    system_load_down: 60
`))
	if err == nil {
		t.Fatal("expected error when system_load_down >= system_load_up")
	}
	if !strings.Contains(err.Error(), "system_load_down") {
		t.Errorf("error = %v, want mention of system_load_down", err)
	}
}

func TestLoadInvalidFreqType(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  reconfiguration:
    freq_type: "extreme"
`))
	if err == nil {
		t.Fatal("expected error for invalid freq_type")
	}
}

func TestLoadInvalidFreqStrategy(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
mcdpi:
  reconfiguration:
    freq_strategy: "random"
`))
	if err == nil {
		t.Fatal("expected error for invalid freq_strategy")
	}
}

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
mcdpi:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected auto-detected hostname, got empty")
	}
	expected, _ := os.Hostname()
	if cfg.Node.Hostname != expected {
		t.Errorf("Node.Hostname = %q, want %q", cfg.Node.Hostname, expected)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
mcdpi:
  node:
    hostname: "defaults-host"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.PIDFile != "/var/run/mcdpid.pid" {
		t.Errorf("Control.PIDFile = %q, want /var/run/mcdpid.pid", cfg.Control.PIDFile)
	}
	if cfg.Control.Socket != "/var/run/mcdpid.sock" {
		t.Errorf("Control.Socket = %q, want /var/run/mcdpid.sock", cfg.Control.Socket)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Listen != ":9091" {
		t.Errorf("Metrics.Listen = %q, want :9091", cfg.Metrics.Listen)
	}
	if cfg.Pipeline.Topology != "single" {
		t.Errorf("Pipeline.Topology = %q, want single", cfg.Pipeline.Topology)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Errorf("Pipeline.Workers = %d, want 2", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.BufferCapacity != 4096 {
		t.Errorf("Pipeline.BufferCapacity = %d, want 4096", cfg.Pipeline.BufferCapacity)
	}
	if cfg.Reconfiguration.NumSamples != 10 {
		t.Errorf("Reconfiguration.NumSamples = %d, want 10", cfg.Reconfiguration.NumSamples)
	}
	if cfg.Reconfiguration.FreqStrategy != "cores_conservative" {
		t.Errorf("Reconfiguration.FreqStrategy = %q, want cores_conservative", cfg.Reconfiguration.FreqStrategy)
	}
	if !cfg.Energy.Enabled {
		t.Error("Energy.Enabled = false, want true")
	}
	if cfg.Energy.CollectionInterval != 5 {
		t.Errorf("Energy.CollectionInterval = %d, want 5", cfg.Energy.CollectionInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MCDPI_LOG_LEVEL", "debug")

	cfg, err := Load(writeTmpConfig(t, `
mcdpi:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from env)", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
