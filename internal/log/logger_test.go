package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/mcdpi/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestInitStdoutOnly(t *testing.T) {
	if err := Init(config.LogConfig{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if slog.Default() == nil {
		t.Fatal("expected default logger to be set")
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "mcdpid.log")

	err := Init(config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: []config.OutputConfig{
			{Type: "file", Path: logPath, MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7, Compress: true},
		},
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("pipeline started", "topology", "single")

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Errorf("log file was not created at %s", logPath)
	}
}

func TestInitWithInvalidLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "invalid", Format: "json"})
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("err = %v, want 'invalid log level'", err)
	}
}

func TestInitWithInvalidFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	if err == nil || !strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("err = %v, want 'unsupported log format'", err)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	err := Init(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []config.OutputConfig{{Type: "file"}},
	})
	if err == nil || !strings.Contains(err.Error(), "path") {
		t.Errorf("err = %v, want mention of missing path", err)
	}
}

func TestInitWithUnsupportedOutputType(t *testing.T) {
	err := Init(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []config.OutputConfig{{Type: "syslog"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unsupported output type") {
		t.Errorf("err = %v, want mention of unsupported output type", err)
	}
}

func TestCreateFileWriter(t *testing.T) {
	output := config.OutputConfig{
		Path:       filepath.Join(t.TempDir(), "test.log"),
		Type:       "file",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Compress:   true,
	}

	writer, err := createWriter(output)
	if err != nil {
		t.Fatalf("createWriter failed: %v", err)
	}
	n, err := writer.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write failed: %v", err)
	}
	if n != 4 {
		t.Errorf("wrote %d bytes, want 4", n)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("classified flow", "protocol", "tls", "workers", 4)

	output := buf.String()
	if !strings.Contains(output, `"msg":"classified flow"`) {
		t.Error("expected JSON output to contain msg field")
	}
	if !strings.Contains(output, `"protocol":"tls"`) {
		t.Error("expected JSON output to contain protocol field")
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logger.Debug("dropped")
	logger.Info("also dropped")
	logger.Warn("reconfiguration triggered")

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Error("debug/info messages should have been filtered out")
	}
	if !strings.Contains(output, "reconfiguration triggered") {
		t.Error("warn message should be present")
	}
}
