package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("DefaultConfig should validate: %v", err)
	}
}

func TestValidateConfigRejectsMissingFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputSocketPath = ""
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for empty input_socket_path")
	}

	cfg = DefaultConfig()
	cfg.QueueBands = 0
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for zero queue_bands")
	}

	cfg = DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestValidateConfigOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Outputs = []OutputConfig{
		{Name: "primary", SocketPath: "@auomsd-out"},
		{Name: "primary", SocketPath: "@auomsd-out2"},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for duplicate output name")
	}

	cfg.Outputs = []OutputConfig{
		{Name: "primary", SocketPath: ""},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for missing socket_path")
	}
}

func TestLoadParsesJSONOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auomsd.json")
	b, err := json.Marshal(map[string]any{
		"queue_dir":   filepath.Join(dir, "queue"),
		"queue_bands": 5,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueBands != 5 {
		t.Fatalf("QueueBands = %d, want 5", cfg.QueueBands)
	}
	// Unset fields keep DefaultConfig's values.
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
}
