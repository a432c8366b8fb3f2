package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the reference defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Reconstruction.Lambda != 0.1 {
		t.Errorf("default lambda %f, expected 0.1", cfg.Reconstruction.Lambda)
	}
	if cfg.Reconstruction.Delta != 1 {
		t.Errorf("default delta %f, expected 1", cfg.Reconstruction.Delta)
	}
	if cfg.Reconstruction.SigmaBias != 12 {
		t.Errorf("default sigmaBias %f, expected 12", cfg.Reconstruction.SigmaBias)
	}
	if cfg.Registration.NCCThreshold != 0.65 {
		t.Errorf("default NCC threshold %f, expected 0.65", cfg.Registration.NCCThreshold)
	}
	if !cfg.Processing.DeterministicSum {
		t.Error("deterministic accumulation should default on")
	}
}

// TestLoadMissingConfig verifies a missing file yields the defaults
func TestLoadMissingConfig(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/svrengine.yaml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Reconstruction.Lambda != 0.1 {
		t.Error("missing file should return defaults")
	}
}

// TestSaveLoadRoundtrip verifies configuration survives a YAML roundtrip
func TestSaveLoadRoundtrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "svrengine-config-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := DefaultConfig()
	cfg.Reconstruction.Resolution = 0.85
	cfg.Registration.FFD = true
	cfg.Output.Verbose = false

	path := filepath.Join(dir, "cfg.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Reconstruction.Resolution != 0.85 {
		t.Errorf("resolution %f after roundtrip", loaded.Reconstruction.Resolution)
	}
	if !loaded.Registration.FFD {
		t.Error("FFD flag lost in roundtrip")
	}
	if loaded.Output.Verbose {
		t.Error("verbose flag lost in roundtrip")
	}
}
