package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.MaxMemory != 100*1024*1024 {
		t.Errorf("expected 100MB max memory, got %d", cfg.MaxMemory)
	}
	if cfg.MaxProjects != 3 {
		t.Errorf("expected 3 max projects, got %d", cfg.MaxProjects)
	}
	if cfg.Context.MaxRenderBytes != 60*1024 {
		t.Errorf("expected 60KiB render cap, got %d", cfg.Context.MaxRenderBytes)
	}
	if cfg.Memory.Search.Weights.Recency != 0.4 {
		t.Errorf("expected recency weight 0.4, got %f", cfg.Memory.Search.Weights.Recency)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.MaxProjects != 3 {
		t.Errorf("missing file should yield defaults, got max_projects=%d", cfg.MaxProjects)
	}
}

func TestLoadFromPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "max_projects: 5\nlog_level: debug\ncontext:\n  auto_loaded_cap: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.MaxProjects != 5 {
		t.Errorf("expected max_projects 5, got %d", cfg.MaxProjects)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.LogLevel)
	}
	if cfg.Context.AutoLoadedCap != 10 {
		t.Errorf("expected auto_loaded_cap 10, got %d", cfg.Context.AutoLoadedCap)
	}
	// Unset fields fall back to defaults
	if cfg.MaxMemory != 100*1024*1024 {
		t.Errorf("expected default max_memory, got %d", cfg.MaxMemory)
	}
	if cfg.Context.MaxRenderBytes != 60*1024 {
		t.Errorf("expected default render cap, got %d", cfg.Context.MaxRenderBytes)
	}
}

func TestLoadFromInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_projects: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_SOCKET", "/tmp/custom.sock")
	t.Setenv("ENGRAM_LOG_LEVEL", "trace")

	cfg := Default()
	cfg.applyEnv()

	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("expected env socket override, got %s", cfg.SocketPath)
	}
	if cfg.LogLevel != "trace" {
		t.Errorf("expected env log level override, got %s", cfg.LogLevel)
	}
}
