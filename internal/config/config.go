// Package config loads daemon configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all recognized daemon options.
type Config struct {
	SocketPath  string         `yaml:"socket_path"`
	DataDir     string         `yaml:"data_dir"`
	MaxMemory   int64          `yaml:"max_memory"`
	MaxProjects int            `yaml:"max_projects"`
	LogLevel    string         `yaml:"log_level"`
	AutoInit    AutoInitConfig `yaml:"auto_init"`
	Context     ContextConfig  `yaml:"context"`
	Memory      MemoryConfig   `yaml:"memory"`
	Cache       CacheConfig    `yaml:"cache"`
}

// AutoInitConfig controls automatic project initialization.
type AutoInitConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MinFiles        int      `yaml:"min_files"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// ContextConfig bounds composer output.
type ContextConfig struct {
	MaxRenderBytes int `yaml:"max_render_bytes"`
	AutoLoadedCap  int `yaml:"auto_loaded_cap"`
}

// MemoryConfig holds memory search tuning.
type MemoryConfig struct {
	Search SearchConfig `yaml:"search"`
}

// SearchConfig holds the search scoring weights and decay.
type SearchConfig struct {
	Weights SearchWeights `yaml:"weights"`
	TauDays float64       `yaml:"tau_days"`
}

// SearchWeights are the §4.J scoring weights.
type SearchWeights struct {
	Recency float64 `yaml:"recency"`
	Kind    float64 `yaml:"kind"`
	Tags    float64 `yaml:"tags"`
	Lex     float64 `yaml:"lex"`
}

// CacheConfig bounds the per-project context cache.
type CacheConfig struct {
	PerProjectEntries int `yaml:"per_project_entries"`
	PerProjectBytes   int `yaml:"per_project_bytes"`
}

// DefaultSocketPath returns the platform default socket location.
func DefaultSocketPath() string {
	tmp := os.Getenv("TMPDIR")
	if tmp == "" {
		tmp = "/tmp"
	}
	return filepath.Join(tmp, "engram.sock")
}

// DefaultDataDir returns ~/.engram, falling back to the current directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		SocketPath:  DefaultSocketPath(),
		DataDir:     DefaultDataDir(),
		MaxMemory:   100 * 1024 * 1024,
		MaxProjects: 3,
		LogLevel:    "info",
		AutoInit: AutoInitConfig{
			Enabled:  false,
			MinFiles: 10,
			ExcludePatterns: []string{
				"node_modules/", "target/", "dist/", "build/",
				".venv/", "venv/", "__pycache__/",
			},
		},
		Context: ContextConfig{
			MaxRenderBytes: 60 * 1024,
			AutoLoadedCap:  20,
		},
		Memory: MemoryConfig{
			Search: SearchConfig{
				Weights: SearchWeights{Recency: 0.4, Kind: 0.2, Tags: 0.2, Lex: 0.2},
				TauDays: 7,
			},
		},
		Cache: CacheConfig{
			PerProjectEntries: 64,
			PerProjectBytes:   4 * 1024 * 1024,
		},
	}
}

// Load reads config.yaml from the data dir if present, applies defaults for
// missing fields, then applies environment overrides.
func Load() (*Config, error) {
	dataDir := DefaultDataDir()
	if env := os.Getenv("ENGRAM_DATA_DIR"); env != "" {
		dataDir = env
	}
	cfg, err := LoadFrom(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFrom reads a specific config file. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// applyEnv applies ENGRAM_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENGRAM_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("ENGRAM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// fillDefaults replaces zero values left by partial YAML documents.
func (c *Config) fillDefaults() {
	def := Default()
	if c.SocketPath == "" {
		c.SocketPath = def.SocketPath
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.MaxMemory <= 0 {
		c.MaxMemory = def.MaxMemory
	}
	if c.MaxProjects <= 0 {
		c.MaxProjects = def.MaxProjects
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.AutoInit.MinFiles <= 0 {
		c.AutoInit.MinFiles = def.AutoInit.MinFiles
	}
	if c.AutoInit.ExcludePatterns == nil {
		c.AutoInit.ExcludePatterns = def.AutoInit.ExcludePatterns
	}
	if c.Context.MaxRenderBytes <= 0 {
		c.Context.MaxRenderBytes = def.Context.MaxRenderBytes
	}
	if c.Context.AutoLoadedCap <= 0 {
		c.Context.AutoLoadedCap = def.Context.AutoLoadedCap
	}
	w := &c.Memory.Search.Weights
	if w.Recency == 0 && w.Kind == 0 && w.Tags == 0 && w.Lex == 0 {
		*w = def.Memory.Search.Weights
	}
	if c.Memory.Search.TauDays <= 0 {
		c.Memory.Search.TauDays = def.Memory.Search.TauDays
	}
	if c.Cache.PerProjectEntries <= 0 {
		c.Cache.PerProjectEntries = def.Cache.PerProjectEntries
	}
	if c.Cache.PerProjectBytes <= 0 {
		c.Cache.PerProjectBytes = def.Cache.PerProjectBytes
	}
}

// ProjectsDir returns the on-disk root for per-project storage.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.DataDir, "projects")
}

// PIDFile returns the daemon pid file location.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "engram.pid")
}

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(c.ProjectsDir(), 0o755); err != nil {
		return fmt.Errorf("creating projects dir: %w", err)
	}
	return nil
}
