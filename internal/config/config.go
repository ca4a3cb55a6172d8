// Package config assembles the single configuration record for the
// router process. Values resolve in three layers: compiled defaults,
// an optional locallama.yaml next to the data directory, then
// environment variables. The record is passed explicitly to components;
// nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration record.
type Config struct {
	// Backend endpoints.
	LMStudioEndpoint string `yaml:"lm_studio_endpoint"`
	OllamaEndpoint   string `yaml:"ollama_endpoint"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`

	// Routing knobs.
	CostThreshold  float64 `yaml:"cost_threshold"`
	DefaultModel   string  `yaml:"default_model"`
	Granularity    string  `yaml:"granularity"` // fine | medium | coarse
	MaxConcurrency int     `yaml:"max_concurrency"`
	LoadCap        float64 `yaml:"load_cap"`      // effective-load threshold for rerouting
	HardLoadCap    float64 `yaml:"hard_load_cap"` // effective-load ceiling before queueing

	// Cache / retrieval.
	RetrievalThreshold float64  `yaml:"retrieval_threshold"`
	IndexExcludes      []string `yaml:"index_excludes"`
	IndexChunkLines    int      `yaml:"index_chunk_lines"`

	// Registry refresh.
	RegistryTTL    time.Duration `yaml:"registry_ttl"`
	RemoteCacheTTL time.Duration `yaml:"remote_cache_ttl"`

	// Job housekeeping.
	JobRetention time.Duration `yaml:"job_retention"`

	// Process state.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// HTTP surface.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		LMStudioEndpoint:   "http://127.0.0.1:1234/v1",
		OllamaEndpoint:     "http://127.0.0.1:11434",
		CostThreshold:      0.02,
		DefaultModel:       "lm-studio:phi3-mini",
		Granularity:        "medium",
		MaxConcurrency:     runtime.NumCPU(),
		LoadCap:            3,
		HardLoadCap:        5,
		RetrievalThreshold: 0.8,
		IndexExcludes: []string{
			".git", "node_modules", "vendor", "dist", "build",
			"*.min.js", "__pycache__", ".venv",
		},
		IndexChunkLines: 400,
		RegistryTTL:     24 * time.Hour,
		RemoteCacheTTL:  5 * time.Minute,
		JobRetention:    time.Hour,
		DataDir:         defaultDataDir(),
		LogLevel:        "info",
		ListenAddr:      "127.0.0.1:3789",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".locallama"
	}
	return filepath.Join(home, ".locallama")
}

// Load builds the configuration: defaults, then the YAML file at
// DataDir/locallama.yaml if present, then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if dir := os.Getenv("LOCALLAMA_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.applyFile(filepath.Join(cfg.DataDir, "locallama.yaml")); err != nil {
		return cfg, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setStr(&c.LMStudioEndpoint, "LM_STUDIO_ENDPOINT")
	setStr(&c.OllamaEndpoint, "OLLAMA_ENDPOINT")
	setStr(&c.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	setStr(&c.DefaultModel, "LOCALLAMA_DEFAULT_MODEL")
	setStr(&c.Granularity, "LOCALLAMA_GRANULARITY")
	setStr(&c.LogLevel, "LOCALLAMA_LOG_LEVEL")
	setStr(&c.LogFile, "LOCALLAMA_LOG_FILE")
	setStr(&c.DataDir, "LOCALLAMA_DATA_DIR")
	setStr(&c.ListenAddr, "LOCALLAMA_LISTEN_ADDR")
	setFloat(&c.CostThreshold, "LOCALLAMA_COST_THRESHOLD")
	setInt(&c.MaxConcurrency, "LOCALLAMA_MAX_CONCURRENCY")

	if v := os.Getenv("LOCALLAMA_INDEX_EXCLUDES"); v != "" {
		parts := strings.Split(v, ",")
		excludes := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				excludes = append(excludes, p)
			}
		}
		c.IndexExcludes = excludes
	}
}

// Validate rejects values the router cannot run with.
func (c *Config) Validate() error {
	switch c.Granularity {
	case "fine", "medium", "coarse":
	default:
		return fmt.Errorf("granularity must be fine, medium or coarse, got %q", c.Granularity)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.RetrievalThreshold < 0 || c.RetrievalThreshold > 1 {
		return fmt.Errorf("retrieval_threshold must be in [0,1], got %v", c.RetrievalThreshold)
	}
	if c.LoadCap <= 0 || c.HardLoadCap < c.LoadCap {
		return fmt.Errorf("load caps invalid: soft=%v hard=%v", c.LoadCap, c.HardLoadCap)
	}
	return nil
}

// LockPath returns the single-instance lock file location.
func (c Config) LockPath() string { return filepath.Join(c.DataDir, "locallama.lock") }

// PerfDBPath returns the performance store file location.
func (c Config) PerfDBPath() string { return filepath.Join(c.DataDir, "models-db.json") }

// BenchmarkDir returns the benchmark results directory.
func (c Config) BenchmarkDir() string { return filepath.Join(c.DataDir, "benchmark-results") }

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
