// Package config loads and persists capsmith configuration.
// Configuration lives in a project-local .capsmith/config.yaml, falling
// back to the home directory when no project directory is usable.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the pipeline daemon.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	Debug      bool   `yaml:"debug"`

	// APIKey authenticates against the inference backend. The
	// CAPSMITH_API_KEY environment variable overrides the file value.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Breaker BreakerConfig `yaml:"breaker"`

	// PolicyPath optionally points at an external Mangle scan policy.
	// When set, the file is watched and hot-reloaded on change.
	PolicyPath string `yaml:"policy_path"`

	// NotifyURL is the best-effort notification webhook target.
	NotifyURL string `yaml:"notify_url"`
}

// SandboxConfig bounds untrusted code execution.
type SandboxConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	ScratchRoot   string        `yaml:"scratch_root"`
	MaxOutputKB   int           `yaml:"max_output_kb"`
}

// BreakerConfig tunes the per-route circuit breaker.
type BreakerConfig struct {
	Window        time.Duration `yaml:"window"`
	ErrorRate     float64       `yaml:"error_rate"`
	LatencyLimit  time.Duration `yaml:"latency_limit"`
	MinSamples    int           `yaml:"min_samples"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8046",
		DBPath:     filepath.Join(".capsmith", "capsmith.db"),
		Model:      "gemini-2.5-flash",
		Sandbox: SandboxConfig{
			MaxConcurrent: 4,
			Timeout:       5 * time.Second,
			ScratchRoot:   filepath.Join(os.TempDir(), "capsmith-scratch"),
			MaxOutputKB:   256,
		},
		Breaker: BreakerConfig{
			Window:       60 * time.Second,
			ErrorRate:    0.5,
			LatencyLimit: 2 * time.Second,
			MinSamples:   10,
			Cooldown:     30 * time.Second,
		},
	}
}

// Dir returns the directory where config is stored.
func Dir() (string, error) {
	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".capsmith")
		if stat, err := os.Stat(localDir); (err == nil && stat.IsDir()) || os.IsNotExist(err) {
			return localDir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".capsmith"), nil
}

// File returns the full path to the config file.
func File() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the configuration from disk, applying defaults for anything
// unset. A missing file is not an error.
func Load() (Config, error) {
	cfg := Default()

	path, err := File()
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnv(&cfg)
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Save writes the configuration to disk.
func Save(cfg Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path, err := File()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CAPSMITH_API_KEY"); key != "" {
		cfg.APIKey = key
	}
}
