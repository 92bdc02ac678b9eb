// Package config loads and saves the tuning knobs that select an index's
// concurrency strategy, node-pool sizing, and placement policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for one index instance.
type Config struct {
	QNode   QNodeConfig   `yaml:"qnode"`
	BTree   BTreeConfig   `yaml:"btree"`
	ART     ARTConfig     `yaml:"art"`
	Backoff BackoffConfig `yaml:"backoff"`
	Logging Logging       `yaml:"logging"`
}

// QNodeConfig controls the queue-node pool backing OMCS and MCSRW latches.
type QNodeConfig struct {
	PoolSize  int    `yaml:"pool_size"`
	Placement string `yaml:"placement"` // "interleaved", "per_socket" (or "per-socket"), or "stack"
}

// BTreeConfig selects the B+-tree's node geometry and latch strategy. When
// Order is 0 the order is derived from PageSize so a node with one slack
// slot fits a page.
type BTreeConfig struct {
	Order    int    `yaml:"order"`
	PageSize int    `yaml:"page_size"`
	Strategy string `yaml:"strategy"` // "optimistic", "hybrid", "omcs", "pessimistic" (or A/B/C/D)
}

// ARTConfig tunes the adaptive radix tree's hotness-sampling heuristic.
type ARTConfig struct {
	HotnessSampleProb float64 `yaml:"hotness_sample_prob"`
	HotnessThreshold  uint32  `yaml:"hotness_threshold"`
}

// BackoffConfig tunes the TATAS spin-lock's backoff policy.
type BackoffConfig struct {
	Policy     string  `yaml:"policy"` // "none", "fixed", or "exponential"
	BaseMicros int     `yaml:"base_micros"`
	CapMicros  int     `yaml:"cap_micros"`
	Multiplier float64 `yaml:"multiplier"`
}

// Logging controls the logger's verbosity.
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a reasonable default tuning configuration.
func DefaultConfig() *Config {
	return &Config{
		QNode: QNodeConfig{
			PoolSize:  1 << 16,
			Placement: "interleaved",
		},
		BTree: BTreeConfig{
			Order:    0, // derived from PageSize
			PageSize: 4096,
			Strategy: "hybrid",
		},
		ART: ARTConfig{
			HotnessSampleProb: 0.05,
			HotnessThreshold:  64,
		},
		Backoff: BackoffConfig{
			Policy:     "exponential",
			BaseMicros: 1,
			CapMicros:  1000,
			Multiplier: 2.0,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to the specified path.
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform.
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./indexbench.yaml"
	}
	configDir := filepath.Join(homeDir, ".config", "indexbench")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists reports whether a configuration file exists at configPath.
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
