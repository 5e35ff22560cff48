// Package config handles Atrium configuration loading.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./atrium.yaml, ~/.config/atrium/config.yaml, /etc/atrium/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"atrium.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atrium", "config.yaml"))
	}

	paths = append(paths, "/etc/atrium/config.yaml")
	return paths
}

// Config holds all Atrium configuration. Command-line flags override
// these values; these values override the built-in defaults.
type Config struct {
	// DataDir is the root for everything the core writes: database,
	// settings, socket, per-agent note trees, persona.
	DataDir  string       `yaml:"data_dir"`
	Listen   ListenConfig `yaml:"listen"`
	LLM      LLMConfig    `yaml:"llm"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the two protocol endpoints.
type ListenConfig struct {
	// SocketPath overrides the Unix socket location. Empty means
	// <data_dir>/atrium.sock.
	SocketPath string `yaml:"socket_path"`
	WSHost     string `yaml:"ws_host"`
	WSPort     int    `yaml:"ws_port"`
}

// LLMConfig defines the inference backend and queue limits.
type LLMConfig struct {
	// BaseURL is the Ollama-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when neither the caller nor the settings
	// name a model.
	DefaultModel string `yaml:"default_model"`
	// MaxConcurrent bounds in-flight inference calls.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir: "~/.atrium",
		Listen: ListenConfig{
			WSHost: "127.0.0.1",
			WSPort: 8765,
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434",
			DefaultModel:  "qwen3:4b",
			MaxConcurrent: 1,
			Temperature:   0.3,
		},
	}
}
