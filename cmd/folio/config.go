package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all folio server configuration.
type Config struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	MetadataDB      string        `yaml:"metadata_db"`
	ObservabilityDB string        `yaml:"observability_db"`
	Engine          EngineConfig  `yaml:"engine"`
	Render          RenderConfig  `yaml:"render"`
	Loader          LoaderConfig  `yaml:"loader"`
	Browser         BrowserConfig `yaml:"browser"`
}

// EngineConfig selects the conversion engine. BaseURL points at a remote
// engine; LocalDir switches to serving PDFs from disk instead.
type EngineConfig struct {
	BaseURL       string        `yaml:"base_url"`
	LocalDir      string        `yaml:"local_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
}

// RenderConfig controls the render pipeline and memory window.
type RenderConfig struct {
	Workers    int `yaml:"workers"`
	WindowSize int `yaml:"window_size"`
}

// LoaderConfig controls retry behaviour for page list loads.
type LoaderConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        time.Duration `yaml:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// BrowserConfig controls the headless Chrome that images local PDFs.
type BrowserConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RemoteURL string `yaml:"remote_url"`
}

func (c *Config) defaults() {
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetadataDB == "" {
		c.MetadataDB = "db/folio.db"
	}
	if c.ObservabilityDB == "" {
		c.ObservabilityDB = "db/folio_obs.db"
	}
	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = 30 * time.Second
	}
	if c.Render.Workers <= 0 {
		c.Render.Workers = 3
	}
	if c.Render.WindowSize <= 0 {
		c.Render.WindowSize = 5
	}
	if c.Loader.MaxRetries <= 0 {
		c.Loader.MaxRetries = 3
	}
	if c.Loader.Backoff <= 0 {
		c.Loader.Backoff = 500 * time.Millisecond
	}
	if c.Loader.AttemptTimeout <= 0 {
		c.Loader.AttemptTimeout = 30 * time.Second
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Env wins over
// file values so container deployments need no config file at all.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("METADATA_DB"); v != "" {
		c.MetadataDB = v
	}
	if v := os.Getenv("OBSERVABILITY_DB"); v != "" {
		c.ObservabilityDB = v
	}
	if v := os.Getenv("ENGINE_BASE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("ENGINE_LOCAL_DIR"); v != "" {
		c.Engine.LocalDir = v
	}
	if v := os.Getenv("BROWSER_REMOTE_URL"); v != "" {
		c.Browser.RemoteURL = v
		c.Browser.Enabled = true
	}
}
