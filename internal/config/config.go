// SPDX-License-Identifier: MIT

// Package config resolves service settings from an optional YAML file and
// EVENTD_* environment variables. Environment always wins over the file,
// the file wins over built-in defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Listen   string
	DataDir  string
	LogLevel string

	// Store
	DBPath string

	// Dispatch
	QueueSize int
	Workers   int

	// Pipeline
	ProcessorTimeout time.Duration
	RetryBackoff     time.Duration

	// Registry cache
	CacheTTL  time.Duration
	RedisAddr string // empty selects the in-memory cache

	// Subscriptions
	WebhookTimeout time.Duration
	OutboundRPS    int

	// API
	RateLimit       int // requests per minute per client, 0 disables
	ShutdownTimeout time.Duration
}

// FileConfig mirrors the YAML configuration file. All fields are optional;
// zero values defer to defaults or environment overrides.
type FileConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	DataDir  string `yaml:"dataDir,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	Store struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"store,omitempty"`

	Dispatch struct {
		QueueSize int `yaml:"queueSize,omitempty"`
		Workers   int `yaml:"workers,omitempty"`
	} `yaml:"dispatch,omitempty"`

	Pipeline struct {
		Timeout string `yaml:"timeout,omitempty"` // e.g. "30s"
		Backoff string `yaml:"backoff,omitempty"` // e.g. "500ms"
	} `yaml:"pipeline,omitempty"`

	Cache struct {
		TTL       string `yaml:"ttl,omitempty"`
		RedisAddr string `yaml:"redisAddr,omitempty"`
	} `yaml:"cache,omitempty"`

	Webhook struct {
		Timeout     string `yaml:"timeout,omitempty"`
		OutboundRPS int    `yaml:"outboundRps,omitempty"`
	} `yaml:"webhook,omitempty"`

	API struct {
		RateLimit       int    `yaml:"rateLimit,omitempty"`
		ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
	} `yaml:"api,omitempty"`
}

// Load resolves the configuration. path may be empty; a missing file is an
// error only when a path was explicitly given.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		applyFile(&cfg, fc)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Listen:           ":8080",
		DataDir:          "./data",
		LogLevel:         "info",
		QueueSize:        1024,
		Workers:          8,
		ProcessorTimeout: 30 * time.Second,
		RetryBackoff:     500 * time.Millisecond,
		CacheTTL:         30 * time.Second,
		WebhookTimeout:   10 * time.Second,
		OutboundRPS:      50,
		RateLimit:        600,
		ShutdownTimeout:  15 * time.Second,
	}
}

func readFile(path string) (FileConfig, error) {
	var fc FileConfig
	buf, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func applyFile(cfg *Config, fc FileConfig) {
	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DBPath, fc.Store.Path)
	setInt(&cfg.QueueSize, fc.Dispatch.QueueSize)
	setInt(&cfg.Workers, fc.Dispatch.Workers)
	setDuration(&cfg.ProcessorTimeout, fc.Pipeline.Timeout)
	setDuration(&cfg.RetryBackoff, fc.Pipeline.Backoff)
	setDuration(&cfg.CacheTTL, fc.Cache.TTL)
	setString(&cfg.RedisAddr, fc.Cache.RedisAddr)
	setDuration(&cfg.WebhookTimeout, fc.Webhook.Timeout)
	setInt(&cfg.OutboundRPS, fc.Webhook.OutboundRPS)
	setInt(&cfg.RateLimit, fc.API.RateLimit)
	setDuration(&cfg.ShutdownTimeout, fc.API.ShutdownTimeout)
}

func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("EVENTD_LISTEN", cfg.Listen)
	cfg.DataDir = ParseString("EVENTD_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = ParseString("EVENTD_LOG_LEVEL", cfg.LogLevel)
	cfg.DBPath = ParseString("EVENTD_DB_PATH", cfg.DBPath)
	cfg.QueueSize = ParseInt("EVENTD_QUEUE_SIZE", cfg.QueueSize)
	cfg.Workers = ParseInt("EVENTD_WORKERS", cfg.Workers)
	cfg.ProcessorTimeout = ParseDuration("EVENTD_PROCESSOR_TIMEOUT", cfg.ProcessorTimeout)
	cfg.RetryBackoff = ParseDuration("EVENTD_RETRY_BACKOFF", cfg.RetryBackoff)
	cfg.CacheTTL = ParseDuration("EVENTD_CACHE_TTL", cfg.CacheTTL)
	cfg.RedisAddr = ParseString("EVENTD_REDIS_ADDR", cfg.RedisAddr)
	cfg.WebhookTimeout = ParseDuration("EVENTD_WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.OutboundRPS = ParseInt("EVENTD_OUTBOUND_RPS", cfg.OutboundRPS)
	cfg.RateLimit = ParseInt("EVENTD_API_RATE_LIMIT", cfg.RateLimit)
	cfg.ShutdownTimeout = ParseDuration("EVENTD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("dispatch queue size must be positive, got %d", c.QueueSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive, got %d", c.Workers)
	}
	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("processor timeout must be positive, got %s", c.ProcessorTimeout)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive, got %s", c.RetryBackoff)
	}
	if c.OutboundRPS <= 0 {
		return fmt.Errorf("outbound rps must be positive, got %d", c.OutboundRPS)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("api rate limit must not be negative, got %d", c.RateLimit)
	}
	return nil
}

// DatabasePath resolves the sqlite file location, defaulting under DataDir.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return c.DataDir + "/events.db"
}

// ProjectionPath resolves the projection KV directory under DataDir.
func (c Config) ProjectionPath() string {
	return c.DataDir + "/projections"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
