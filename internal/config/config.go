// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package config is the engine's process configuration: a nested
// struct decoded from YAML via gopkg.in/yaml.v3, with EVENTUAL_*
// environment variables layered on top as overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes YAML strings like "250ms"
// as well as plain nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration %v", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level process configuration for an engine daemon.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Stdout bool   `yaml:"stdout"`
}

// StoreConfig selects and configures the persistence backend shared by
// the History Store, Execution Store, Execution Queue, Entity Store,
// and Bucket Store.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // "memory" | "sqlite"
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"dataDir"` // bucket blobs, dead-letter and journal files
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// WorkerConfig configures the Task Worker pool.
type WorkerConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	PollInterval   Duration `yaml:"pollInterval"`
	HeartbeatGrace Duration `yaml:"heartbeatGrace"`
}

// OrchestratorConfig configures the Orchestrator's batching and worker
// pool.
type OrchestratorConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	PollInterval Duration `yaml:"pollInterval"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Log:          LogConfig{Level: "info"},
		Store:        StoreConfig{Driver: "memory"},
		Metrics:      MetricsConfig{Enabled: true, ListenAddr: ":9090"},
		Worker:       WorkerConfig{Concurrency: 16, PollInterval: Duration(100 * time.Millisecond), HeartbeatGrace: Duration(30 * time.Second)},
		Orchestrator: OrchestratorConfig{Concurrency: 16, PollInterval: Duration(50 * time.Millisecond)},
	}
}

// Load reads and decodes a YAML config file, applying Default() for any
// zero-valued section left unset by the file and then layering
// EVENTUAL_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Recognized environment overrides. Each, when set, wins over both
// Default() and the config file.
const (
	EnvLogLevel                 = "EVENTUAL_LOG_LEVEL"
	EnvStoreDriver              = "EVENTUAL_STORE_DRIVER"
	EnvStoreDSN                 = "EVENTUAL_STORE_DSN"
	EnvStoreDataDir             = "EVENTUAL_STORE_DATA_DIR"
	EnvMetricsEnabled           = "EVENTUAL_METRICS_ENABLED"
	EnvMetricsListenAddr        = "EVENTUAL_METRICS_LISTEN_ADDR"
	EnvWorkerConcurrency        = "EVENTUAL_WORKER_CONCURRENCY"
	EnvWorkerPollInterval       = "EVENTUAL_WORKER_POLL_INTERVAL"
	EnvWorkerHeartbeatGrace     = "EVENTUAL_WORKER_HEARTBEAT_GRACE"
	EnvOrchestratorConcurrency  = "EVENTUAL_ORCHESTRATOR_CONCURRENCY"
	EnvOrchestratorPollInterval = "EVENTUAL_ORCHESTRATOR_POLL_INTERVAL"
)

// ApplyEnvOverrides layers the recognized EVENTUAL_* environment
// variables over cfg. Load calls this after decoding the file; callers
// that start from Default() (no config file) apply it themselves.
func ApplyEnvOverrides(cfg *Config) error {
	setString(EnvLogLevel, &cfg.Log.Level)
	setString(EnvStoreDriver, &cfg.Store.Driver)
	setString(EnvStoreDSN, &cfg.Store.DSN)
	setString(EnvStoreDataDir, &cfg.Store.DataDir)
	setString(EnvMetricsListenAddr, &cfg.Metrics.ListenAddr)
	if err := setBool(EnvMetricsEnabled, &cfg.Metrics.Enabled); err != nil {
		return err
	}
	if err := setInt(EnvWorkerConcurrency, &cfg.Worker.Concurrency); err != nil {
		return err
	}
	if err := setDuration(EnvWorkerPollInterval, &cfg.Worker.PollInterval); err != nil {
		return err
	}
	if err := setDuration(EnvWorkerHeartbeatGrace, &cfg.Worker.HeartbeatGrace); err != nil {
		return err
	}
	if err := setInt(EnvOrchestratorConcurrency, &cfg.Orchestrator.Concurrency); err != nil {
		return err
	}
	return setDuration(EnvOrchestratorPollInterval, &cfg.Orchestrator.PollInterval)
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func setInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func setDuration(key string, dst *Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = Duration(parsed)
	return nil
}
