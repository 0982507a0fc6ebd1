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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	r.NoError(os.WriteFile(path, []byte(`
log:
  level: debug
store:
  driver: sqlite
  dsn: file:eventual.db
  dataDir: /var/lib/eventual
worker:
  concurrency: 4
  pollInterval: 250ms
orchestrator:
  concurrency: 2
`), 0o644))

	cfg, err := Load(path)
	r.NoError(err)
	r.Equal("debug", cfg.Log.Level)
	r.Equal("sqlite", cfg.Store.Driver)
	r.Equal("file:eventual.db", cfg.Store.DSN)
	r.Equal("/var/lib/eventual", cfg.Store.DataDir)
	r.Equal(4, cfg.Worker.Concurrency)
	r.Equal(250*time.Millisecond, cfg.Worker.PollInterval.Std())
	r.Equal(2, cfg.Orchestrator.Concurrency)

	// Sections the file omits keep their defaults.
	r.True(cfg.Metrics.Enabled)
	r.Equal(":9090", cfg.Metrics.ListenAddr)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	r.NoError(os.WriteFile(path, []byte(`
log:
  level: info
store:
  driver: memory
worker:
  concurrency: 4
`), 0o644))

	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvStoreDriver, "sqlite")
	t.Setenv(EnvStoreDSN, "file:env.db")
	t.Setenv(EnvWorkerConcurrency, "32")
	t.Setenv(EnvWorkerPollInterval, "75ms")
	t.Setenv(EnvMetricsEnabled, "false")

	cfg, err := Load(path)
	r.NoError(err)
	r.Equal("debug", cfg.Log.Level)
	r.Equal("sqlite", cfg.Store.Driver)
	r.Equal("file:env.db", cfg.Store.DSN)
	r.Equal(32, cfg.Worker.Concurrency)
	r.Equal(75*time.Millisecond, cfg.Worker.PollInterval.Std())
	r.False(cfg.Metrics.Enabled)

	// Keys left unset keep the file/default values.
	r.Equal(16, cfg.Orchestrator.Concurrency)
}

func TestApplyEnvOverridesOnDefaults(t *testing.T) {
	r := require.New(t)
	t.Setenv(EnvOrchestratorConcurrency, "8")
	t.Setenv(EnvOrchestratorPollInterval, "200ms")

	cfg := Default()
	r.NoError(ApplyEnvOverrides(&cfg))
	r.Equal(8, cfg.Orchestrator.Concurrency)
	r.Equal(200*time.Millisecond, cfg.Orchestrator.PollInterval.Std())
}

func TestApplyEnvOverridesRejectsMalformedValues(t *testing.T) {
	r := require.New(t)
	t.Setenv(EnvWorkerConcurrency, "not-a-number")

	cfg := Default()
	r.Error(ApplyEnvOverrides(&cfg))

	t.Setenv(EnvWorkerConcurrency, "")
	t.Setenv(EnvWorkerPollInterval, "soon")
	cfg = Default()
	r.Error(ApplyEnvOverrides(&cfg))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
