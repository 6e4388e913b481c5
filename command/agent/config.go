// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Huck-dev/modchain/orchestrator"
)

// Config holds the agent's tunables: listener address, logging, and the
// scheduling core's windows.
type Config struct {
	// BindAddr is the interface the HTTP and websocket listener binds to.
	BindAddr string `json:"bind_addr"`

	// Port is the listener port. Port 0 picks an ephemeral port, useful in
	// tests.
	Port int `json:"port"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	// EnableDebug exposes the pprof endpoints.
	EnableDebug bool `json:"enable_debug"`

	// EnableAccessLog emits one combined-format line per HTTP request.
	EnableAccessLog bool `json:"enable_access_log"`

	// HeartbeatFreshSecs and HeartbeatStaleSecs set the worker liveness
	// windows; SweepIntervalSecs how often they are enforced.
	HeartbeatFreshSecs int `json:"heartbeat_fresh_secs"`
	HeartbeatStaleSecs int `json:"heartbeat_stale_secs"`
	SweepIntervalSecs  int `json:"sweep_interval_secs"`

	// DefaultJobTimeoutSecs applies to jobs submitted without a timeout.
	DefaultJobTimeoutSecs int `json:"default_job_timeout_secs"`

	// MaxJobAttempts bounds assignment attempts per job.
	MaxJobAttempts int `json:"max_job_attempts"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		Port:     4747,
		LogLevel: "INFO",
	}
}

// LoadConfigFile reads a JSON config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	config := DefaultConfig()
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return config, nil
}

// OrchestratorConfig translates the agent settings into the scheduling
// core's configuration. Zero fields fall back to core defaults.
func (c *Config) OrchestratorConfig() *orchestrator.Config {
	return &orchestrator.Config{
		HeartbeatFreshWindow: time.Duration(c.HeartbeatFreshSecs) * time.Second,
		HeartbeatStaleWindow: time.Duration(c.HeartbeatStaleSecs) * time.Second,
		SweepInterval:        time.Duration(c.SweepIntervalSecs) * time.Second,
		DefaultJobTimeout:    time.Duration(c.DefaultJobTimeoutSecs) * time.Second,
		MaxJobAttempts:       c.MaxJobAttempts,
	}
}
