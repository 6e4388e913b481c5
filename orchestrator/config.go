// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"time"
)

// Config holds the tunables of the scheduling core. Zero values are
// replaced by the defaults at server construction.
type Config struct {
	// HeartbeatFreshWindow is how long after the last heartbeat a session
	// stays fresh and eligible for assignments.
	HeartbeatFreshWindow time.Duration

	// HeartbeatStaleWindow is how long after the last heartbeat a session
	// is considered stale but not yet dead. Beyond it the session is
	// removed and its jobs requeue.
	HeartbeatStaleWindow time.Duration

	// SweepInterval is how often the dispatcher sweeps liveness and job
	// timeouts. Must not exceed 10s for worker-loss recovery to stay
	// within one sweep interval of the stale window.
	SweepInterval time.Duration

	// DefaultJobTimeout applies to submissions that carry no timeout.
	DefaultJobTimeout time.Duration

	// MaxJobAttempts bounds assignment attempts per job. Worker loss and
	// timeout requeue until the bound is reached.
	MaxJobAttempts int
}

// DefaultConfig returns the default core configuration.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatFreshWindow: 30 * time.Second,
		HeartbeatStaleWindow: 90 * time.Second,
		SweepInterval:        5 * time.Second,
		DefaultJobTimeout:    300 * time.Second,
		MaxJobAttempts:       2,
	}
}

// Canonicalize fills zero fields with defaults.
func (c *Config) Canonicalize() {
	def := DefaultConfig()
	if c.HeartbeatFreshWindow <= 0 {
		c.HeartbeatFreshWindow = def.HeartbeatFreshWindow
	}
	if c.HeartbeatStaleWindow <= 0 {
		c.HeartbeatStaleWindow = def.HeartbeatStaleWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = def.DefaultJobTimeout
	}
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = def.MaxJobAttempts
	}
}
