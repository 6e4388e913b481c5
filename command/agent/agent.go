// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package agent hosts the orchestrator behind its HTTP and websocket
// surfaces.
package agent

import (
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/orchestrator"
)

// Agent owns the scheduling core, the HTTP server, and telemetry.
type Agent struct {
	config *Config
	logger log.Logger

	server     *orchestrator.Server
	httpServer *HTTPServer

	// inmemSink backs the /v1/metrics endpoint.
	inmemSink *metrics.InmemSink

	startTime time.Time

	shutdownLock sync.Mutex
	shutdown     bool
}

// NewAgent starts the core and the HTTP listener. The accounts gateway
// may be nil for unbilled operation.
func NewAgent(config *Config, logger log.Logger, accounts orchestrator.AccountsGateway) (*Agent, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.NewInterceptLogger(&log.LoggerOptions{
			Name:       "modchain",
			Level:      log.LevelFromString(config.LogLevel),
			JSONFormat: config.LogJSON,
		})
	}

	a := &Agent{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}
	a.setupTelemetry()

	server, err := orchestrator.NewServer(logger, config.OrchestratorConfig(), accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}
	a.server = server

	httpServer, err := NewHTTPServer(a, config)
	if err != nil {
		server.Shutdown()
		return nil, err
	}
	a.httpServer = httpServer

	logger.Info("agent started", "http_addr", httpServer.Addr)
	return a, nil
}

// setupTelemetry installs an in-memory sink so metrics are inspectable
// over the API.
func (a *Agent) setupTelemetry() {
	a.inmemSink = metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig("modchain")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, a.inmemSink); err != nil {
		a.logger.Warn("failed to install telemetry sink", "error", err)
	}
}

// Server returns the scheduling core.
func (a *Agent) Server() *orchestrator.Server {
	return a.server
}

// HTTPAddr returns the bound listener address.
func (a *Agent) HTTPAddr() string {
	return a.httpServer.Addr
}

// Shutdown stops the listener first so no new work arrives, then drains
// the core. Safe to call more than once.
func (a *Agent) Shutdown() {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true

	a.logger.Info("agent shutting down")
	a.httpServer.Shutdown()
	a.server.Shutdown()
	a.logger.Info("agent shutdown complete")
}
