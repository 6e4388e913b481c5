// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"fmt"
	"sync"

	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/orchestrator/deploy"
	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/scheduler"
)

// Server bundles the scheduling core: node registry, job queue, flow
// deployment engine, and the dispatcher loop that drives them. The agent
// layer sits on top and exposes HTTP and websocket surfaces.
type Server struct {
	logger     log.Logger
	config     *Config
	accounts   AccountsGateway
	store      *state.StateStore
	registry   *NodeRegistry
	queue      *JobQueue
	engine     *deploy.Engine
	dispatcher *Dispatcher
	oracle     *scheduler.StaticOracle

	shutdownLock sync.Mutex
	shutdown     bool
}

// NewServer constructs and starts the scheduling core. The dispatcher
// loop is running when this returns.
func NewServer(logger log.Logger, config *Config, accounts AccountsGateway) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.Canonicalize()
	if accounts == nil {
		accounts = NoopAccounts{}
	}

	store, err := state.NewStateStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	s := &Server{
		logger:   logger.Named("orchestrator"),
		config:   config,
		accounts: accounts,
		store:    store,
		oracle:   scheduler.NewStaticOracle(scheduler.DefaultModuleTable()),
	}

	s.registry = NewNodeRegistry(s.logger, config, s.notifyDispatcher)
	s.queue = NewJobQueue(s.logger, config, accounts, store, s.registry, s.notifyDispatcher)
	s.registry.SetSessionGoneFn(s.queue.RequeueForSession)
	s.engine = deploy.NewEngine(s.logger, s.queue, s.oracle, store)
	s.dispatcher = NewDispatcher(s.logger, config.SweepInterval, s.registry, s.queue)

	go s.dispatcher.Run()

	s.logger.Info("orchestrator started",
		"sweep_interval", config.SweepInterval,
		"fresh_window", config.HeartbeatFreshWindow,
		"stale_window", config.HeartbeatStaleWindow)
	return s, nil
}

// notifyDispatcher is handed to the registry and queue so state changes
// trigger an immediate pass instead of waiting for the next sweep.
func (s *Server) notifyDispatcher() {
	// The dispatcher is wired after the registry and queue; a notification
	// during construction has nothing to wake yet.
	if s.dispatcher != nil {
		s.dispatcher.Notify()
	}
}

// Registry exposes the node registry to the agent layer.
func (s *Server) Registry() *NodeRegistry { return s.registry }

// Queue exposes the job queue to the agent layer.
func (s *Server) Queue() *JobQueue { return s.queue }

// Deployments exposes the flow deployment engine to the agent layer.
func (s *Server) Deployments() *deploy.Engine { return s.engine }

// Oracle exposes the module requirements table to the agent layer.
func (s *Server) Oracle() *scheduler.StaticOracle { return s.oracle }

// State exposes the state store for read paths.
func (s *Server) State() *state.StateStore { return s.store }

// Config returns the canonicalized core configuration.
func (s *Server) Config() *Config { return s.config }

// NewSession attaches a freshly-accepted worker transport to the core.
// The caller runs the returned session's Run loop.
func (s *Server) NewSession(conn MessageConn) *WorkerSession {
	return NewWorkerSession(s.logger, conn, s.registry, s.queue)
}

// Stats returns coarse counters for the agent's stats endpoint.
func (s *Server) Stats() map[string]interface{} {
	jobStats := s.queue.Stats()
	depStats, err := s.engine.Stats()
	if err != nil {
		s.logger.Error("failed to aggregate deployment stats", "error", err)
	}
	return map[string]interface{}{
		"sessions":            s.registry.NumSessions(),
		"running_deployments": s.engine.NumRunning(),
		"jobs":                jobStats,
		"deployments":         depStats,
	}
}

// Shutdown drains the core: new submissions are refused, live
// deployments and jobs are cancelled with their reservations refunded,
// then worker transports close and the dispatcher stops. Safe to call
// more than once.
func (s *Server) Shutdown() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true

	s.logger.Info("orchestrator shutting down")
	s.engine.Shutdown()
	s.queue.Shutdown()
	s.registry.Shutdown()
	s.dispatcher.Shutdown()
}
