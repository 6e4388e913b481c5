// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package deploy runs flow deployments: it validates the flow graph,
// walks the frontier of runnable nodes, and drives one job per node
// through the job queue until the deployment reaches a terminal status.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/Huck-dev/modchain/scheduler"
)

// JobBackend is the slice of the job queue the engine needs. Defining it
// here keeps the dependency pointing from the orchestrator package into
// deploy, never back.
type JobBackend interface {
	// Submit enqueues one job and returns its snapshot.
	Submit(ctx context.Context, req *structs.JobSubmitRequest) (*structs.Job, error)

	// Cancel requests cancellation; false when the job is already
	// terminal.
	Cancel(jobID string) bool

	// Subscribe returns a channel that delivers the job exactly once,
	// when it reaches a terminal status.
	Subscribe(jobID string) <-chan *structs.Job
}

// Engine owns every live deployment. Each non-terminal deployment has a
// runner goroutine; terminal deployments live only in the state store.
type Engine struct {
	logger  log.Logger
	backend JobBackend
	oracle  scheduler.RequirementsOracle
	store   *state.StateStore

	// ctx parents every runner so shutdown stops them all.
	ctx      context.Context
	cancelFn context.CancelFunc

	mu       sync.Mutex
	runners  map[string]*runner
	draining bool
}

// NewEngine creates the deployment engine.
func NewEngine(logger log.Logger, backend JobBackend, oracle scheduler.RequirementsOracle, store *state.StateStore) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:   logger.Named("deploy"),
		backend:  backend,
		oracle:   oracle,
		store:    store,
		ctx:      ctx,
		cancelFn: cancel,
		runners:  make(map[string]*runner),
	}
}

// SubmitFlow validates a flow submission and starts executing it. The
// returned deployment is a snapshot; progress is read via Get. A
// submission that fails validation creates no deployment at all.
func (e *Engine) SubmitFlow(sub *structs.FlowSubmission) (*structs.Deployment, error) {
	defer metrics.MeasureSince([]string{"modchain", "deploy", "submit_flow"}, time.Now())

	now := time.Now()
	d := &structs.Deployment{
		ID:          uuid.Generate(),
		FlowID:      sub.FlowID,
		Name:        sub.Name,
		ClientID:    sub.ClientID,
		WorkspaceID: sub.WorkspaceID,
		Nodes:       copyNodes(sub.Nodes),
		Connections: copyConnections(sub.Connections),
		Status:      structs.DeploymentStatusPending,
		NodeStatus:  make(map[string]*structs.NodeExecStatus, len(sub.Nodes)),
		NodeJobs:    make(map[string]string, len(sub.Nodes)),
		CreateTime:  now,
		UpdateTime:  now,
	}
	for _, n := range d.Nodes {
		d.NodeStatus[n.ID] = &structs.NodeExecStatus{Status: structs.NodeRunPending}
	}

	if err := d.Validate(); err != nil {
		metrics.IncrCounter([]string{"modchain", "deploy", "rejected"}, 1)
		return nil, err
	}
	graph, err := structs.NewFlowGraph(d.Nodes, d.Connections)
	if err != nil {
		return nil, err
	}

	if sub.Options.DryRun {
		// Validation passed; record the deployment without running it.
		d.Status = structs.DeploymentStatusCompleted
		d.CompleteTime = now
		for _, ns := range d.NodeStatus {
			ns.Status = structs.NodeRunSkipped
		}
		if err := e.store.UpsertDeployment(d); err != nil {
			return nil, err
		}
		return d.Copy(), nil
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil, structs.ErrShuttingDown
	}

	d.Status = structs.DeploymentStatusDeploying
	r := newRunner(e.ctx, e.logger, e.backend, e.oracle, e.store, d, graph, sub, e.removeRunner)
	e.runners[d.ID] = r
	e.mu.Unlock()

	if err := e.store.UpsertDeployment(d.Copy()); err != nil {
		e.logger.Error("failed to persist new deployment", "deployment_id", d.ID, "error", err)
	}

	e.logger.Info("deployment submitted", "deployment_id", d.ID, "flow_id", d.FlowID,
		"client_id", d.ClientID, "nodes", len(d.Nodes))
	metrics.IncrCounter([]string{"modchain", "deploy", "submitted"}, 1)

	go r.run()
	return r.Snapshot(), nil
}

// Cancel stops a live deployment. Terminal deployments return
// ErrDeploymentTerminal; unknown ids ErrUnknownDeployment.
func (e *Engine) Cancel(deploymentID string) error {
	e.mu.Lock()
	r, ok := e.runners[deploymentID]
	e.mu.Unlock()

	if ok {
		r.cancel()
		return nil
	}

	d, err := e.store.DeploymentByID(deploymentID)
	if err != nil {
		return err
	}
	if d == nil {
		return structs.ErrUnknownDeployment
	}
	return structs.ErrDeploymentTerminal
}

// Get returns a snapshot of the deployment, live or terminal.
func (e *Engine) Get(deploymentID string) (*structs.Deployment, error) {
	e.mu.Lock()
	r, ok := e.runners[deploymentID]
	e.mu.Unlock()

	if ok {
		return r.Snapshot(), nil
	}

	d, err := e.store.DeploymentByID(deploymentID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, structs.ErrUnknownDeployment
	}
	return d, nil
}

// List returns the client's deployments newest first. Live runners
// shadow their persisted snapshots.
func (e *Engine) List(clientID string) ([]*structs.DeploymentListStub, error) {
	ds, err := e.store.DeploymentsByClient(clientID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stubs := make([]*structs.DeploymentListStub, 0, len(ds))
	for _, d := range ds {
		if r, ok := e.runners[d.ID]; ok {
			stubs = append(stubs, r.Snapshot().Stub())
			continue
		}
		stubs = append(stubs, d.Stub())
	}
	return stubs, nil
}

// Stats aggregates deployment counts by status.
func (e *Engine) Stats() (*structs.DeploymentStats, error) {
	return e.store.DeploymentStats()
}

// NumRunning returns the count of live runners.
func (e *Engine) NumRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// removeRunner is the runner exit callback.
func (e *Engine) removeRunner(deploymentID string) {
	e.mu.Lock()
	delete(e.runners, deploymentID)
	e.mu.Unlock()
}

// Shutdown cancels every live runner and waits for them to settle.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.draining = true
	rs := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		rs = append(rs, r)
	}
	e.mu.Unlock()

	e.cancelFn()
	for _, r := range rs {
		r.wait()
	}
}

func copyNodes(nodes []*structs.FlowNode) []*structs.FlowNode {
	out := make([]*structs.FlowNode, len(nodes))
	for i, n := range nodes {
		nn := *n
		out[i] = &nn
	}
	return out
}

func copyConnections(conns []*structs.FlowConnection) []*structs.FlowConnection {
	out := make([]*structs.FlowConnection, len(conns))
	for i, c := range conns {
		nc := *c
		nc.Canonicalize()
		out[i] = &nc
	}
	return out
}

// errString renders an error for recording on a node status.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
