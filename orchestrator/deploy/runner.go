// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/Huck-dev/modchain/scheduler"
)

// runner executes one deployment. All mutation happens on the run
// goroutine; the mutex only fences Snapshot readers.
type runner struct {
	logger  log.Logger
	backend JobBackend
	oracle  scheduler.RequirementsOracle
	store   *state.StateStore

	ctx      context.Context
	cancelFn context.CancelFunc
	doneCh   chan struct{}
	exitFn   func(deploymentID string)

	graph   *structs.FlowGraph
	creds   map[string]interface{}
	account string
	options structs.FlowSubmitOptions

	// events receives each node's job exactly once at terminal status.
	// Capacity covers every node so forwarders never block.
	events chan *structs.Job

	mu sync.Mutex
	d  *structs.Deployment
}

func newRunner(parent context.Context, logger log.Logger, backend JobBackend,
	oracle scheduler.RequirementsOracle, store *state.StateStore,
	d *structs.Deployment, graph *structs.FlowGraph, sub *structs.FlowSubmission,
	exitFn func(string)) *runner {

	ctx, cancel := context.WithCancel(parent)
	return &runner{
		logger:   logger.With("deployment_id", d.ID),
		backend:  backend,
		oracle:   oracle,
		store:    store,
		ctx:      ctx,
		cancelFn: cancel,
		doneCh:   make(chan struct{}),
		exitFn:   exitFn,
		graph:    graph,
		creds:    sub.ResolvedCredentials,
		account:  sub.AccountID,
		options:  sub.Options,
		events:   make(chan *structs.Job, len(d.Nodes)),
		d:        d,
	}
}

// Snapshot returns a copy of the deployment for reads.
func (r *runner) Snapshot() *structs.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.Copy()
}

// cancel requests deployment cancellation.
func (r *runner) cancel() {
	r.cancelFn()
}

// wait blocks until the run loop has exited.
func (r *runner) wait() {
	<-r.doneCh
}

// run is the deployment event loop: release every runnable node, then
// block for the next job outcome or cancellation. Exits once the
// deployment is terminal.
func (r *runner) run() {
	defer close(r.doneCh)
	defer r.exitFn(r.d.ID)
	defer r.cancelFn()

	for {
		if !r.releaseFrontier() {
			// A node failed before its job could be submitted.
			return
		}

		if r.allTerminal() {
			r.complete()
			return
		}

		select {
		case job := <-r.events:
			if !r.handleJobTerminal(job) {
				return
			}
		case <-r.ctx.Done():
			r.handleCancelled()
			return
		}
	}
}

// releaseFrontier starts every pending node whose predecessors are all
// terminal. Nodes with no satisfied incoming edge are skipped, which in
// turn unblocks their successors on the next pass. Returns false when a
// node failed pre-submission and the deployment is over.
func (r *runner) releaseFrontier() bool {
	for {
		progressed := false

		for _, nodeID := range r.graph.TopoOrder() {
			r.mu.Lock()
			ns := r.d.NodeStatus[nodeID]
			if ns.Status != structs.NodeRunPending {
				r.mu.Unlock()
				continue
			}

			ready := true
			for _, pred := range r.graph.Predecessors(nodeID) {
				if !r.d.NodeStatus[pred].Status.Terminal() {
					ready = false
					break
				}
			}
			if !ready {
				r.mu.Unlock()
				continue
			}

			incoming := r.graph.Incoming(nodeID)
			if len(incoming) > 0 && !r.anySatisfiedLocked(incoming) {
				ns.Status = structs.NodeRunSkipped
				ns.CompletedAt = time.Now()
				r.d.UpdateTime = time.Now()
				r.mu.Unlock()
				r.logger.Debug("node skipped", "node_id", nodeID)
				progressed = true
				continue
			}
			r.mu.Unlock()

			if !r.startNode(nodeID) {
				return false
			}
			progressed = true
		}

		if !progressed {
			return true
		}
	}
}

// anySatisfiedLocked reports whether at least one incoming edge delivers:
// its source completed and its condition, if any, evaluates true against
// the source output.
func (r *runner) anySatisfiedLocked(incoming []*structs.FlowConnection) bool {
	for _, c := range incoming {
		src := r.d.NodeStatus[c.SourceNode]
		if src.Status != structs.NodeRunCompleted {
			continue
		}
		if c.Condition != nil && !c.Condition.Evaluate(src.Output) {
			continue
		}
		return true
	}
	return false
}

// startNode resolves inputs and credentials, submits the node's job, and
// subscribes for its outcome. Returns false when the node failed before
// submission and the deployment was torn down.
func (r *runner) startNode(nodeID string) bool {
	node := r.d.Node(nodeID)

	creds, err := r.resolveCredentials(node)
	if err != nil {
		r.logger.Error("credential resolution failed", "node_id", nodeID, "error", err)
		r.failDeployment(nodeID, structs.FailureCredentialMissing, errString(err))
		return false
	}

	r.mu.Lock()
	inputs := r.gatherInputsLocked(nodeID)
	ns := r.d.NodeStatus[nodeID]
	ns.Status = structs.NodeRunRunning
	ns.StartedAt = time.Now()
	if r.d.Status == structs.DeploymentStatusDeploying {
		r.d.Status = structs.DeploymentStatusRunning
	}
	r.d.UpdateTime = time.Now()
	req := r.requirementsFor(node)
	submit := &structs.JobSubmitRequest{
		ClientID:     r.d.ClientID,
		AccountID:    r.account,
		WorkspaceID:  r.d.WorkspaceID,
		DeploymentID: r.d.ID,
		FlowNodeID:   nodeID,
		Requirements: req,
		Payload: &structs.JobPayload{
			Type: structs.JobTypeModuleExecution,
			ModuleExecution: &structs.ModuleExecutionPayload{
				ModuleID:      node.ModuleID,
				ModuleVersion: node.ModuleVersion,
				Config:        node.Config,
				Credentials:   creds,
				Inputs:        inputs,
			},
		},
	}
	r.mu.Unlock()

	job, err := r.backend.Submit(r.ctx, submit)
	if err != nil {
		r.logger.Error("node job submission failed", "node_id", nodeID, "error", err)
		r.failDeployment(nodeID, "job submission failed", errString(err))
		return false
	}

	r.mu.Lock()
	ns.JobID = job.ID
	r.d.NodeJobs[nodeID] = job.ID
	r.mu.Unlock()
	r.persist()

	r.logger.Debug("node job submitted", "node_id", nodeID, "job_id", job.ID,
		"module_id", node.ModuleID)

	ch := r.backend.Subscribe(job.ID)
	go func() {
		select {
		case j, ok := <-ch:
			if !ok {
				return
			}
			r.events <- j
		case <-r.ctx.Done():
		}
	}()
	return true
}

// gatherInputsLocked assembles the node's input map from its satisfied
// incoming edges: the source port's value lands on the target port, or
// the source's whole output when the port is absent.
func (r *runner) gatherInputsLocked(nodeID string) map[string]interface{} {
	incoming := r.graph.Incoming(nodeID)
	if len(incoming) == 0 {
		return nil
	}

	inputs := make(map[string]interface{})
	for _, c := range incoming {
		src := r.d.NodeStatus[c.SourceNode]
		if src.Status != structs.NodeRunCompleted {
			continue
		}
		if c.Condition != nil && !c.Condition.Evaluate(src.Output) {
			continue
		}
		if src.Output == nil {
			continue
		}
		if v, ok := src.Output[c.SourcePort]; ok {
			inputs[c.TargetPort] = v
		} else {
			inputs[c.TargetPort] = src.Output
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

// resolveCredentials maps the node's credential refs through the
// submission's resolved material.
func (r *runner) resolveCredentials(node *structs.FlowNode) (map[string]interface{}, error) {
	if len(node.CredentialRefs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(node.CredentialRefs))
	for name, ref := range node.CredentialRefs {
		material, ok := r.creds[ref.CredentialID]
		if !ok {
			return nil, fmt.Errorf("credential %q (%s) not resolved", ref.CredentialID, name)
		}
		out[name] = material
	}
	return out, nil
}

// requirementsFor derives the node's job requirements from the module
// table, clamped by the submission's cost cap and pinned to the
// deployment's workspace.
func (r *runner) requirementsFor(node *structs.FlowNode) *structs.JobRequirements {
	req := r.oracle.RequirementsFor(node.ModuleID)
	if limit := r.options.MaxCostCents; limit > 0 && (req.MaxCostCents == 0 || req.MaxCostCents > limit) {
		req.MaxCostCents = limit
	}
	req.WorkspaceID = r.d.WorkspaceID
	return req
}

// handleJobTerminal folds one finished job back into the deployment.
// Returns false when the deployment is over.
func (r *runner) handleJobTerminal(job *structs.Job) bool {
	nodeID := job.FlowNodeID

	switch job.Status {
	case structs.JobStatusCompleted:
		r.mu.Lock()
		ns := r.d.NodeStatus[nodeID]
		ns.Status = structs.NodeRunCompleted
		ns.CompletedAt = time.Now()
		if job.Result != nil {
			ns.Output = job.Result.Outputs
			r.d.TotalCostCents += job.Result.ActualCostCents
		}
		r.d.UpdateTime = time.Now()
		r.mu.Unlock()
		r.persist()
		r.logger.Debug("node completed", "node_id", nodeID, "job_id", job.ID)
		return true

	case structs.JobStatusCancelled:
		r.failDeployment(nodeID, "job cancelled", jobError(job))
		return false

	default:
		// failed or timeout
		reason := job.FailureReason
		if reason == "" {
			reason = structs.FailureWorkerError
		}
		r.failDeployment(nodeID, reason, jobError(job))
		return false
	}
}

// failDeployment marks one node failed and tears down the rest. The
// transitive downstream of the failed node is skipped as an upstream
// failure; every other pending node is skipped because the deployment is
// terminal. Running nodes get their jobs cancelled. All in one update.
func (r *runner) failDeployment(nodeID, reason, detail string) {
	now := time.Now()
	downstream := r.graph.Downstream(nodeID)

	r.mu.Lock()
	ns := r.d.NodeStatus[nodeID]
	ns.Status = structs.NodeRunFailed
	ns.Error = reason
	if detail != "" {
		ns.Error = fmt.Sprintf("%s: %s", reason, detail)
	}
	ns.CompletedAt = now

	var cancelJobs []string
	for id, other := range r.d.NodeStatus {
		if id == nodeID || other.Status.Terminal() {
			continue
		}
		switch other.Status {
		case structs.NodeRunPending:
			other.Status = structs.NodeRunSkipped
			if downstream.Contains(id) {
				other.Error = "upstream failure"
			} else {
				other.Error = "deployment failed"
			}
		case structs.NodeRunRunning:
			other.Status = structs.NodeRunFailed
			other.Error = "cancelled after upstream failure"
			if jid := r.d.NodeJobs[id]; jid != "" {
				cancelJobs = append(cancelJobs, jid)
			}
		}
		other.CompletedAt = now
	}

	r.d.Status = structs.DeploymentStatusFailed
	r.d.Error = fmt.Sprintf("node %s failed: %s", nodeID, ns.Error)
	r.d.UpdateTime = now
	r.d.CompleteTime = now
	r.mu.Unlock()

	for _, jid := range cancelJobs {
		r.backend.Cancel(jid)
	}
	r.persist()
	r.logger.Info("deployment failed", "node_id", nodeID, "reason", reason)
}

// handleCancelled tears the deployment down after ctx cancellation.
func (r *runner) handleCancelled() {
	now := time.Now()

	r.mu.Lock()
	var cancelJobs []string
	for id, ns := range r.d.NodeStatus {
		if ns.Status.Terminal() {
			continue
		}
		switch ns.Status {
		case structs.NodeRunPending:
			ns.Status = structs.NodeRunSkipped
		case structs.NodeRunRunning:
			ns.Status = structs.NodeRunFailed
			ns.Error = "deployment cancelled"
			if jid := r.d.NodeJobs[id]; jid != "" {
				cancelJobs = append(cancelJobs, jid)
			}
		}
		ns.CompletedAt = now
	}
	r.d.Status = structs.DeploymentStatusCancelled
	r.d.UpdateTime = now
	r.d.CompleteTime = now
	r.mu.Unlock()

	for _, jid := range cancelJobs {
		r.backend.Cancel(jid)
	}
	r.persist()
	r.logger.Info("deployment cancelled")
}

// allTerminal reports whether every node reached a terminal status.
func (r *runner) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range r.d.NodeStatus {
		if !ns.Status.Terminal() {
			return false
		}
	}
	return true
}

// complete marks the deployment finished. Failed nodes end the
// deployment earlier, so reaching here means every node completed or was
// skipped.
func (r *runner) complete() {
	now := time.Now()

	r.mu.Lock()
	r.d.Status = structs.DeploymentStatusCompleted
	r.d.UpdateTime = now
	r.d.CompleteTime = now
	cost := r.d.TotalCostCents
	r.mu.Unlock()

	r.persist()
	r.logger.Info("deployment completed", "total_cost_cents", cost)
}

// persist writes the current snapshot to the state store.
func (r *runner) persist() {
	if err := r.store.UpsertDeployment(r.Snapshot()); err != nil {
		r.logger.Error("failed to persist deployment", "error", err)
	}
}

func jobError(job *structs.Job) string {
	if job.Result != nil && job.Result.Error != "" {
		return job.Result.Error
	}
	return ""
}
