// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// JobQueue owns every job from submission to terminal status. Pending
// jobs form a FIFO the dispatcher scans on each tick; assignment pairs a
// job with the best eligible session from the node registry.
type JobQueue struct {
	logger   log.Logger
	config   *Config
	accounts AccountsGateway
	store    *state.StateStore
	registry *NodeRegistry

	// mu guards jobs, pending, watchers, and draining. Assignment sends
	// happen under the lock; transports carry write deadlines so a stuck
	// worker cannot wedge the queue for long.
	mu       sync.Mutex
	jobs     map[string]*structs.Job
	pending  []string
	watchers map[string][]chan *structs.Job
	draining bool

	notify func()
}

// NewJobQueue creates the job queue.
func NewJobQueue(logger log.Logger, config *Config, accounts AccountsGateway,
	store *state.StateStore, registry *NodeRegistry, notify func()) *JobQueue {

	return &JobQueue{
		logger:   logger.Named("job_queue"),
		config:   config,
		accounts: accounts,
		store:    store,
		registry: registry,
		jobs:     make(map[string]*structs.Job),
		watchers: make(map[string][]chan *structs.Job),
		notify:   notify,
	}
}

// Submit validates, reserves funds when an account is attached, and
// enqueues a new job. The job never enters the queue if the reservation
// fails.
func (q *JobQueue) Submit(ctx context.Context, req *structs.JobSubmitRequest) (*structs.Job, error) {
	defer metrics.MeasureSince([]string{"modchain", "job_queue", "submit"}, time.Now())

	if req.ClientID == "" {
		return nil, fmt.Errorf("missing client id")
	}
	if err := req.Requirements.Validate(); err != nil {
		return nil, err
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("missing job payload")
	}

	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	if draining {
		return nil, structs.ErrShuttingDown
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(q.config.DefaultJobTimeout / time.Second)
	}

	job := &structs.Job{
		ID:             uuid.Generate(),
		ClientID:       req.ClientID,
		AccountID:      req.AccountID,
		WorkspaceID:    req.WorkspaceID,
		DeploymentID:   req.DeploymentID,
		FlowNodeID:     req.FlowNodeID,
		Requirements:   req.Requirements.Copy(),
		Payload:        req.Payload,
		TimeoutSeconds: timeout,
		Status:         structs.JobStatusPending,
		CreateTime:     time.Now(),
	}
	job.Requirements.WorkspaceID = req.WorkspaceID

	if req.AccountID != "" {
		resID, err := q.accounts.Reserve(ctx, req.AccountID,
			job.Requirements.MaxCostCents, job.Requirements.Currency)
		if err != nil {
			return nil, fmt.Errorf("credit reservation failed: %w", err)
		}
		job.ReservationID = resID
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	snapshot := job.Copy()
	q.mu.Unlock()

	if err := q.store.UpsertJob(snapshot); err != nil {
		q.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
	metrics.IncrCounter([]string{"modchain", "job_queue", "submitted"}, 1)
	q.logger.Debug("job submitted", "job_id", job.ID, "client_id", job.ClientID,
		"adapter", job.Requirements.Adapter, "deployment_id", job.DeploymentID)

	q.notify()
	return snapshot, nil
}

// Get returns a snapshot of a job.
func (q *JobQueue) Get(jobID string) (*structs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, structs.ErrUnknownJob
	}
	return job.Copy(), nil
}

// List returns snapshots of jobs passing the filter, newest first.
func (q *JobQueue) List(filter *structs.JobListFilter) ([]*structs.Job, error) {
	return q.store.Jobs(filter)
}

// Stats counts live jobs by status.
func (q *JobQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int)
	for _, job := range q.jobs {
		out[string(job.Status)]++
	}
	return out
}

// Subscribe returns a channel that receives the job exactly once when it
// reaches a terminal status. Already-terminal jobs deliver immediately.
func (q *JobQueue) Subscribe(jobID string) <-chan *structs.Job {
	ch := make(chan *structs.Job, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		close(ch)
		return ch
	}
	if job.Terminal() {
		ch <- job.Copy()
		return ch
	}
	q.watchers[jobID] = append(q.watchers[jobID], ch)
	return ch
}

// Cancel transitions a non-terminal job to cancelled, signals the owning
// session, and refunds any reservation. Returns false for terminal jobs.
func (q *JobQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Terminal() {
		q.mu.Unlock()
		return false
	}

	sessionID := job.AssignedSession
	job.Status = structs.JobStatusCancelled
	job.AssignedSession = ""
	q.finalizeLocked(job)
	q.mu.Unlock()

	if sessionID != "" {
		q.registry.UntrackJob(sessionID, jobID)
		if sender, err := q.registry.Sender(sessionID); err == nil {
			if err := sender.SendCancellation(jobID); err != nil {
				q.logger.Warn("failed to send job cancellation",
					"job_id", jobID, "session_id", sessionID, "error", err)
			}
		}
	}
	q.settle(job)
	metrics.IncrCounter([]string{"modchain", "job_queue", "cancelled"}, 1)
	return true
}

// OnResult handles a terminal job_result from a worker session. Results
// referencing unknown jobs or arriving from a session other than the
// assigned one are ignored and logged. Results for already-terminal jobs
// are recorded without changing status, covering the cancel race.
func (q *JobQueue) OnResult(sessionID string, msg *structs.JobResultMessage) error {
	q.mu.Lock()
	job, ok := q.jobs[msg.JobID]
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("result for unknown job ignored",
			"job_id", msg.JobID, "session_id", sessionID)
		return structs.ErrUnknownJob
	}

	if job.Terminal() {
		if job.Result == nil {
			job.Result = resultFromMessage(msg)
			q.persistLocked(job)
		}
		q.mu.Unlock()
		q.registry.UntrackJob(sessionID, msg.JobID)
		return nil
	}

	if job.AssignedSession != sessionID {
		q.mu.Unlock()
		q.logger.Warn("result from non-assigned session ignored",
			"job_id", msg.JobID, "session_id", sessionID,
			"assigned_session", job.AssignedSession)
		return structs.ErrUnknownJob
	}

	job.Result = resultFromMessage(msg)
	switch msg.Status {
	case structs.ResultStatusCompleted:
		job.Status = structs.JobStatusCompleted
	case structs.ResultStatusCancelled:
		job.Status = structs.JobStatusCancelled
	default:
		job.Status = structs.JobStatusFailed
		job.FailureReason = structs.FailureWorkerError
	}
	job.AssignedSession = ""
	q.finalizeLocked(job)
	q.mu.Unlock()

	q.registry.UntrackJob(sessionID, msg.JobID)
	q.settle(job)
	metrics.IncrCounter([]string{"modchain", "job_queue", "results", string(job.Status)}, 1)
	q.notify()
	return nil
}

// OnProgress transitions a job to running on the worker's first progress
// signal.
func (q *JobQueue) OnProgress(sessionID, jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.AssignedSession != sessionID {
		return
	}
	if job.Status == structs.JobStatusAssigned {
		job.Status = structs.JobStatusRunning
		q.persistLocked(job)
	}
}

// RequeueForSession requeues every non-terminal job held by a vanished
// session, bounded by the attempt limit. Wired as the node registry's
// session-gone callback.
func (q *JobQueue) RequeueForSession(sessionID string, jobIDs []string, reason string) {
	var settled []*structs.Job

	q.mu.Lock()
	for _, jobID := range jobIDs {
		job, ok := q.jobs[jobID]
		if !ok || job.Terminal() || job.AssignedSession != sessionID {
			continue
		}
		if terminal := q.requeueOrFailLocked(job, reason); terminal {
			settled = append(settled, job)
		}
	}
	q.mu.Unlock()

	for _, job := range settled {
		q.settle(job)
	}
	q.notify()
}

// Tick runs one dispatcher pass: enforce timeouts, then scan the pending
// FIFO and assign what the fleet can take.
func (q *JobQueue) Tick(now time.Time) {
	defer metrics.MeasureSince([]string{"modchain", "job_queue", "tick"}, time.Now())
	q.checkTimeouts(now)
	q.assignPending()
}

// checkTimeouts expires reserved/assigned/running jobs past their
// timeout, signalling the session and requeueing within the attempt
// bound.
func (q *JobQueue) checkTimeouts(now time.Time) {
	type expired struct {
		jobID     string
		sessionID string
		terminal  bool
	}
	var hits []expired
	var settled []*structs.Job

	q.mu.Lock()
	for _, job := range q.jobs {
		switch job.Status {
		case structs.JobStatusReserved, structs.JobStatusAssigned, structs.JobStatusRunning:
		default:
			continue
		}
		if now.Sub(job.AssignTime) <= job.Timeout() {
			continue
		}

		sessionID := job.AssignedSession
		terminal := q.requeueOrFailLocked(job, structs.FailureTimedOut)
		hits = append(hits, expired{jobID: job.ID, sessionID: sessionID, terminal: terminal})
		if terminal {
			settled = append(settled, job)
		}
	}
	q.mu.Unlock()

	for _, h := range hits {
		q.logger.Warn("job timed out", "job_id", h.jobID,
			"session_id", h.sessionID, "terminal", h.terminal)
		q.registry.UntrackJob(h.sessionID, h.jobID)
		if sender, err := q.registry.Sender(h.sessionID); err == nil {
			if err := sender.SendCancellation(h.jobID); err != nil {
				q.logger.Warn("failed to send cancellation for timed out job",
					"job_id", h.jobID, "error", err)
			}
		}
		metrics.IncrCounter([]string{"modchain", "job_queue", "timeout"}, 1)
	}
	for _, job := range settled {
		q.settle(job)
	}
}

// assignPending walks the pending FIFO. Per-client ordering: once a
// (client, workspace) pair fails to place, later jobs of the same pair
// are not attempted this pass, so no job overtakes an earlier sibling.
func (q *JobQueue) assignPending() {
	q.mu.Lock()
	defer q.mu.Unlock()

	type pair struct{ client, workspace string }
	blocked := make(map[pair]bool)

	var remaining []string
	for _, jobID := range q.pending {
		job, ok := q.jobs[jobID]
		if !ok || job.Status != structs.JobStatusPending {
			// Cancelled or already handled; drop from the FIFO.
			continue
		}

		key := pair{job.ClientID, job.WorkspaceID}
		if blocked[key] {
			remaining = append(remaining, jobID)
			continue
		}

		if !q.tryAssignLocked(job) {
			blocked[key] = true
			remaining = append(remaining, jobID)
		}
	}
	q.pending = remaining
}

// tryAssignLocked runs the reserve-and-assign protocol against the best
// eligible session. Returns true when the job left the pending state.
func (q *JobQueue) tryAssignLocked(job *structs.Job) bool {
	candidates := q.registry.Eligible(job.Requirements)

	for _, snap := range candidates {
		sender, err := q.registry.Sender(snap.SessionID)
		if err != nil {
			continue
		}

		// Step 1: reserve.
		if err := q.registry.TrackJob(snap.SessionID, job.ID); err != nil {
			continue
		}
		job.Status = structs.JobStatusReserved
		job.AssignedSession = snap.SessionID
		job.AssignTime = time.Now()

		// Step 2: send the assignment.
		if err := sender.SendAssignment(job.Copy()); err != nil {
			// Step 4: rollback on send failure.
			q.registry.UntrackJob(snap.SessionID, job.ID)
			job.Status = structs.JobStatusPending
			job.AssignedSession = ""
			job.Attempts++
			q.logger.Warn("assignment send failed, rolled back",
				"job_id", job.ID, "session_id", snap.SessionID, "error", err)
			continue
		}

		// Step 3: delivered.
		job.Status = structs.JobStatusAssigned
		job.Attempts++
		q.persistLocked(job)
		q.logger.Debug("job assigned", "job_id", job.ID,
			"session_id", snap.SessionID, "node_id", snap.NodeID,
			"attempt", job.Attempts)
		metrics.IncrCounter([]string{"modchain", "job_queue", "assigned"}, 1)
		return true
	}
	return false
}

// requeueOrFailLocked moves a lost or expired job back to pending while
// attempts remain, otherwise to its terminal status. Returns true when
// the job went terminal.
func (q *JobQueue) requeueOrFailLocked(job *structs.Job, reason string) bool {
	job.AssignedSession = ""

	if job.Attempts < q.config.MaxJobAttempts {
		job.Status = structs.JobStatusPending
		job.FailureReason = ""
		q.pending = append(q.pending, job.ID)
		q.persistLocked(job)
		q.logger.Info("job requeued", "job_id", job.ID,
			"reason", reason, "attempts", job.Attempts)
		return false
	}

	job.FailureReason = reason
	if reason == structs.FailureTimedOut {
		job.Status = structs.JobStatusTimeout
	} else {
		job.Status = structs.JobStatusFailed
	}
	q.finalizeLocked(job)
	return true
}

// finalizeLocked completes a terminal transition: stamps the time,
// persists, and fires watchers. Settlement happens outside the lock via
// settle.
func (q *JobQueue) finalizeLocked(job *structs.Job) {
	job.CompleteTime = time.Now()
	q.persistLocked(job)

	snapshot := job.Copy()
	for _, ch := range q.watchers[job.ID] {
		ch <- snapshot
	}
	delete(q.watchers, job.ID)
}

// persistLocked writes a snapshot of the job to the state store.
func (q *JobQueue) persistLocked(job *structs.Job) {
	if err := q.store.UpsertJob(job.Copy()); err != nil {
		q.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
}

// settle releases a job's reservation exactly once: debit on completed,
// refund on every other terminal status.
func (q *JobQueue) settle(job *structs.Job) {
	q.mu.Lock()
	resID := job.ReservationID
	job.ReservationID = ""
	q.mu.Unlock()
	if resID == "" {
		return
	}

	ctx := context.Background()
	if job.Status == structs.JobStatusCompleted {
		actual := int64(0)
		if job.Result != nil {
			actual = job.Result.ActualCostCents
		}
		if _, err := q.accounts.Debit(ctx, resID, actual); err != nil {
			if errors.Is(err, structs.ErrOverDebit) {
				q.logger.Warn("job cost exceeded reservation",
					"job_id", job.ID, "actual_cents", actual,
					"reserved_cents", job.Requirements.MaxCostCents)
				q.markOverDebit(job.ID)
				return
			}
			q.logger.Error("debit failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := q.accounts.Refund(ctx, resID); err != nil {
		q.logger.Error("refund failed", "job_id", job.ID, "error", err)
	}
}

// markOverDebit records a cost discrepancy on the stored job.
func (q *JobQueue) markOverDebit(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Result == nil {
		return
	}
	job.Result.Error = fmt.Sprintf("cost %d cents exceeded reservation of %d cents",
		job.Result.ActualCostCents, job.Requirements.MaxCostCents)
	q.persistLocked(job)
}

// Shutdown stops accepting submissions, cancels every live job, and
// refunds all reservations.
func (q *JobQueue) Shutdown() {
	q.mu.Lock()
	q.draining = true

	type cancelled struct {
		job       *structs.Job
		sessionID string
	}
	var live []cancelled
	for _, job := range q.jobs {
		if job.Terminal() {
			continue
		}
		sessionID := job.AssignedSession
		job.Status = structs.JobStatusCancelled
		job.AssignedSession = ""
		q.finalizeLocked(job)
		live = append(live, cancelled{job: job, sessionID: sessionID})
	}
	q.pending = nil
	q.mu.Unlock()

	for _, c := range live {
		if c.sessionID != "" {
			if sender, err := q.registry.Sender(c.sessionID); err == nil {
				_ = sender.SendCancellation(c.job.ID)
			}
		}
		q.settle(c.job)
	}
	q.logger.Info("job queue drained", "cancelled", len(live))
}

// resultFromMessage converts the wire result into the job record form.
func resultFromMessage(msg *structs.JobResultMessage) *structs.JobResult {
	return &structs.JobResult{
		Success:         msg.Status == structs.ResultStatusCompleted,
		Outputs:         msg.Outputs,
		Error:           msg.Error,
		ActualCostCents: msg.ActualCostCents,
	}
}
