// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/Huck-dev/modchain/helper/sharekey"
	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/Huck-dev/modchain/scheduler"
)

// SessionSender is the outbound half of a worker session the registry
// and queue talk to. Implemented by WorkerSession; tests substitute
// fakes.
type SessionSender interface {
	SendAssignment(job *structs.Job) error
	SendCancellation(jobID string) error
	SendUpdateLimits(limits *structs.ResourceLimits) error
	SendWorkspacesUpdated(workspaceIDs []string) error
	SendReRegister() error
	SendError(msg string) error

	// Kick force-closes the transport, used when a newer registration
	// evicts the session.
	Kick(reason string)
}

// trackedSession is the registry's record of one live worker.
type trackedSession struct {
	sessionID     string
	sender        SessionSender
	capability    *structs.NodeCapability
	limits        *structs.ResourceLimits
	workspaces    *set.Set[string]
	shareKey      string
	remoteControl bool

	liveness      structs.SessionLiveness
	lastHeartbeat time.Time

	// currentJobs holds ids of jobs reserved or assigned to the session.
	currentJobs *set.Set[string]
}

func (ts *trackedSession) snapshot() *structs.SessionSnapshot {
	return &structs.SessionSnapshot{
		SessionID:     ts.sessionID,
		NodeID:        ts.capability.NodeID,
		Capability:    ts.capability,
		Limits:        ts.limits.Copy(),
		Workspaces:    ts.workspaces.Slice(),
		Liveness:      ts.liveness,
		LastHeartbeat: ts.lastHeartbeat,
		CurrentJobs:   ts.currentJobs.Size(),
		RemoteControl: ts.remoteControl,
	}
}

// shareKeyBinding tracks a share key from issue to consumption.
type shareKeyBinding struct {
	sessionID   string
	workspaceID string
	consumed    bool
}

// SessionGoneFn is invoked after a session is removed so the job queue
// can requeue its work. Called outside the registry lock.
type SessionGoneFn func(sessionID string, jobIDs []string, reason string)

// RegisterResult is returned to the worker after a successful register.
type RegisterResult struct {
	SessionID string
	NodeID    string
	ShareKey  string
}

// NodeRegistry is the set of live worker sessions keyed by session id,
// with node-id uniqueness across live sessions.
type NodeRegistry struct {
	logger log.Logger
	config *Config

	// mu guards all maps below. Callbacks and sends happen after the
	// lock is released.
	mu        sync.Mutex
	sessions  map[string]*trackedSession
	byNode    map[string]string // node id -> session id
	shareKeys map[string]*shareKeyBinding

	onSessionGone SessionGoneFn
	notify        func()
}

// NewNodeRegistry creates a node registry. The notify func wakes the
// dispatcher when capacity may have changed.
func NewNodeRegistry(logger log.Logger, config *Config, notify func()) *NodeRegistry {
	return &NodeRegistry{
		logger:    logger.Named("node_registry"),
		config:    config,
		sessions:  make(map[string]*trackedSession),
		byNode:    make(map[string]string),
		shareKeys: make(map[string]*shareKeyBinding),
		notify:    notify,
	}
}

// SetSessionGoneFn installs the requeue callback. Must be called before
// any session registers.
func (r *NodeRegistry) SetSessionGoneFn(fn SessionGoneFn) {
	r.onSessionGone = fn
}

// Register admits a worker session. A live session with the same node id
// is evicted and its jobs requeued. When a share key is supplied it must
// exist; if it was consumed into a workspace, the new session inherits
// that binding, and an unused key is spent by the register (keys are
// single use either way). Every new session receives a fresh share key.
func (r *NodeRegistry) Register(sender SessionSender, msg *structs.RegisterMessage) (*RegisterResult, error) {
	defer metrics.MeasureSince([]string{"modchain", "node_registry", "register"}, time.Now())

	if err := msg.Capabilities.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()

	workspaces := structs.WorkspaceSet(msg.WorkspaceIDs)
	if msg.ShareKey != "" {
		binding, ok := r.shareKeys[msg.ShareKey]
		if !ok {
			r.mu.Unlock()
			return nil, structs.ErrShareKeyNotFound
		}
		if binding.workspaceID != "" {
			workspaces.Insert(binding.workspaceID)
		}
		binding.consumed = true
	}

	ts := &trackedSession{
		sessionID:     uuid.Generate(),
		sender:        sender,
		capability:    msg.Capabilities.Copy(),
		limits:        msg.ResourceLimits.Copy(),
		workspaces:    workspaces,
		shareKey:      sharekey.Generate(),
		remoteControl: msg.RemoteControl,
		liveness:      structs.LivenessFresh,
		lastHeartbeat: time.Now(),
		currentJobs:   set.New[string](4),
	}

	var evicted *trackedSession
	if oldID, ok := r.byNode[ts.capability.NodeID]; ok {
		evicted = r.sessions[oldID]
		r.removeLocked(oldID)
	}

	r.sessions[ts.sessionID] = ts
	r.byNode[ts.capability.NodeID] = ts.sessionID
	r.shareKeys[ts.shareKey] = &shareKeyBinding{sessionID: ts.sessionID}

	result := &RegisterResult{
		SessionID: ts.sessionID,
		NodeID:    ts.capability.NodeID,
		ShareKey:  ts.shareKey,
	}
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("evicting older session for node",
			"node_id", result.NodeID, "old_session_id", evicted.sessionID)
		evicted.sender.Kick("superseded by newer registration")
		r.sessionGone(evicted, "superseded")
	}
	r.logger.Info("worker registered", "node_id", result.NodeID,
		"session_id", result.SessionID, "adapters", msg.Capabilities.Adapters)
	r.notify()
	return result, nil
}

// Heartbeat refreshes a session's liveness. Unknown sessions return
// structs.ErrUnknownSession; the caller replies with a re-register
// signal.
func (r *NodeRegistry) Heartbeat(sessionID string, currentJobs int) error {
	r.mu.Lock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return structs.ErrUnknownSession
	}

	ts.lastHeartbeat = time.Now()
	revived := ts.liveness != structs.LivenessFresh
	ts.liveness = structs.LivenessFresh

	// A worker-reported job count smaller than ours is expected while
	// results are in flight; a larger one is worth noticing.
	if currentJobs > ts.currentJobs.Size() {
		r.logger.Debug("worker reports more jobs than assigned",
			"session_id", sessionID, "reported", currentJobs,
			"assigned", ts.currentJobs.Size())
	}
	r.mu.Unlock()

	if revived {
		r.notify()
	}
	return nil
}

// UpdateLimits overwrites a session's resource limits and pushes the
// change to the worker.
func (r *NodeRegistry) UpdateLimits(sessionID string, limits *structs.ResourceLimits) error {
	r.mu.Lock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return structs.ErrUnknownSession
	}
	ts.limits = limits.Copy()
	sender := ts.sender
	r.mu.Unlock()

	if err := sender.SendUpdateLimits(limits); err != nil {
		r.logger.Warn("failed to push limits to worker", "session_id", sessionID, "error", err)
	}
	r.notify()
	return nil
}

// UpdateWorkspaces replaces a session's workspace bindings and pushes
// the change to the worker.
func (r *NodeRegistry) UpdateWorkspaces(sessionID string, workspaceIDs []string) error {
	r.mu.Lock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return structs.ErrUnknownSession
	}
	ts.workspaces = structs.WorkspaceSet(workspaceIDs)
	sender := ts.sender
	r.mu.Unlock()

	if err := sender.SendWorkspacesUpdated(workspaceIDs); err != nil {
		r.logger.Warn("failed to push workspaces to worker", "session_id", sessionID, "error", err)
	}
	r.notify()
	return nil
}

// ConsumeShareKey binds the session that advertised the key to the
// workspace and marks the key consumed. Single use; idempotent when the
// key was already consumed into the same workspace.
func (r *NodeRegistry) ConsumeShareKey(key, workspaceID string) (string, error) {
	defer metrics.MeasureSince([]string{"modchain", "node_registry", "consume_share_key"}, time.Now())

	r.mu.Lock()
	binding, ok := r.shareKeys[key]
	if !ok {
		r.mu.Unlock()
		return "", structs.ErrShareKeyNotFound
	}
	if binding.consumed {
		sessionID := binding.sessionID
		already := binding.workspaceID
		r.mu.Unlock()
		if already == workspaceID {
			return sessionID, nil
		}
		return "", structs.ErrShareKeyNotFound
	}

	binding.consumed = true
	binding.workspaceID = workspaceID

	ts, live := r.sessions[binding.sessionID]
	var sender SessionSender
	var workspaceIDs []string
	if live {
		ts.workspaces.Insert(workspaceID)
		sender = ts.sender
		workspaceIDs = ts.workspaces.Slice()
	}
	sessionID := binding.sessionID
	r.mu.Unlock()

	if sender != nil {
		if err := sender.SendWorkspacesUpdated(workspaceIDs); err != nil {
			r.logger.Warn("failed to push workspaces to worker",
				"session_id", sessionID, "error", err)
		}
	}
	r.notify()
	return sessionID, nil
}

// Eligible returns snapshots of fresh sessions satisfying the
// requirements, best candidate first.
func (r *NodeRegistry) Eligible(req *structs.JobRequirements) []*structs.SessionSnapshot {
	r.mu.Lock()
	var out []*structs.SessionSnapshot
	for _, ts := range r.sessions {
		if ts.liveness != structs.LivenessFresh {
			continue
		}
		snap := ts.snapshot()
		if scheduler.Matches(req, snap) {
			out = append(out, snap)
		}
	}
	r.mu.Unlock()

	scheduler.Rank(out, req.WorkspaceID)
	return out
}

// Sender returns the transport handle for a session.
func (r *NodeRegistry) Sender(sessionID string) (SessionSender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		return nil, structs.ErrUnknownSession
	}
	return ts.sender, nil
}

// TrackJob records a job reservation on the session.
func (r *NodeRegistry) TrackJob(sessionID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		return structs.ErrUnknownSession
	}
	ts.currentJobs.Insert(jobID)
	return nil
}

// UntrackJob drops a job from the session, on terminal result or
// assignment rollback.
func (r *NodeRegistry) UntrackJob(sessionID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.sessions[sessionID]; ok {
		ts.currentJobs.Remove(jobID)
	}
}

// Deregister removes a session, typically because its transport closed.
// Its jobs requeue via the session-gone callback.
func (r *NodeRegistry) Deregister(sessionID, reason string) {
	r.mu.Lock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(sessionID)
	r.mu.Unlock()

	r.logger.Info("worker session removed", "session_id", sessionID,
		"node_id", ts.capability.NodeID, "reason", reason)
	r.sessionGone(ts, reason)
	r.notify()
}

// Sweep transitions liveness based on heartbeat age and removes dead
// sessions, requeuing their jobs with reason WorkerLost.
func (r *NodeRegistry) Sweep(now time.Time) {
	defer metrics.MeasureSince([]string{"modchain", "node_registry", "sweep"}, time.Now())

	r.mu.Lock()
	var dead []*trackedSession
	for id, ts := range r.sessions {
		age := now.Sub(ts.lastHeartbeat)
		switch {
		case age <= r.config.HeartbeatFreshWindow:
			ts.liveness = structs.LivenessFresh
		case age <= r.config.HeartbeatStaleWindow:
			if ts.liveness == structs.LivenessFresh {
				r.logger.Debug("session went stale", "session_id", id,
					"node_id", ts.capability.NodeID)
			}
			ts.liveness = structs.LivenessStale
		default:
			ts.liveness = structs.LivenessDead
			dead = append(dead, ts)
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	for _, ts := range dead {
		r.logger.Warn("session dead, requeueing its jobs",
			"session_id", ts.sessionID, "node_id", ts.capability.NodeID,
			"jobs", ts.currentJobs.Size())
		ts.sender.Kick("heartbeat expired")
		r.sessionGone(ts, structs.FailureWorkerLost)
	}
}

// Snapshot returns a read-only view of one session.
func (r *NodeRegistry) Snapshot(sessionID string) (*structs.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.sessions[sessionID]
	if !ok {
		return nil, structs.ErrUnknownSession
	}
	return ts.snapshot(), nil
}

// List returns fleet stubs for the node read API.
func (r *NodeRegistry) List() []*structs.NodeListStub {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*structs.NodeListStub, 0, len(r.sessions))
	for _, ts := range r.sessions {
		out = append(out, &structs.NodeListStub{
			SessionID:     ts.sessionID,
			NodeID:        ts.capability.NodeID,
			Liveness:      ts.liveness,
			Adapters:      append([]string(nil), ts.capability.Adapters...),
			Workspaces:    ts.workspaces.Slice(),
			CurrentJobs:   ts.currentJobs.Size(),
			LastHeartbeat: ts.lastHeartbeat,
			GPUs:          len(ts.capability.GPUs),
		})
	}
	return out
}

// NumSessions returns the count of live sessions.
func (r *NodeRegistry) NumSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown kicks every session. Job requeueing is skipped; the queue
// handles shutdown separately.
func (r *NodeRegistry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*trackedSession, 0, len(r.sessions))
	for id, ts := range r.sessions {
		sessions = append(sessions, ts)
		r.removeLocked(id)
	}
	r.mu.Unlock()

	for _, ts := range sessions {
		ts.sender.Kick("orchestrator shutting down")
	}
}

// removeLocked drops the session from all maps. Unconsumed share keys
// are invalidated with the session; consumed ones stay so a reconnecting
// worker can re-bind.
func (r *NodeRegistry) removeLocked(sessionID string) {
	ts, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byNode[ts.capability.NodeID] == sessionID {
		delete(r.byNode, ts.capability.NodeID)
	}
	if binding, ok := r.shareKeys[ts.shareKey]; ok && !binding.consumed {
		delete(r.shareKeys, ts.shareKey)
	}
}

// sessionGone invokes the requeue callback outside the lock.
func (r *NodeRegistry) sessionGone(ts *trackedSession, reason string) {
	if r.onSessionGone == nil || ts.currentJobs.Size() == 0 {
		return
	}
	r.onSessionGone(ts.sessionID, ts.currentJobs.Slice(), reason)
}
