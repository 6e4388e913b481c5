// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// MessageConn is the framed transport a worker session runs over. The
// agent layer wraps a websocket connection; tests use in-memory pipes.
// One message per frame.
type MessageConn interface {
	// ReadMessage blocks for the next inbound frame.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one frame. Implementations apply their own
	// write deadlines.
	WriteMessage(data []byte) error

	// Close tears down the transport; a blocked ReadMessage returns.
	Close() error
}

// sessionState tracks the protocol state machine.
type sessionState int

const (
	sessionHandshake sessionState = iota
	sessionRegistered
	sessionClosed
)

// WorkerSession drives the message exchange with one connected worker.
// The read loop runs on its own goroutine; sends may come from any
// goroutine and are serialized by the write lock.
type WorkerSession struct {
	logger   log.Logger
	conn     MessageConn
	registry *NodeRegistry
	queue    *JobQueue

	// writeMu serializes frames onto the transport.
	writeMu sync.Mutex

	// mu guards the state machine fields.
	mu        sync.Mutex
	state     sessionState
	sessionID string
	nodeID    string
}

// NewWorkerSession wraps a freshly-accepted transport. The session is in
// handshake until the worker registers.
func NewWorkerSession(logger log.Logger, conn MessageConn, registry *NodeRegistry, queue *JobQueue) *WorkerSession {
	return &WorkerSession{
		logger:   logger.Named("worker_session"),
		conn:     conn,
		registry: registry,
		queue:    queue,
	}
}

// Run reads inbound frames until the transport closes, then deregisters
// the session so its jobs requeue. Blocks; callers run it on a dedicated
// goroutine.
func (s *WorkerSession) Run() {
	defer s.teardown()

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("session transport closed", "session_id", s.SessionID(), "error", err)
			return
		}

		msg, err := structs.DecodeMessage(raw)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "session_id", s.SessionID(), "error", err)
			_ = s.SendError(err.Error())
			continue
		}

		if err := s.handle(msg); err != nil {
			s.logger.Warn("message handling failed", "session_id", s.SessionID(), "error", err)
			_ = s.SendError(err.Error())
		}
	}
}

// handle dispatches one decoded inbound message against the state
// machine.
func (s *WorkerSession) handle(msg interface{}) error {
	switch m := msg.(type) {
	case *structs.RegisterMessage:
		return s.handleRegister(m)
	case *structs.HeartbeatMessage:
		return s.handleHeartbeat(m)
	case *structs.JobResultMessage:
		return s.handleJobResult(m)
	case *structs.JobProgressMessage:
		return s.handleJobProgress(m)
	default:
		return fmt.Errorf("unexpected message type %T from worker", msg)
	}
}

func (s *WorkerSession) handleRegister(msg *structs.RegisterMessage) error {
	s.mu.Lock()
	if s.state != sessionHandshake {
		s.mu.Unlock()
		return fmt.Errorf("register is only valid during handshake")
	}
	s.mu.Unlock()

	result, err := s.registry.Register(s, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = sessionRegistered
	s.sessionID = result.SessionID
	s.nodeID = result.NodeID
	s.mu.Unlock()

	return s.send(&structs.RegisteredMessage{
		Type:     structs.MsgTypeRegistered,
		NodeID:   result.NodeID,
		ShareKey: result.ShareKey,
	})
}

func (s *WorkerSession) handleHeartbeat(msg *structs.HeartbeatMessage) error {
	sessionID, ok := s.registered()
	if !ok {
		return fmt.Errorf("heartbeat before register")
	}

	err := s.registry.Heartbeat(sessionID, msg.CurrentJobs)
	if errors.Is(err, structs.ErrUnknownSession) {
		// The registry swept this session away; tell the worker to come
		// back with its cached capability record.
		return s.SendReRegister()
	}
	return err
}

func (s *WorkerSession) handleJobResult(msg *structs.JobResultMessage) error {
	sessionID, ok := s.registered()
	if !ok {
		return fmt.Errorf("job result before register")
	}
	// Unknown-job and wrong-session results are logged and swallowed by
	// the queue; they are not protocol errors.
	_ = s.queue.OnResult(sessionID, msg)
	return nil
}

func (s *WorkerSession) handleJobProgress(msg *structs.JobProgressMessage) error {
	sessionID, ok := s.registered()
	if !ok {
		return fmt.Errorf("job progress before register")
	}
	s.queue.OnProgress(sessionID, msg.JobID)
	return nil
}

// registered returns the session id when past handshake.
func (s *WorkerSession) registered() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.state == sessionRegistered
}

// SessionID returns the server-assigned id, empty during handshake.
func (s *WorkerSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// NodeID returns the worker-chosen node id, empty during handshake.
func (s *WorkerSession) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// teardown runs when the read loop exits: close the transport and hand
// the session's jobs back to the queue via deregistration.
func (s *WorkerSession) teardown() {
	_ = s.conn.Close()

	s.mu.Lock()
	wasRegistered := s.state == sessionRegistered
	s.state = sessionClosed
	sessionID := s.sessionID
	s.mu.Unlock()

	if wasRegistered {
		s.registry.Deregister(sessionID, "transport closed")
	}
}

// send serializes one frame onto the transport.
func (s *WorkerSession) send(msg interface{}) error {
	raw, err := structs.EncodeMessage(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(raw)
}

// SendAssignment dispatches a job to the worker. Part of SessionSender.
func (s *WorkerSession) SendAssignment(job *structs.Job) error {
	if _, ok := s.registered(); !ok {
		return fmt.Errorf("cannot assign during handshake")
	}
	return s.send(&structs.JobAssignmentMessage{
		Type: structs.MsgTypeJobAssignment,
		Job: &structs.AssignedJob{
			ID:          job.ID,
			Type:        job.Payload.Type,
			Payload:     job.Payload,
			WorkspaceID: job.WorkspaceID,
			TimeoutSecs: job.TimeoutSeconds,
		},
	})
}

// SendCancellation instructs the worker to abort a job.
func (s *WorkerSession) SendCancellation(jobID string) error {
	return s.send(&structs.JobCancelledMessage{
		Type:  structs.MsgTypeJobCancelled,
		JobID: jobID,
	})
}

// SendUpdateLimits pushes new resource limits.
func (s *WorkerSession) SendUpdateLimits(limits *structs.ResourceLimits) error {
	return s.send(&structs.UpdateLimitsMessage{
		Type:   structs.MsgTypeUpdateLimits,
		Limits: limits,
	})
}

// SendWorkspacesUpdated reflects a workspace-binding change.
func (s *WorkerSession) SendWorkspacesUpdated(workspaceIDs []string) error {
	return s.send(&structs.WorkspacesUpdatedMessage{
		Type:         structs.MsgTypeWorkspacesUpdated,
		WorkspaceIDs: workspaceIDs,
	})
}

// SendReRegister signals the worker that its session is gone.
func (s *WorkerSession) SendReRegister() error {
	return s.send(&structs.ReRegisterMessage{Type: structs.MsgTypeReRegister})
}

// SendError sends a soft error; the session stays open.
func (s *WorkerSession) SendError(msg string) error {
	return s.send(&structs.ErrorMessage{
		Type:    structs.MsgTypeError,
		Message: msg,
	})
}

// Kick force-closes the transport. The read loop unblocks and tears the
// session down.
func (s *WorkerSession) Kick(reason string) {
	_ = s.SendError(reason)
	_ = s.conn.Close()
}
