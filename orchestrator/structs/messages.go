// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"encoding/json"
	"fmt"
)

// Worker protocol message types. Every frame on the worker stream is one
// JSON object carrying a "type" field.
const (
	// Inbound from the worker.
	MsgTypeRegister    = "register"
	MsgTypeHeartbeat   = "heartbeat"
	MsgTypeJobResult   = "job_result"
	MsgTypeJobProgress = "job_progress"

	// Outbound to the worker.
	MsgTypeRegistered        = "registered"
	MsgTypeJobAssignment     = "job_assignment"
	MsgTypeJobCancelled      = "job_cancelled"
	MsgTypeUpdateLimits      = "update_limits"
	MsgTypeWorkspacesUpdated = "workspaces_updated"
	MsgTypeReRegister        = "re_register"
	MsgTypeError             = "error"
)

// envelope is used to peek at the type tag before decoding the full
// message.
type envelope struct {
	Type string `json:"type"`
}

// RegisterMessage opens a worker session. Only valid during handshake.
type RegisterMessage struct {
	Type           string          `json:"type"`
	Capabilities   *NodeCapability `json:"capabilities"`
	WorkspaceIDs   []string        `json:"workspace_ids,omitempty"`
	ShareKey       string          `json:"share_key,omitempty"`
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty"`
	RemoteControl  bool            `json:"remote_control,omitempty"`
}

// RegisteredMessage is the one-shot reply to a successful register.
type RegisteredMessage struct {
	Type     string `json:"type"`
	NodeID   string `json:"node_id"`
	ShareKey string `json:"share_key"`
}

// HeartbeatMessage is the worker's periodic liveness signal. One-way; no
// ack.
type HeartbeatMessage struct {
	Type        string `json:"type"`
	Available   bool   `json:"available"`
	CurrentJobs int    `json:"current_jobs"`
}

// JobResultMessage is the worker's terminal report for an assigned job.
type JobResultMessage struct {
	Type            string                 `json:"type"`
	JobID           string                 `json:"job_id"`
	Status          string                 `json:"status"`
	Error           string                 `json:"error,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	ActualCostCents int64                  `json:"actual_cost_cents,omitempty"`
}

// Job result statuses a worker may report. A cancelled job may come back
// as either failed or cancelled; both are accepted as terminal.
const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
	ResultStatusCancelled = "cancelled"
)

// JobProgressMessage optionally transitions a job to running.
type JobProgressMessage struct {
	Type    string                 `json:"type"`
	JobID   string                 `json:"job_id"`
	State   string                 `json:"state"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// AssignedJob is the job view sent inside an assignment message.
type AssignedJob struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Payload     *JobPayload `json:"payload"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	TimeoutSecs int         `json:"timeout_seconds,omitempty"`
}

// JobAssignmentMessage dispatches a job to the worker.
type JobAssignmentMessage struct {
	Type string       `json:"type"`
	Job  *AssignedJob `json:"job"`
}

// JobCancelledMessage instructs the worker to abort a job. The worker
// eventually replies with a terminal job_result.
type JobCancelledMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// UpdateLimitsMessage pushes new resource limits to the worker.
type UpdateLimitsMessage struct {
	Type   string          `json:"type"`
	Limits *ResourceLimits `json:"limits"`
}

// WorkspacesUpdatedMessage reflects an administrative workspace-binding
// change.
type WorkspacesUpdatedMessage struct {
	Type         string   `json:"type"`
	WorkspaceIDs []string `json:"workspace_ids"`
}

// ReRegisterMessage tells a worker the orchestrator no longer tracks its
// session; the worker re-registers with its cached capability record.
type ReRegisterMessage struct {
	Type string `json:"type"`
}

// ErrorMessage is a soft protocol error; the session stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeMessage decodes one wire frame into its concrete message type.
func DecodeMessage(raw []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case MsgTypeRegister:
		msg = &RegisterMessage{}
	case MsgTypeHeartbeat:
		msg = &HeartbeatMessage{}
	case MsgTypeJobResult:
		msg = &JobResultMessage{}
	case MsgTypeJobProgress:
		msg = &JobProgressMessage{}
	case MsgTypeRegistered:
		msg = &RegisteredMessage{}
	case MsgTypeJobAssignment:
		msg = &JobAssignmentMessage{}
	case MsgTypeJobCancelled:
		msg = &JobCancelledMessage{}
	case MsgTypeUpdateLimits:
		msg = &UpdateLimitsMessage{}
	case MsgTypeWorkspacesUpdated:
		msg = &WorkspacesUpdatedMessage{}
	case MsgTypeReRegister:
		msg = &ReRegisterMessage{}
	case MsgTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
	}
	return msg, nil
}

// EncodeMessage encodes a message for the wire.
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}
