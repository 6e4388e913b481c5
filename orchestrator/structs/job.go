// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"time"
)

// JobStatus is the scheduler-visible lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending means the job is waiting for an eligible worker.
	JobStatusPending JobStatus = "pending"

	// JobStatusReserved means the matcher picked a session but the
	// assignment message has not been sent yet.
	JobStatusReserved JobStatus = "reserved"

	// JobStatusAssigned means the assignment message was delivered.
	JobStatusAssigned JobStatus = "assigned"

	// JobStatusRunning means the worker signalled progress.
	JobStatusRunning JobStatus = "running"

	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// CPURequirement is the processor ask of a job.
type CPURequirement struct {
	MinCores int `json:"min_cores"`
}

// MemoryRequirement is the RAM ask of a job in megabytes.
type MemoryRequirement struct {
	MinMB int64 `json:"min_mb"`
}

// GPURequirement is the optional GPU ask of a job. Count devices, each
// with at least MinVRAMMB of effective VRAM and supporting every API in
// Requires.
type GPURequirement struct {
	Count     int          `json:"count"`
	MinVRAMMB int64        `json:"min_vram_mb"`
	Requires  []ComputeAPI `json:"requires,omitempty"`
}

// JobRequirements describes what a job needs from a worker. WorkspaceID,
// when set, is an affinity constraint: the job must run on a worker bound
// to that workspace or on a public worker.
type JobRequirements struct {
	CPU          CPURequirement    `json:"cpu"`
	Memory       MemoryRequirement `json:"memory"`
	GPU          *GPURequirement   `json:"gpu,omitempty"`
	Adapter      string            `json:"adapter"`
	MaxCostCents int64             `json:"max_cost_cents"`
	Currency     string            `json:"currency"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
}

// Copy returns a deep copy of the requirements.
func (r *JobRequirements) Copy() *JobRequirements {
	if r == nil {
		return nil
	}
	nr := *r
	if r.GPU != nil {
		g := *r.GPU
		g.Requires = append([]ComputeAPI(nil), r.GPU.Requires...)
		nr.GPU = &g
	}
	return &nr
}

// Merge overlays non-zero fields of other onto a copy of r. Used to apply
// per-module requirement entries over the DEFAULT entry.
func (r *JobRequirements) Merge(other *JobRequirements) *JobRequirements {
	nr := r.Copy()
	if other == nil {
		return nr
	}
	if other.CPU.MinCores > 0 {
		nr.CPU.MinCores = other.CPU.MinCores
	}
	if other.Memory.MinMB > 0 {
		nr.Memory.MinMB = other.Memory.MinMB
	}
	if other.GPU != nil {
		g := *other.GPU
		g.Requires = append([]ComputeAPI(nil), other.GPU.Requires...)
		nr.GPU = &g
	}
	if other.Adapter != "" {
		nr.Adapter = other.Adapter
	}
	if other.MaxCostCents > 0 {
		nr.MaxCostCents = other.MaxCostCents
	}
	if other.Currency != "" {
		nr.Currency = other.Currency
	}
	return nr
}

// Validate checks a job's requirements before enqueue.
func (r *JobRequirements) Validate() error {
	if r == nil {
		return fmt.Errorf("missing job requirements")
	}
	if r.Adapter == "" {
		return fmt.Errorf("missing required adapter")
	}
	if r.CPU.MinCores < 0 || r.Memory.MinMB < 0 {
		return fmt.Errorf("negative resource requirement")
	}
	if r.GPU != nil && r.GPU.Count <= 0 {
		return fmt.Errorf("gpu requirement with non-positive count")
	}
	return nil
}

// Job payload kinds. The scheduler treats payloads as opaque tagged
// values; module execution is currently the only kind.
const (
	JobTypeModuleExecution = "module-execution"
)

// ModuleExecutionPayload carries everything a worker needs to run one
// flow node's module.
type ModuleExecutionPayload struct {
	ModuleID      string                 `json:"module_id"`
	ModuleVersion string                 `json:"module_version,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Credentials   map[string]interface{} `json:"credentials,omitempty"`
	Inputs        map[string]interface{} `json:"inputs,omitempty"`
}

// JobPayload is the tagged payload value. Future job kinds add a variant
// without touching the scheduler.
type JobPayload struct {
	Type            string                  `json:"type"`
	ModuleExecution *ModuleExecutionPayload `json:"module_execution,omitempty"`
}

// JobResult is the terminal outcome a worker reports.
type JobResult struct {
	Success         bool                   `json:"success"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ActualCostCents int64                  `json:"actual_cost_cents"`
}

// Job is one schedulable unit of work. The queue owns the authoritative
// copy; deployments reference jobs by id only.
type Job struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	AccountID   string `json:"account_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	// DeploymentID and FlowNodeID are weak references back to the flow
	// deployment that spawned this job, empty for standalone jobs.
	DeploymentID string `json:"deployment_id,omitempty"`
	FlowNodeID   string `json:"flow_node_id,omitempty"`

	Requirements *JobRequirements `json:"requirements"`
	Payload      *JobPayload      `json:"payload"`

	TimeoutSeconds int       `json:"timeout_seconds"`
	Status         JobStatus `json:"status"`

	// AssignedSession is the session currently holding the job, set while
	// reserved/assigned/running.
	AssignedSession string `json:"assigned_session,omitempty"`

	// ReservationID holds the accounts reservation; empty when the job was
	// submitted without an account.
	ReservationID string `json:"-"`

	Attempts int `json:"attempts"`

	// FailureReason distinguishes worker-reported failures from
	// orchestrator-side ones (worker lost, timed out).
	FailureReason string `json:"failure_reason,omitempty"`

	CreateTime   time.Time `json:"create_time"`
	AssignTime   time.Time `json:"assign_time,omitzero"`
	CompleteTime time.Time `json:"complete_time,omitzero"`

	Result *JobResult `json:"result,omitempty"`
}

// Copy returns a deep-enough copy of the job for snapshot reads. Payload
// and result values are shared; they are never mutated after creation.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := *j
	nj.Requirements = j.Requirements.Copy()
	return &nj
}

// Timeout returns the job's timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Terminal reports whether the job reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// JobListFilter narrows job listings; zero fields match everything.
type JobListFilter struct {
	ClientID     string
	DeploymentID string
	Status       JobStatus
}

// Match reports whether the job passes the filter.
func (f *JobListFilter) Match(j *Job) bool {
	if f == nil {
		return true
	}
	if f.ClientID != "" && j.ClientID != f.ClientID {
		return false
	}
	if f.DeploymentID != "" && j.DeploymentID != f.DeploymentID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}
