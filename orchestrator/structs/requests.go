// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

// JobSubmitRequest is the input to job queue submission. Deployment and
// flow-node ids are set by the flow engine; standalone job submitters
// leave them empty.
type JobSubmitRequest struct {
	ClientID    string
	AccountID   string
	WorkspaceID string

	DeploymentID string
	FlowNodeID   string

	Requirements *JobRequirements
	Payload      *JobPayload

	TimeoutSeconds int
}

// FlowSubmitOptions tune a flow deployment submission.
type FlowSubmitOptions struct {
	// DryRun validates and records the deployment, then marks it
	// completed without submitting any jobs.
	DryRun bool `json:"dry_run,omitempty"`

	// Priority is accepted and recorded but not acted on by the core
	// scheduler.
	Priority int `json:"priority,omitempty"`

	// MaxCostCents caps every node's requirement-table cost when set.
	MaxCostCents int64 `json:"max_cost_cents,omitempty"`
}

// FlowSubmission is the input to flow deployment.
type FlowSubmission struct {
	FlowID      string            `json:"flow_id"`
	Name        string            `json:"name"`
	ClientID    string            `json:"client_id"`
	AccountID   string            `json:"account_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Nodes       []*FlowNode       `json:"nodes"`
	Connections []*FlowConnection `json:"connections"`

	// ResolvedCredentials maps credential id to decrypted material,
	// resolved by the credential vault before submission. Values are
	// opaque to the scheduler.
	ResolvedCredentials map[string]interface{} `json:"resolved_credentials,omitempty"`

	Options FlowSubmitOptions `json:"options,omitzero"`
}
