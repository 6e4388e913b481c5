// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"encoding/json"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

// Default port names for flow connections.
const (
	DefaultSourcePort = "output"
	DefaultTargetPort = "input"
)

// CredentialRef points a flow node at an entry in the deployment's
// resolved-credentials map.
type CredentialRef struct {
	CredentialID string `json:"credential_id"`
	Type         string `json:"type,omitempty"`
}

// FlowNode is one module-execution node within a flow. IDs are scoped to
// the flow. Position is editor state and passes through untouched.
type FlowNode struct {
	ID             string                    `json:"id"`
	ModuleID       string                    `json:"module_id"`
	ModuleVersion  string                    `json:"module_version,omitempty"`
	Position       json.RawMessage           `json:"position,omitempty"`
	Config         map[string]interface{}    `json:"config,omitempty"`
	CredentialRefs map[string]*CredentialRef `json:"credential_refs,omitempty"`
}

// FlowConnection is a directed edge between two flow nodes. Transform is
// opaque to the scheduler.
type FlowConnection struct {
	SourceNode string          `json:"source_node"`
	SourcePort string          `json:"source_port,omitempty"`
	TargetNode string          `json:"target_node"`
	TargetPort string          `json:"target_port,omitempty"`
	Transform  json.RawMessage `json:"transform,omitempty"`
	Condition  *EdgeCondition  `json:"condition,omitempty"`
}

// Canonicalize fills in default port names.
func (c *FlowConnection) Canonicalize() {
	if c.SourcePort == "" {
		c.SourcePort = DefaultSourcePort
	}
	if c.TargetPort == "" {
		c.TargetPort = DefaultTargetPort
	}
}

// NodeRunStatus is the per-node execution state within a deployment.
type NodeRunStatus string

const (
	NodeRunPending   NodeRunStatus = "pending"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
)

// Terminal reports whether the node status admits no further transitions.
func (s NodeRunStatus) Terminal() bool {
	switch s {
	case NodeRunCompleted, NodeRunFailed, NodeRunSkipped:
		return true
	default:
		return false
	}
}

// NodeExecStatus tracks one flow node's execution inside a deployment.
type NodeExecStatus struct {
	Status      NodeRunStatus          `json:"status"`
	JobID       string                 `json:"job_id,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitzero"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
	Error       string                 `json:"error,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
}

// Copy returns a copy of the node status. Output maps are shared; they
// are never mutated after being recorded.
func (n *NodeExecStatus) Copy() *NodeExecStatus {
	if n == nil {
		return nil
	}
	nn := *n
	return &nn
}

// DeploymentStatus is the lifecycle state of one flow deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusCompleted DeploymentStatus = "completed"
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether the deployment status admits no further
// transitions.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusCompleted, DeploymentStatusFailed, DeploymentStatusCancelled:
		return true
	default:
		return false
	}
}

// Deployment is one execution of a flow. Nodes and connections are
// value-copied at submit time so later flow edits cannot affect a live
// deployment. All cross references are by id.
type Deployment struct {
	ID          string `json:"id"`
	FlowID      string `json:"flow_id"`
	Name        string `json:"name"`
	ClientID    string `json:"client_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	Nodes       []*FlowNode       `json:"nodes"`
	Connections []*FlowConnection `json:"connections"`

	Status     DeploymentStatus           `json:"status"`
	NodeStatus map[string]*NodeExecStatus `json:"node_status"`

	// NodeJobs maps flow node id to the id of the job spawned for it.
	NodeJobs map[string]string `json:"node_jobs,omitempty"`

	// TotalCostCents is the monotonic sum of per-node actual costs.
	TotalCostCents int64 `json:"total_cost_cents"`

	Error string `json:"error,omitempty"`

	CreateTime   time.Time `json:"create_time"`
	UpdateTime   time.Time `json:"update_time"`
	CompleteTime time.Time `json:"complete_time,omitzero"`
}

// Node returns the flow node with the given id, or nil.
func (d *Deployment) Node(id string) *FlowNode {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Terminal reports whether the deployment reached a terminal status.
func (d *Deployment) Terminal() bool {
	return d.Status.Terminal()
}

// Copy returns a copy of the deployment suitable for snapshot reads.
// Nodes and connections are immutable after submit and shared.
func (d *Deployment) Copy() *Deployment {
	if d == nil {
		return nil
	}
	nd := *d
	nd.NodeStatus = make(map[string]*NodeExecStatus, len(d.NodeStatus))
	for id, ns := range d.NodeStatus {
		nd.NodeStatus[id] = ns.Copy()
	}
	nd.NodeJobs = make(map[string]string, len(d.NodeJobs))
	for id, jid := range d.NodeJobs {
		nd.NodeJobs[id] = jid
	}
	return &nd
}

// Validate checks node ids, connection endpoints, and acyclicity. A
// deployment failing validation is never created.
func (d *Deployment) Validate() error {
	var mErr multierror.Error

	if d.ClientID == "" {
		_ = multierror.Append(&mErr, fmt.Errorf("missing client id"))
	}
	if len(d.Nodes) == 0 {
		_ = multierror.Append(&mErr, fmt.Errorf("flow has no nodes"))
	}

	ids := set.New[string](len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			_ = multierror.Append(&mErr, fmt.Errorf("node %d missing id", i))
			continue
		}
		if n.ModuleID == "" {
			_ = multierror.Append(&mErr, fmt.Errorf("node %q missing module id", n.ID))
		}
		if !ids.Insert(n.ID) {
			_ = multierror.Append(&mErr, fmt.Errorf("duplicate node id %q", n.ID))
		}
	}

	for _, c := range d.Connections {
		if !ids.Contains(c.SourceNode) {
			_ = multierror.Append(&mErr, fmt.Errorf("connection references unknown source node %q", c.SourceNode))
		}
		if !ids.Contains(c.TargetNode) {
			_ = multierror.Append(&mErr, fmt.Errorf("connection references unknown target node %q", c.TargetNode))
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	if _, err := NewFlowGraph(d.Nodes, d.Connections); err != nil {
		return err
	}
	return nil
}

// FlowGraph is the adjacency view of a flow built at deployment-submit
// time. It holds no pointers back into the deployment beyond the shared
// immutable node and connection records.
type FlowGraph struct {
	order    []string
	inEdges  map[string][]*FlowConnection
	outEdges map[string][]*FlowConnection
}

// NewFlowGraph builds the adjacency table and verifies the connections
// form a DAG using Kahn's algorithm. Returns ErrCycleDetected otherwise.
func NewFlowGraph(nodes []*FlowNode, conns []*FlowConnection) (*FlowGraph, error) {
	g := &FlowGraph{
		inEdges:  make(map[string][]*FlowConnection, len(nodes)),
		outEdges: make(map[string][]*FlowConnection, len(nodes)),
	}

	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, c := range conns {
		c.Canonicalize()
		g.outEdges[c.SourceNode] = append(g.outEdges[c.SourceNode], c)
		g.inEdges[c.TargetNode] = append(g.inEdges[c.TargetNode], c)
		indegree[c.TargetNode]++
	}

	// Kahn's algorithm. Seed with the zero-indegree roots in node order so
	// the resulting topological order is deterministic.
	var queue []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, out := range g.outEdges[id] {
			indegree[out.TargetNode]--
			if indegree[out.TargetNode] == 0 {
				queue = append(queue, out.TargetNode)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, ErrCycleDetected
	}
	g.order = order
	return g, nil
}

// TopoOrder returns the node ids in a topological order.
func (g *FlowGraph) TopoOrder() []string {
	return g.order
}

// Incoming returns the connections terminating at the node.
func (g *FlowGraph) Incoming(nodeID string) []*FlowConnection {
	return g.inEdges[nodeID]
}

// Outgoing returns the connections originating at the node.
func (g *FlowGraph) Outgoing(nodeID string) []*FlowConnection {
	return g.outEdges[nodeID]
}

// Predecessors returns the distinct source node ids of the node's
// incoming connections.
func (g *FlowGraph) Predecessors(nodeID string) []string {
	seen := set.New[string](4)
	var out []string
	for _, c := range g.inEdges[nodeID] {
		if seen.Insert(c.SourceNode) {
			out = append(out, c.SourceNode)
		}
	}
	return out
}

// Downstream returns every node transitively reachable from the given
// node, excluding the node itself.
func (g *FlowGraph) Downstream(nodeID string) *set.Set[string] {
	reached := set.New[string](8)
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.outEdges[id] {
			if reached.Insert(c.TargetNode) {
				stack = append(stack, c.TargetNode)
			}
		}
	}
	return reached
}

// DeploymentListStub is the listing view of a deployment.
type DeploymentListStub struct {
	ID             string           `json:"id"`
	FlowID         string           `json:"flow_id"`
	Name           string           `json:"name"`
	ClientID       string           `json:"client_id"`
	WorkspaceID    string           `json:"workspace_id,omitempty"`
	Status         DeploymentStatus `json:"status"`
	TotalCostCents int64            `json:"total_cost_cents"`
	CreateTime     time.Time        `json:"create_time"`
	CompleteTime   time.Time        `json:"complete_time,omitzero"`
}

// Stub returns the listing view of the deployment.
func (d *Deployment) Stub() *DeploymentListStub {
	return &DeploymentListStub{
		ID:             d.ID,
		FlowID:         d.FlowID,
		Name:           d.Name,
		ClientID:       d.ClientID,
		WorkspaceID:    d.WorkspaceID,
		Status:         d.Status,
		TotalCostCents: d.TotalCostCents,
		CreateTime:     d.CreateTime,
		CompleteTime:   d.CompleteTime,
	}
}

// DeploymentStats aggregates deployment counts by status.
type DeploymentStats struct {
	Pending   int `json:"pending"`
	Deploying int `json:"deploying"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
