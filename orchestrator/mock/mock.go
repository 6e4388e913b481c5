// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package mock holds test fixtures shared by the orchestrator packages.
package mock

import (
	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// NodeCapability returns a mid-size docker-capable worker profile.
func NodeCapability() *structs.NodeCapability {
	return &structs.NodeCapability{
		NodeID:   uuid.Generate(),
		CPU:      structs.CPUSpec{Model: "mock-cpu", Cores: 8, Threads: 16},
		Memory:   structs.MemorySpec{TotalMB: 16384, AvailableMB: 12288},
		Storage:  structs.StorageSpec{TotalGB: 256, AvailableGB: 200},
		Adapters: []string{"docker", "shell"},
	}
}

// GPUNodeCapability returns a worker profile with one CUDA GPU.
func GPUNodeCapability() *structs.NodeCapability {
	c := NodeCapability()
	c.GPUs = []structs.GPUSpec{{
		Vendor:   structs.GPUVendorNvidia,
		Model:    "mock-gpu",
		VRAMMB:   24576,
		Supports: []structs.ComputeAPI{structs.ComputeAPICUDA},
	}}
	c.Adapters = append(c.Adapters, "llm-inference")
	return c
}

// RegisterMessage wraps a capability in a worker register frame.
func RegisterMessage(cap *structs.NodeCapability) *structs.RegisterMessage {
	if cap == nil {
		cap = NodeCapability()
	}
	return &structs.RegisterMessage{
		Type:          structs.MsgTypeRegister,
		Capabilities:  cap,
		RemoteControl: true,
	}
}

// JobSubmitRequest returns a small standalone docker job submission.
func JobSubmitRequest() *structs.JobSubmitRequest {
	return &structs.JobSubmitRequest{
		ClientID: "client-" + uuid.Short(),
		Requirements: &structs.JobRequirements{
			CPU:          structs.CPURequirement{MinCores: 1},
			Memory:       structs.MemoryRequirement{MinMB: 512},
			Adapter:      "docker",
			MaxCostCents: 100,
			Currency:     "USD",
		},
		Payload: &structs.JobPayload{
			Type: structs.JobTypeModuleExecution,
			ModuleExecution: &structs.ModuleExecutionPayload{
				ModuleID: "shell-exec",
				Config:   map[string]interface{}{"command": "true"},
			},
		},
	}
}

// LinearFlow returns a three-node chain a -> b -> c.
func LinearFlow() *structs.FlowSubmission {
	return &structs.FlowSubmission{
		FlowID:   uuid.Generate(),
		Name:     "linear",
		ClientID: "client-" + uuid.Short(),
		Nodes: []*structs.FlowNode{
			{ID: "a", ModuleID: "shell-exec"},
			{ID: "b", ModuleID: "shell-exec"},
			{ID: "c", ModuleID: "shell-exec"},
		},
		Connections: []*structs.FlowConnection{
			{SourceNode: "a", TargetNode: "b"},
			{SourceNode: "b", TargetNode: "c"},
		},
	}
}

// DiamondFlow returns a fan-out/fan-in graph a -> (b, c) -> d.
func DiamondFlow() *structs.FlowSubmission {
	return &structs.FlowSubmission{
		FlowID:   uuid.Generate(),
		Name:     "diamond",
		ClientID: "client-" + uuid.Short(),
		Nodes: []*structs.FlowNode{
			{ID: "a", ModuleID: "shell-exec"},
			{ID: "b", ModuleID: "shell-exec"},
			{ID: "c", ModuleID: "shell-exec"},
			{ID: "d", ModuleID: "shell-exec"},
		},
		Connections: []*structs.FlowConnection{
			{SourceNode: "a", TargetNode: "b"},
			{SourceNode: "a", TargetNode: "c"},
			{SourceNode: "b", TargetNode: "d"},
			{SourceNode: "c", TargetNode: "d"},
		},
	}
}

// ConditionalFlow returns a -> b gated on a's "ok" output being true,
// with c downstream of b.
func ConditionalFlow() *structs.FlowSubmission {
	return &structs.FlowSubmission{
		FlowID:   uuid.Generate(),
		Name:     "conditional",
		ClientID: "client-" + uuid.Short(),
		Nodes: []*structs.FlowNode{
			{ID: "a", ModuleID: "shell-exec"},
			{ID: "b", ModuleID: "shell-exec"},
			{ID: "c", ModuleID: "shell-exec"},
		},
		Connections: []*structs.FlowConnection{
			{
				SourceNode: "a",
				TargetNode: "b",
				Condition: &structs.EdgeCondition{
					Field: "ok",
					Op:    structs.ConditionEq,
					Value: true,
				},
			},
			{SourceNode: "b", TargetNode: "c"},
		},
	}
}

// CyclicFlow returns a two-node cycle, rejected at validation.
func CyclicFlow() *structs.FlowSubmission {
	return &structs.FlowSubmission{
		FlowID:   uuid.Generate(),
		Name:     "cyclic",
		ClientID: "client-" + uuid.Short(),
		Nodes: []*structs.FlowNode{
			{ID: "a", ModuleID: "shell-exec"},
			{ID: "b", ModuleID: "shell-exec"},
		},
		Connections: []*structs.FlowConnection{
			{SourceNode: "a", TargetNode: "b"},
			{SourceNode: "b", TargetNode: "a"},
		},
	}
}

// Deployment returns a minimal persisted deployment record.
func Deployment() *structs.Deployment {
	sub := LinearFlow()
	d := &structs.Deployment{
		ID:          uuid.Generate(),
		FlowID:      sub.FlowID,
		Name:        sub.Name,
		ClientID:    sub.ClientID,
		Nodes:       sub.Nodes,
		Connections: sub.Connections,
		Status:      structs.DeploymentStatusPending,
		NodeStatus:  make(map[string]*structs.NodeExecStatus, len(sub.Nodes)),
		NodeJobs:    make(map[string]string),
	}
	for _, n := range d.Nodes {
		d.NodeStatus[n.ID] = &structs.NodeExecStatus{Status: structs.NodeRunPending}
	}
	return d
}
