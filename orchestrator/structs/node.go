// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-set/v3"
)

// GPUVendor identifies the manufacturer of an advertised GPU.
type GPUVendor string

const (
	GPUVendorNvidia  GPUVendor = "nvidia"
	GPUVendorAMD     GPUVendor = "amd"
	GPUVendorApple   GPUVendor = "apple"
	GPUVendorIntel   GPUVendor = "intel"
	GPUVendorUnknown GPUVendor = "unknown"
)

// ComputeAPI is a GPU compute interface a device supports.
type ComputeAPI string

const (
	ComputeAPICUDA   ComputeAPI = "cuda"
	ComputeAPIROCm   ComputeAPI = "rocm"
	ComputeAPIVulkan ComputeAPI = "vulkan"
	ComputeAPIMetal  ComputeAPI = "metal"
	ComputeAPIOpenCL ComputeAPI = "opencl"
)

// SessionLiveness describes how recently a worker session heartbeat.
type SessionLiveness string

const (
	// LivenessFresh means the last heartbeat arrived within the fresh
	// window and the session is eligible for new assignments.
	LivenessFresh SessionLiveness = "fresh"

	// LivenessStale means the heartbeat is overdue but the session is not
	// yet considered gone. No new assignments are made.
	LivenessStale SessionLiveness = "stale"

	// LivenessDead means the session missed the stale window too; the
	// registry removes it and requeues its jobs.
	LivenessDead SessionLiveness = "dead"
)

// CPUSpec describes a worker's processor.
type CPUSpec struct {
	Model    string   `json:"model"`
	Cores    int      `json:"cores"`
	Threads  int      `json:"threads"`
	Features []string `json:"features,omitempty"`
}

// MemorySpec describes a worker's RAM in megabytes.
type MemorySpec struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
}

// StorageSpec describes a worker's disk in gigabytes.
type StorageSpec struct {
	TotalGB     int64 `json:"total_gb"`
	AvailableGB int64 `json:"available_gb"`
}

// GPUSpec describes one GPU a worker advertises. Order within the
// capability record is the worker's device order.
type GPUSpec struct {
	Vendor   GPUVendor    `json:"vendor"`
	Model    string       `json:"model"`
	VRAMMB   int64        `json:"vram_mb"`
	Supports []ComputeAPI `json:"supports,omitempty"`
}

// SupportsAll reports whether the GPU supports every API in requires.
func (g *GPUSpec) SupportsAll(requires []ComputeAPI) bool {
	for _, r := range requires {
		found := false
		for _, s := range g.Supports {
			if s == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NodeCapability is the immutable hardware and adapter record a worker
// presents at registration. The NodeID is worker-chosen and opaque.
type NodeCapability struct {
	NodeID   string      `json:"node_id"`
	CPU      CPUSpec     `json:"cpu"`
	Memory   MemorySpec  `json:"memory"`
	Storage  StorageSpec `json:"storage"`
	GPUs     []GPUSpec   `json:"gpus,omitempty"`
	Adapters []string    `json:"adapters"`
}

// Validate checks the capability record for the fields registration
// requires.
func (c *NodeCapability) Validate() error {
	if c == nil {
		return fmt.Errorf("missing capability record")
	}
	if c.NodeID == "" {
		return fmt.Errorf("missing node ID")
	}
	if c.CPU.Cores <= 0 {
		return fmt.Errorf("node %q: cpu cores must be positive", c.NodeID)
	}
	if c.Memory.TotalMB <= 0 {
		return fmt.Errorf("node %q: memory total must be positive", c.NodeID)
	}
	for i, g := range c.GPUs {
		if g.VRAMMB <= 0 {
			return fmt.Errorf("node %q: gpu %d vram must be positive", c.NodeID, i)
		}
	}
	return nil
}

// HasAdapter reports whether the worker exposes the named adapter.
func (c *NodeCapability) HasAdapter(name string) bool {
	for _, a := range c.Adapters {
		if a == name {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the capability record.
func (c *NodeCapability) Copy() *NodeCapability {
	if c == nil {
		return nil
	}
	nc := *c
	nc.GPUs = make([]GPUSpec, len(c.GPUs))
	for i, g := range c.GPUs {
		ng := g
		ng.Supports = append([]ComputeAPI(nil), g.Supports...)
		nc.GPUs[i] = ng
	}
	nc.CPU.Features = append([]string(nil), c.CPU.Features...)
	nc.Adapters = append([]string(nil), c.Adapters...)
	return &nc
}

// ResourceLimits caps how much of a worker's advertised hardware the
// orchestrator may schedule onto. Zero values mean uncapped.
type ResourceLimits struct {
	// CPUCores caps schedulable cores; must be <= advertised cores to have
	// an effect.
	CPUCores int `json:"cpu_cores,omitempty"`

	// RAMPercent caps schedulable RAM as a percentage of advertised total.
	RAMPercent int `json:"ram_percent,omitempty"`

	// StorageGB caps schedulable storage.
	StorageGB int64 `json:"storage_gb,omitempty"`

	// GPUVRAMPercent caps schedulable VRAM per GPU, indexed in device
	// order. Missing entries mean uncapped.
	GPUVRAMPercent []int `json:"gpu_vram_percent,omitempty"`
}

// Copy returns a deep copy of the limits, or nil.
func (r *ResourceLimits) Copy() *ResourceLimits {
	if r == nil {
		return nil
	}
	nr := *r
	nr.GPUVRAMPercent = append([]int(nil), r.GPUVRAMPercent...)
	return &nr
}

// SessionSnapshot is a read-only view of a live worker session, safe to
// hand to the matcher and ranker outside the registry lock.
type SessionSnapshot struct {
	SessionID     string
	NodeID        string
	Capability    *NodeCapability
	Limits        *ResourceLimits
	Workspaces    []string
	Liveness      SessionLiveness
	LastHeartbeat time.Time
	CurrentJobs   int

	// RemoteControl mirrors the worker's remote-control-enabled flag; it
	// gates administrative limit pushes, not scheduling.
	RemoteControl bool
}

// BoundTo reports whether the session is bound to the workspace. An empty
// binding set makes the worker public.
func (s *SessionSnapshot) BoundTo(workspaceID string) bool {
	for _, w := range s.Workspaces {
		if w == workspaceID {
			return true
		}
	}
	return false
}

// Public reports whether the session has no workspace bindings.
func (s *SessionSnapshot) Public() bool {
	return len(s.Workspaces) == 0
}

// NodeListStub is the fleet-listing view of a session returned by the
// node read API.
type NodeListStub struct {
	SessionID     string          `json:"session_id"`
	NodeID        string          `json:"node_id"`
	Liveness      SessionLiveness `json:"liveness"`
	Adapters      []string        `json:"adapters"`
	Workspaces    []string        `json:"workspaces,omitempty"`
	CurrentJobs   int             `json:"current_jobs"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	GPUs          int             `json:"gpus"`
}

// WorkspaceSet builds a set from a workspace id slice, dropping empties.
func WorkspaceSet(ids []string) *set.Set[string] {
	s := set.New[string](len(ids))
	for _, id := range ids {
		if id != "" {
			s.Insert(id)
		}
	}
	return s
}
