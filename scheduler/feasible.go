// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package scheduler decides which worker sessions can and should run a
// job. Matching is a pure predicate over a job's requirements and a
// session snapshot; ranking orders the feasible sessions.
package scheduler

import (
	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// Matches reports whether the session satisfies the job's requirements:
// adapter presence, effective CPU and RAM after resource limits, GPU
// count/VRAM/API support, and workspace affinity. Tie-breaking between
// feasible sessions is the ranker's concern, not the matcher's.
func Matches(req *structs.JobRequirements, s *structs.SessionSnapshot) bool {
	if req == nil || s == nil || s.Capability == nil {
		return false
	}

	if !s.Capability.HasAdapter(req.Adapter) {
		return false
	}

	if EffectiveCores(s) < req.CPU.MinCores {
		return false
	}

	if EffectiveRAMMB(s) < req.Memory.MinMB {
		return false
	}

	if req.GPU != nil {
		matched := 0
		for i := range s.Capability.GPUs {
			g := &s.Capability.GPUs[i]
			if EffectiveVRAMMB(s, i) >= req.GPU.MinVRAMMB && g.SupportsAll(req.GPU.Requires) {
				matched++
			}
		}
		if matched < req.GPU.Count {
			return false
		}
	}

	if req.WorkspaceID != "" {
		// Workspace-bound jobs run on a worker bound to that workspace or
		// on a public (unbound) worker.
		if !s.Public() && !s.BoundTo(req.WorkspaceID) {
			return false
		}
	}

	return true
}

// EffectiveCores returns the schedulable core count after applying the
// session's resource limits.
func EffectiveCores(s *structs.SessionSnapshot) int {
	cores := s.Capability.CPU.Cores
	if s.Limits != nil && s.Limits.CPUCores > 0 && s.Limits.CPUCores < cores {
		return s.Limits.CPUCores
	}
	return cores
}

// EffectiveRAMMB returns the schedulable RAM after applying the session's
// ram_percent limit.
func EffectiveRAMMB(s *structs.SessionSnapshot) int64 {
	total := s.Capability.Memory.TotalMB
	if s.Limits != nil && s.Limits.RAMPercent > 0 && s.Limits.RAMPercent < 100 {
		return total * int64(s.Limits.RAMPercent) / 100
	}
	return total
}

// EffectiveVRAMMB returns the schedulable VRAM of GPU i after applying
// the per-device gpu_vram_percent limit.
func EffectiveVRAMMB(s *structs.SessionSnapshot, i int) int64 {
	if i < 0 || i >= len(s.Capability.GPUs) {
		return 0
	}
	vram := s.Capability.GPUs[i].VRAMMB
	if s.Limits != nil && i < len(s.Limits.GPUVRAMPercent) {
		if pct := s.Limits.GPUVRAMPercent[i]; pct > 0 && pct < 100 {
			return vram * int64(pct) / 100
		}
	}
	return vram
}
