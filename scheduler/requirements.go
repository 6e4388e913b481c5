// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// DefaultModuleKey is the requirements-table entry applied to modules
// without their own entry.
const DefaultModuleKey = "DEFAULT"

// RequirementsOracle maps a module id to the job requirements its
// executions need. Keeping this behind an interface keeps the scheduler
// free of knowledge about specific modules.
type RequirementsOracle interface {
	RequirementsFor(moduleID string) *structs.JobRequirements
}

// StaticOracle is an in-process requirements table with a DEFAULT entry.
// Per-module entries overlay the default; cost entries pass through
// unchanged.
type StaticOracle struct {
	def   *structs.JobRequirements
	table map[string]*structs.JobRequirements
}

// NewStaticOracle builds an oracle from a table. The DEFAULT entry is
// taken from the table, or a built-in baseline when absent.
func NewStaticOracle(table map[string]*structs.JobRequirements) *StaticOracle {
	o := &StaticOracle{
		def:   baselineRequirements(),
		table: make(map[string]*structs.JobRequirements, len(table)),
	}
	for id, req := range table {
		if id == DefaultModuleKey {
			o.def = o.def.Merge(req)
			continue
		}
		o.table[id] = req
	}
	return o
}

// RequirementsFor returns a fresh requirements value for the module,
// never a shared pointer.
func (o *StaticOracle) RequirementsFor(moduleID string) *structs.JobRequirements {
	if entry, ok := o.table[moduleID]; ok {
		return o.def.Merge(entry)
	}
	return o.def.Copy()
}

// Table returns the module ids with dedicated entries plus DEFAULT, for
// the read-only requirements endpoint.
func (o *StaticOracle) Table() map[string]*structs.JobRequirements {
	out := make(map[string]*structs.JobRequirements, len(o.table)+1)
	out[DefaultModuleKey] = o.def.Copy()
	for id := range o.table {
		out[id] = o.RequirementsFor(id)
	}
	return out
}

// baselineRequirements is the fallback DEFAULT: a small CPU job on any
// docker-capable worker.
func baselineRequirements() *structs.JobRequirements {
	return &structs.JobRequirements{
		CPU:          structs.CPURequirement{MinCores: 1},
		Memory:       structs.MemoryRequirement{MinMB: 512},
		Adapter:      "docker",
		MaxCostCents: 100,
		Currency:     "USD",
	}
}

// DefaultModuleTable is the built-in per-module requirements shipped with
// the orchestrator. Deployments use it unless configuration overrides.
func DefaultModuleTable() map[string]*structs.JobRequirements {
	return map[string]*structs.JobRequirements{
		"llm-inference": {
			CPU:     structs.CPURequirement{MinCores: 4},
			Memory:  structs.MemoryRequirement{MinMB: 16384},
			GPU:     &structs.GPURequirement{Count: 1, MinVRAMMB: 24576},
			Adapter: "llm-inference",

			MaxCostCents: 500,
		},
		"memory-store": {
			CPU:     structs.CPURequirement{MinCores: 1},
			Memory:  structs.MemoryRequirement{MinMB: 1024},
			Adapter: "memory",

			MaxCostCents: 10,
		},
		"trading-exec": {
			CPU:     structs.CPURequirement{MinCores: 2},
			Memory:  structs.MemoryRequirement{MinMB: 2048},
			Adapter: "trading",

			MaxCostCents: 50,
		},
		"shell-exec": {
			CPU:     structs.CPURequirement{MinCores: 1},
			Memory:  structs.MemoryRequirement{MinMB: 512},
			Adapter: "shell",

			MaxCostCents: 25,
		},
	}
}
