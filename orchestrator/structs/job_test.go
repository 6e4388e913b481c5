// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"

	"github.com/Huck-dev/modchain/ci"
	"github.com/shoenig/test/must"
)

func TestJobStatus_Terminal(t *testing.T) {
	ci.Parallel(t)

	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout} {
		must.True(t, s.Terminal())
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusReserved, JobStatusAssigned, JobStatusRunning} {
		must.False(t, s.Terminal())
	}
}

func TestJobRequirements_Merge(t *testing.T) {
	ci.Parallel(t)

	def := &JobRequirements{
		CPU:          CPURequirement{MinCores: 1},
		Memory:       MemoryRequirement{MinMB: 512},
		Adapter:      "docker",
		MaxCostCents: 100,
		Currency:     "USD",
	}

	merged := def.Merge(&JobRequirements{
		CPU:     CPURequirement{MinCores: 8},
		GPU:     &GPURequirement{Count: 1, MinVRAMMB: 24576, Requires: []ComputeAPI{ComputeAPICUDA}},
		Adapter: "llm-inference",
	})

	must.Eq(t, 8, merged.CPU.MinCores)
	must.Eq(t, int64(512), merged.Memory.MinMB)
	must.Eq(t, "llm-inference", merged.Adapter)
	must.Eq(t, int64(100), merged.MaxCostCents)
	must.Eq(t, "USD", merged.Currency)
	must.NotNil(t, merged.GPU)
	must.Eq(t, 1, merged.GPU.Count)

	// The default entry is untouched.
	must.Eq(t, 1, def.CPU.MinCores)
	must.Eq(t, "docker", def.Adapter)
	must.Nil(t, def.GPU)

	// Nil overlay is a plain copy.
	cp := def.Merge(nil)
	must.Eq(t, def, cp)
}

func TestJobRequirements_Validate(t *testing.T) {
	ci.Parallel(t)

	must.Error(t, (*JobRequirements)(nil).Validate())
	must.Error(t, (&JobRequirements{}).Validate())
	must.Error(t, (&JobRequirements{Adapter: "docker", GPU: &GPURequirement{}}).Validate())
	must.NoError(t, (&JobRequirements{Adapter: "docker"}).Validate())
}

func TestJobListFilter_Match(t *testing.T) {
	ci.Parallel(t)

	j := &Job{ID: "j1", ClientID: "c1", DeploymentID: "d1", Status: JobStatusPending}

	must.True(t, (*JobListFilter)(nil).Match(j))
	must.True(t, (&JobListFilter{ClientID: "c1"}).Match(j))
	must.False(t, (&JobListFilter{ClientID: "c2"}).Match(j))
	must.True(t, (&JobListFilter{DeploymentID: "d1", Status: JobStatusPending}).Match(j))
	must.False(t, (&JobListFilter{Status: JobStatusRunning}).Match(j))
}

func TestNodeCapability_Validate(t *testing.T) {
	ci.Parallel(t)

	capability := &NodeCapability{
		NodeID: "w1",
		CPU:    CPUSpec{Cores: 4},
		Memory: MemorySpec{TotalMB: 8192},
	}
	must.NoError(t, capability.Validate())

	must.Error(t, (*NodeCapability)(nil).Validate())
	must.Error(t, (&NodeCapability{CPU: CPUSpec{Cores: 4}, Memory: MemorySpec{TotalMB: 1}}).Validate())
	must.Error(t, (&NodeCapability{NodeID: "w1", Memory: MemorySpec{TotalMB: 1}}).Validate())

	capability.GPUs = []GPUSpec{{Vendor: GPUVendorNvidia}}
	must.Error(t, capability.Validate())
}
