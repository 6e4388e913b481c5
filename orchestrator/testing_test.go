// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"errors"
	"sync"
	"testing"

	"github.com/Huck-dev/modchain/helper/testlog"
	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/shoenig/test/must"
)

// fakeSender records every frame pushed at a fake worker.
type fakeSender struct {
	mu sync.Mutex

	assignments   []*structs.Job
	cancellations []string
	limits        []*structs.ResourceLimits
	workspaces    [][]string
	reRegisters   int
	errs          []string
	kickReason    string
	kicks         int

	// failAssign makes SendAssignment fail, exercising rollback.
	failAssign bool
}

func (f *fakeSender) SendAssignment(job *structs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAssign {
		return errSendFailed
	}
	f.assignments = append(f.assignments, job)
	return nil
}

func (f *fakeSender) SendCancellation(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancellations = append(f.cancellations, jobID)
	return nil
}

func (f *fakeSender) SendUpdateLimits(limits *structs.ResourceLimits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limits)
	return nil
}

func (f *fakeSender) SendWorkspacesUpdated(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces = append(f.workspaces, ids)
	return nil
}

func (f *fakeSender) SendReRegister() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reRegisters++
	return nil
}

func (f *fakeSender) SendError(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
	return nil
}

func (f *fakeSender) Kick(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
	f.kickReason = reason
}

func (f *fakeSender) numAssignments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assignments)
}

func (f *fakeSender) lastAssignment() *structs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.assignments) == 0 {
		return nil
	}
	return f.assignments[len(f.assignments)-1]
}

var errSendFailed = errors.New("send failed")

// testCore wires a registry and queue the way the server does, with the
// given accounts gateway (nil for noop).
func testCore(t *testing.T, accounts AccountsGateway) (*NodeRegistry, *JobQueue) {
	t.Helper()

	logger := testlog.HCLogger(t)
	config := DefaultConfig()
	if accounts == nil {
		accounts = NoopAccounts{}
	}

	store, err := state.NewStateStore()
	must.NoError(t, err)

	registry := NewNodeRegistry(logger, config, func() {})
	queue := NewJobQueue(logger, config, accounts, store, registry, func() {})
	registry.SetSessionGoneFn(queue.RequeueForSession)
	return registry, queue
}
