// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"testing"
	"time"

	"github.com/Huck-dev/modchain/ci"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/shoenig/test/must"
)

func testStateStore(t *testing.T) *StateStore {
	s, err := NewStateStore()
	must.NoError(t, err)
	return s
}

func TestStateStore_UpsertJob(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	job := &structs.Job{
		ID:         "j1",
		ClientID:   "c1",
		Status:     structs.JobStatusPending,
		CreateTime: time.Now(),
	}
	must.NoError(t, store.UpsertJob(job))

	out, err := store.JobByID("j1")
	must.NoError(t, err)
	must.Eq(t, "c1", out.ClientID)

	// Replacing the record changes the visible snapshot.
	upd := job.Copy()
	upd.Status = structs.JobStatusCompleted
	must.NoError(t, store.UpsertJob(upd))

	out, err = store.JobByID("j1")
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCompleted, out.Status)

	missing, err := store.JobByID("nope")
	must.NoError(t, err)
	must.Nil(t, missing)
}

func TestStateStore_Jobs_filters(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	now := time.Now()
	jobs := []*structs.Job{
		{ID: "j1", ClientID: "c1", DeploymentID: "d1", Status: structs.JobStatusPending, CreateTime: now.Add(-3 * time.Second)},
		{ID: "j2", ClientID: "c1", DeploymentID: "d1", Status: structs.JobStatusCompleted, CreateTime: now.Add(-2 * time.Second)},
		{ID: "j3", ClientID: "c2", Status: structs.JobStatusPending, CreateTime: now.Add(-1 * time.Second)},
	}
	for _, j := range jobs {
		must.NoError(t, store.UpsertJob(j))
	}

	all, err := store.Jobs(nil)
	must.NoError(t, err)
	must.Len(t, 3, all)
	// Newest first.
	must.Eq(t, "j3", all[0].ID)

	byClient, err := store.Jobs(&structs.JobListFilter{ClientID: "c1"})
	must.NoError(t, err)
	must.Len(t, 2, byClient)

	byDeployment, err := store.Jobs(&structs.JobListFilter{DeploymentID: "d1", Status: structs.JobStatusCompleted})
	must.NoError(t, err)
	must.Len(t, 1, byDeployment)
	must.Eq(t, "j2", byDeployment[0].ID)

	nonTerminal, err := store.NonTerminalJobs()
	must.NoError(t, err)
	must.Len(t, 2, nonTerminal)
}

func TestStateStore_Deployments(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	now := time.Now()
	statuses := []structs.DeploymentStatus{
		structs.DeploymentStatusRunning,
		structs.DeploymentStatusCompleted,
		structs.DeploymentStatusFailed,
	}
	for i, status := range statuses {
		must.NoError(t, store.UpsertDeployment(&structs.Deployment{
			ID:         string(rune('a' + i)),
			ClientID:   "c1",
			Status:     status,
			CreateTime: now.Add(time.Duration(i) * time.Second),
		}))
	}

	d, err := store.DeploymentByID("a")
	must.NoError(t, err)
	must.Eq(t, structs.DeploymentStatusRunning, d.Status)

	list, err := store.DeploymentsByClient("c1")
	must.NoError(t, err)
	must.Len(t, 3, list)
	// Reverse chronological.
	must.Eq(t, "c", list[0].ID)
	must.Eq(t, "a", list[2].ID)

	other, err := store.DeploymentsByClient("c2")
	must.NoError(t, err)
	must.Len(t, 0, other)

	stats, err := store.DeploymentStats()
	must.NoError(t, err)
	must.Eq(t, 1, stats.Running)
	must.Eq(t, 1, stats.Completed)
	must.Eq(t, 1, stats.Failed)
	must.Eq(t, 0, stats.Pending)
}
