// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package state holds the indexed in-memory record store for jobs and
// deployments. Writers insert copies at each state transition; readers
// get consistent snapshots from memdb transactions. Worker session state
// lives in the node registry, not here, since it wraps live transports
// that cannot be restored.
package state

import (
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// StateStore provides read/write access to the job and deployment
// records. It is safe for concurrent use.
type StateStore struct {
	db *memdb.MemDB
}

// NewStateStore creates a new state store.
func NewStateStore() (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &StateStore{db: db}, nil
}

// UpsertJob inserts or replaces a job record. Callers pass a copy; the
// store never hands the same pointer back out to a mutator.
func (s *StateStore) UpsertJob(job *structs.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert("jobs", job); err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	txn.Commit()
	return nil
}

// JobByID looks up a job by id, or nil.
func (s *StateStore) JobByID(id string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("jobs", "id", id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Job), nil
}

// Jobs returns all jobs passing the filter, newest first.
func (s *StateStore) Jobs(filter *structs.JobListFilter) ([]*structs.Job, error) {
	txn := s.db.Txn(false)

	var iter memdb.ResultIterator
	var err error
	switch {
	case filter != nil && filter.DeploymentID != "":
		iter, err = txn.Get("jobs", "deployment", filter.DeploymentID)
	case filter != nil && filter.ClientID != "":
		iter, err = txn.Get("jobs", "client", filter.ClientID)
	default:
		iter, err = txn.Get("jobs", "id")
	}
	if err != nil {
		return nil, fmt.Errorf("job listing failed: %w", err)
	}

	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if filter.Match(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateTime.After(out[j].CreateTime)
	})
	return out, nil
}

// NonTerminalJobs returns jobs that have not reached a terminal status,
// used to rebuild the pending queue on startup when persistence is
// layered underneath.
func (s *StateStore) NonTerminalJobs() ([]*structs.Job, error) {
	all, err := s.Jobs(nil)
	if err != nil {
		return nil, err
	}
	var out []*structs.Job
	for _, job := range all {
		if !job.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

// UpsertDeployment inserts or replaces a deployment record.
func (s *StateStore) UpsertDeployment(d *structs.Deployment) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert("deployments", d); err != nil {
		return fmt.Errorf("deployment insert failed: %w", err)
	}
	txn.Commit()
	return nil
}

// DeploymentByID looks up a deployment by id, or nil.
func (s *StateStore) DeploymentByID(id string) (*structs.Deployment, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First("deployments", "id", id)
	if err != nil {
		return nil, fmt.Errorf("deployment lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Deployment), nil
}

// DeploymentsByClient returns the client's deployments in
// reverse-chronological order.
func (s *StateStore) DeploymentsByClient(clientID string) ([]*structs.Deployment, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get("deployments", "client", clientID)
	if err != nil {
		return nil, fmt.Errorf("deployment listing failed: %w", err)
	}

	var out []*structs.Deployment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Deployment))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateTime.After(out[j].CreateTime)
	})
	return out, nil
}

// DeploymentStats counts deployments by status.
func (s *StateStore) DeploymentStats() (*structs.DeploymentStats, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get("deployments", "id")
	if err != nil {
		return nil, fmt.Errorf("deployment listing failed: %w", err)
	}

	stats := &structs.DeploymentStats{}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		switch raw.(*structs.Deployment).Status {
		case structs.DeploymentStatusPending:
			stats.Pending++
		case structs.DeploymentStatusDeploying:
			stats.Deploying++
		case structs.DeploymentStatusRunning:
			stats.Running++
		case structs.DeploymentStatusCompleted:
			stats.Completed++
		case structs.DeploymentStatusFailed:
			stats.Failed++
		case structs.DeploymentStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}
