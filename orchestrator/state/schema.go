// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package state

import (
	memdb "github.com/hashicorp/go-memdb"
)

// stateStoreSchema returns the schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	jobs := jobTableSchema()
	db.Tables[jobs.Name] = jobs

	deployments := deploymentTableSchema()
	db.Tables[deployments.Name] = deployments

	return db
}

// jobTableSchema returns the MemDB schema for the jobs table. Jobs are
// looked up directly by id and listed by client or deployment; status
// filtering happens on the iterator since statuses are a small closed
// set.
func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "jobs",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			"client": {
				Name:         "client",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ClientID",
				},
			},
			"deployment": {
				Name:         "deployment",
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "DeploymentID",
				},
			},
		},
	}
}

// deploymentTableSchema returns the MemDB schema for the deployments
// table.
func deploymentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "deployments",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			"client": {
				Name:         "client",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ClientID",
				},
			},
		},
	}
}
