// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"sort"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// Rank orders feasible sessions in place, best candidate first:
// workspace-affinity exact matches ahead of public workers, then fewer
// current jobs, then earliest last heartbeat so idle workers rotate
// fairly.
func Rank(sessions []*structs.SessionSnapshot, workspaceID string) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]

		if workspaceID != "" {
			aBound := a.BoundTo(workspaceID)
			bBound := b.BoundTo(workspaceID)
			if aBound != bBound {
				return aBound
			}
		}

		if a.CurrentJobs != b.CurrentJobs {
			return a.CurrentJobs < b.CurrentJobs
		}

		return a.LastHeartbeat.Before(b.LastHeartbeat)
	})
}
