// Copyright (C) 2024 HyperShell Authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package scheduler

import (
	"sync"
	"time"

	"github.com/hypershell/hypershell/internal/task"
)

// leaseTable is the scheduler's single source of truth for outstanding
// leases (spec.md §3 "Ownership"). ClientSession.LeasedTasks is only a
// back-reference into this table, never a copy of it, so revocation on
// disconnect has exactly one place to update.
type leaseTable struct {
	mu     sync.Mutex
	leases map[int64]task.Lease
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[int64]task.Lease)}
}

func (lt *leaseTable) grant(l task.Lease) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.leases[l.TaskID] = l
}

func (lt *leaseTable) release(taskID int64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.leases, taskID)
}

func (lt *leaseTable) get(taskID int64) (task.Lease, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.leases[taskID]
	return l, ok
}

// expired returns the task ids whose lease deadline has passed as of now.
func (lt *leaseTable) expired(now time.Time) []int64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	var out []int64
	for id, l := range lt.leases {
		if l.Expired(now) {
			out = append(out, id)
		}
	}
	return out
}

// forSession returns the task ids currently leased to clientID, used when
// a session closes and every one of its leases must be revoked at once.
func (lt *leaseTable) forSession(clientID string) []int64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	var out []int64
	for id, l := range lt.leases {
		if l.ClientID == clientID {
			out = append(out, id)
		}
	}
	return out
}
