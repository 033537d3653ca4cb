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

package task

import "time"

// Lease is the scheduler's ephemeral record of a Task handed out to a
// client. It is destroyed on completion, expiry, or client disconnect; it
// is never itself persisted (spec.md §3 "Lease").
type Lease struct {
	TaskID    int64
	ClientID  string
	GrantedAt time.Time
	Deadline  time.Time
}

// Expired reports whether the lease's deadline has passed as of now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.Deadline)
}

// ClientSession is one authenticated connection between a worker and the
// dispatch server. It is owned by the dispatch server; the leases it lists
// are back-references into the scheduler's lease table keyed by task id,
// which is how spec.md §9 breaks the cyclic session<->lease reference:
// the session never holds a pointer to a Lease, only the TaskIDs it owns.
type ClientSession struct {
	ClientID      string
	Host          string
	Authenticated bool
	Heartbeat     time.Time

	// LeasedTasks are the TaskIDs this session currently holds leases
	// for. The scheduler's lease table is the source of truth; this is
	// a back-reference used when the session closes to revoke them.
	LeasedTasks map[int64]struct{}
}

// NewClientSession returns an unauthenticated session shell; Authenticated
// flips to true only after a successful AUTH exchange.
func NewClientSession(clientID, host string) *ClientSession {
	return &ClientSession{
		ClientID:    clientID,
		Host:        host,
		LeasedTasks: make(map[int64]struct{}),
	}
}

func (s *ClientSession) AddLease(taskID int64) {
	s.LeasedTasks[taskID] = struct{}{}
}

func (s *ClientSession) RemoveLease(taskID int64) {
	delete(s.LeasedTasks, taskID)
}
