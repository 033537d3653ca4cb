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

// Package store implements the durable task catalog described in
// spec.md §4.2: two interchangeable backends (an in-memory Volatile store
// and a pebble-backed Durable store) behind the same Store contract.
package store

import (
	"context"
	"time"

	"github.com/hypershell/hypershell/internal/task"
)

// DefaultMaxAttemptsVolatile and DefaultMaxAttemptsDurable are the
// retry-policy defaults from spec.md §4.2: no retry without a durable
// store, three attempts with one.
const (
	DefaultMaxAttemptsVolatile = 1
	DefaultMaxAttemptsDurable  = 3
)

// MigrationID is stored alongside the durable schema so a future version
// of this program can detect and refuse an incompatible on-disk layout
// (spec.md §6 "a migration identifier is stored alongside the schema").
const MigrationID = "hypershell-store-v1"

// OrderBy selects the sort column for Query.
type OrderBy int

const (
	OrderBySubmitTime OrderBy = iota
	OrderByID
)

// Filter narrows a Query call. A nil State means "any state"; a nil
// HostPrefix means "any host".
type Filter struct {
	State      *task.State
	HostPrefix string
}

// Store is the contract both backends satisfy. Every method is safe for
// concurrent use; the implementation serializes writes to a given task id
// and lets readers observe a consistent snapshot per call (spec.md §5
// "Task store: single-writer-per-task via CAS; readers see a consistent
// snapshot per call").
type Store interface {
	// Insert assigns t a monotonic id and persists it in StateNew. It
	// returns only after durable persistence for the durable backend.
	Insert(ctx context.Context, t *task.Task) (int64, error)

	// Get returns a snapshot of the task with the given id, or (nil, nil)
	// if no such task exists.
	Get(ctx context.Context, id int64) (*task.Task, error)

	// UpdateState performs a compare-and-swap on state, applying fields
	// to the stored snapshot atomically with the transition. It returns
	// *task.ConflictError (wrapping task.ErrConflict) if the task's
	// current state does not equal expectedFrom.
	UpdateState(ctx context.Context, id int64, expectedFrom, to task.State, apply func(*task.Task)) error

	// NextReady atomically transitions up to n READY tasks (oldest
	// submit_time first, ties broken by id) to ASSIGNED under the given
	// lease-granting function, which stamps Host/StartTime/Attempt on
	// each selected task before it is persisted.
	NextReady(ctx context.Context, n int, assign func(*task.Task)) ([]*task.Task, error)

	// Requeue transitions id from ASSIGNED back to READY and increments
	// Attempt, unless attempts are exhausted, in which case it
	// transitions to ABANDONED instead. It reports the resulting state.
	Requeue(ctx context.Context, id int64, maxAttempts int) (task.State, error)

	// Query returns a read-only projection ordered per by, newest
	// ordering key last unless desc is set, capped at limit (0 = no
	// limit) tasks.
	Query(ctx context.Context, f Filter, by OrderBy, desc bool, limit int) ([]*task.Task, error)

	// Close releases any resources held by the store (file handles,
	// background goroutines).
	Close() error
}

// now is overridden in tests; production code always calls time.Now.
var now = time.Now
