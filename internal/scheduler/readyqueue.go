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

// Package scheduler owns the bounded ready-queue and the lease table
// described in spec.md §4.3, and runs the promoter and reaper loops that
// move tasks between the durable store, the ready-queue, and leases.
package scheduler

import (
	"sync"

	"github.com/hypershell/hypershell/internal/task"
)

// DefaultMaxSize is the ready-queue's default capacity (spec.md §3).
const DefaultMaxSize = 10000

// readyQueue is a bounded FIFO of *task.Task, guarded by a mutex+condition
// variable pair exactly as the teacher's thread pool guards its request
// slice (sorting/thread_pool.go), generalized from an unbounded LIFO work
// stack to a bounded FIFO with blocking Push (submitter backpressure) and
// blocking Pop (idle dispatch).
type readyQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*task.Task
	maxSize  int
	closed   bool
}

func newReadyQueue(maxSize int) *readyQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &readyQueue{maxSize: maxSize}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push blocks until there is room or the queue is closed. Pushing onto a
// closed queue is a no-op, matching the teacher's Enqueue-after-Close
// behavior.
func (q *readyQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.maxSize && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return
	}
	q.items = append(q.items, t)
	q.notEmpty.Signal()
}

// Pop blocks until an item is available or the queue is closed, in which
// case it returns (nil, false).
func (q *readyQueue) Pop() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return t, true
}

// Len reports the current occupancy, used by the promoter to decide how
// many tasks to pull from the store.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *readyQueue) Cap() int { return q.maxSize }

// Close unblocks every pending Push and Pop; subsequent Pops drain
// whatever remains, then return false once empty.
func (q *readyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
