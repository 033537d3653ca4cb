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

package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hypershell/hypershell/internal/task"
)

// Volatile is the in-memory Store: an ordered map from id to Task
// (spec.md §4.2). Only the currently live generation is retained; nothing
// survives a restart. Modeled on tenant/manager.go's mutex-guarded
// map-of-children bookkeeping, generalized from process handles to task
// snapshots.
type Volatile struct {
	mu      sync.Mutex
	tasks   map[int64]*task.Task
	nextID  int64
	readyBy []int64 // ids currently in StateReady, kept in submit order
}

// NewVolatile returns an empty Volatile store.
func NewVolatile() *Volatile {
	return &Volatile{
		tasks: make(map[int64]*task.Task),
	}
}

func (v *Volatile) Insert(ctx context.Context, t *task.Task) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	id := v.nextID
	clone := t.Clone()
	clone.ID = id
	if clone.UUID == uuid.Nil {
		clone.UUID = uuid.New()
	}
	st := now()
	clone.SubmitTime = &st
	clone.State = task.StateNew

	v.tasks[id] = clone
	return id, nil
}

func (v *Volatile) Get(ctx context.Context, id int64) (*task.Task, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (v *Volatile) UpdateState(ctx context.Context, id int64, expectedFrom, to task.State, apply func(*task.Task)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	t, ok := v.tasks[id]
	if !ok {
		return task.ErrStore
	}
	if t.State != expectedFrom {
		return &task.ConflictError{ID: id, Expected: expectedFrom, Observed: t.State}
	}
	if !task.CanTransition(expectedFrom, to) {
		return &task.ConflictError{ID: id, Expected: expectedFrom, Observed: t.State}
	}

	scratch := t.Clone()
	scratch.State = to
	if apply != nil {
		apply(scratch)
	}
	if err := scratch.ValidateInvariants(); err != nil {
		return err
	}

	wasReady := t.State == task.StateReady
	*t = *scratch
	if wasReady && to != task.StateReady {
		v.removeFromReady(id)
	}
	if to == task.StateReady {
		v.readyBy = append(v.readyBy, id)
	}
	return nil
}

func (v *Volatile) removeFromReady(id int64) {
	for i, rid := range v.readyBy {
		if rid == id {
			v.readyBy = append(v.readyBy[:i], v.readyBy[i+1:]...)
			return
		}
	}
}

func (v *Volatile) NextReady(ctx context.Context, n int, assign func(*task.Task)) ([]*task.Task, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if n > len(v.readyBy) {
		n = len(v.readyBy)
	}
	if n == 0 {
		return nil, nil
	}

	picked := append([]int64(nil), v.readyBy[:n]...)
	remaining := append([]int64(nil), v.readyBy[n:]...)

	out := make([]*task.Task, 0, n)
	for _, id := range picked {
		t := v.tasks[id]
		scratch := t.Clone()
		scratch.State = task.StateAssigned
		if assign != nil {
			assign(scratch)
		}
		if err := scratch.ValidateInvariants(); err != nil {
			remaining = append(remaining, id) // leave it READY, skip this one
			continue
		}
		*t = *scratch
		out = append(out, t.Clone())
	}
	v.readyBy = remaining
	return out, nil
}

func (v *Volatile) Requeue(ctx context.Context, id int64, maxAttempts int) (task.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	t, ok := v.tasks[id]
	if !ok {
		return task.StateNew, task.ErrStore
	}
	if t.State != task.StateAssigned {
		return t.State, &task.ConflictError{ID: id, Expected: task.StateAssigned, Observed: t.State}
	}

	if t.Attempt >= maxAttempts {
		t.State = task.StateAbandoned
		t.Host = nil
		return t.State, nil
	}
	t.Attempt++
	t.State = task.StateReady
	t.Host = nil
	t.StartTime = nil
	v.readyBy = append(v.readyBy, id)
	return t.State, nil
}

func (v *Volatile) Query(ctx context.Context, f Filter, by OrderBy, desc bool, limit int) ([]*task.Task, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*task.Task, 0, len(v.tasks))
	for _, t := range v.tasks {
		if f.State != nil && t.State != *f.State {
			continue
		}
		if f.HostPrefix != "" {
			if t.Host == nil || len(*t.Host) < len(f.HostPrefix) || (*t.Host)[:len(f.HostPrefix)] != f.HostPrefix {
				continue
			}
		}
		out = append(out, t.Clone())
	}

	sortTasks(out, by, desc)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func submitBefore(a, b *task.Task) bool {
	if a.SubmitTime == nil {
		return false
	}
	if b.SubmitTime == nil {
		return true
	}
	if a.SubmitTime.Equal(*b.SubmitTime) {
		return a.ID < b.ID
	}
	return a.SubmitTime.Before(*b.SubmitTime)
}

func (v *Volatile) Close() error { return nil }
