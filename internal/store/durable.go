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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/hypershell/hypershell/internal/task"
)

// Durable is the pebble-backed Store. Records are keyed `t<id>` for the
// primary row and `r<submit_time><id>` (both big-endian) for the
// ready-ordering index, which holds READY tasks only, so the state is
// implied by the prefix rather than stored in the key. The exact
// schema internal to the implementation; MigrationID is stored once at
// open time so a future incompatible layout can be detected rather than
// silently misread.
type Durable struct {
	db *pebble.DB

	mu     sync.Mutex
	nextID int64
}

const (
	primaryPrefix = 't'
	readyPrefix   = 'r'
	metaPrefix    = 'm'
)

var metaMigrationKey = []byte{metaPrefix, 0, 'm', 'i', 'g'}
var metaNextIDKey = []byte{metaPrefix, 0, 'n', 'e', 'x', 't'}

// OpenDurable opens (creating if absent) a pebble database at dir.
func OpenDurable(dir string) (*Durable, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	d := &Durable{db: db}
	if err := d.checkMigration(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.loadNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Durable) checkMigration() error {
	v, closer, err := d.db.Get(metaMigrationKey)
	if err == pebble.ErrNotFound {
		return d.db.Set(metaMigrationKey, []byte(MigrationID), pebble.Sync)
	}
	if err != nil {
		return err
	}
	got := string(v)
	closer.Close()
	if got != MigrationID {
		return fmt.Errorf("store: on-disk migration id %q does not match %q", got, MigrationID)
	}
	return nil
}

func (d *Durable) loadNextID() error {
	v, closer, err := d.db.Get(metaNextIDKey)
	if err == pebble.ErrNotFound {
		d.nextID = 0
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	d.nextID = int64(binary.BigEndian.Uint64(v))
	return nil
}

func primaryKey(id int64) []byte {
	buf := make([]byte, 9)
	buf[0] = primaryPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(id))
	return buf
}

func readyKey(submitNanos int64, id int64) []byte {
	buf := make([]byte, 17)
	buf[0] = readyPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(submitNanos))
	binary.BigEndian.PutUint64(buf[9:], uint64(id))
	return buf
}

func encodeTask(t *task.Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTask(b []byte) (*task.Task, error) {
	var t task.Task
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Durable) Insert(ctx context.Context, t *task.Task) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	clone := t.Clone()
	clone.ID = id
	if clone.UUID == uuid.Nil {
		clone.UUID = uuid.New()
	}
	st := now()
	clone.SubmitTime = &st
	clone.State = task.StateNew

	enc, err := encodeTask(clone)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	b := d.db.NewBatch()
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, uint64(id))
	if err := b.Set(metaNextIDKey, idBuf, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if err := b.Set(primaryKey(id), enc, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		d.nextID--
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return id, nil
}

func (d *Durable) getLocked(id int64) (*task.Task, error) {
	v, closer, err := d.db.Get(primaryKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer closer.Close()
	return decodeTask(v)
}

func (d *Durable) Get(ctx context.Context, id int64) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(id)
}

func (d *Durable) UpdateState(ctx context.Context, id int64, expectedFrom, to task.State, apply func(*task.Task)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getLocked(id)
	if err != nil {
		return err
	}
	if t == nil {
		return task.ErrStore
	}
	if t.State != expectedFrom {
		return &task.ConflictError{ID: id, Expected: expectedFrom, Observed: t.State}
	}
	if !task.CanTransition(expectedFrom, to) {
		return &task.ConflictError{ID: id, Expected: expectedFrom, Observed: t.State}
	}

	wasReady := t.State == task.StateReady
	scratch := t.Clone()
	scratch.State = to
	if apply != nil {
		apply(scratch)
	}
	if err := scratch.ValidateInvariants(); err != nil {
		return err
	}
	t = scratch

	enc, err := encodeTask(t)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	b := d.db.NewBatch()
	if err := b.Set(primaryKey(id), enc, nil); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if wasReady && to != task.StateReady {
		if t.SubmitTime != nil {
			if err := b.Delete(readyKey(t.SubmitTime.UnixNano(), id), nil); err != nil {
				return fmt.Errorf("%w: %v", task.ErrStore, err)
			}
		}
	}
	if to == task.StateReady && t.SubmitTime != nil {
		if err := b.Set(readyKey(t.SubmitTime.UnixNano(), id), nil, nil); err != nil {
			return fmt.Errorf("%w: %v", task.ErrStore, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return nil
}

func (d *Durable) NextReady(ctx context.Context, n int, assign func(*task.Task)) ([]*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	lo := []byte{readyPrefix}
	hi := []byte{readyPrefix + 1}
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer iter.Close()

	var ids []int64
	for iter.First(); iter.Valid() && len(ids) < n; iter.Next() {
		key := iter.Key()
		id := int64(binary.BigEndian.Uint64(key[9:17]))
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	b := d.db.NewBatch()
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := d.getLocked(id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.State != task.StateReady {
			continue // raced with a concurrent requeue/delete; skip
		}
		scratch := t.Clone()
		scratch.State = task.StateAssigned
		if assign != nil {
			assign(scratch)
		}
		if err := scratch.ValidateInvariants(); err != nil {
			continue // leave this task's ready index entry untouched
		}
		if t.SubmitTime != nil {
			if err := b.Delete(readyKey(t.SubmitTime.UnixNano(), id), nil); err != nil {
				return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
			}
		}
		enc, err := encodeTask(scratch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		if err := b.Set(primaryKey(id), enc, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		out = append(out, scratch.Clone())
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return out, nil
}

func (d *Durable) Requeue(ctx context.Context, id int64, maxAttempts int) (task.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getLocked(id)
	if err != nil {
		return task.StateNew, err
	}
	if t == nil {
		return task.StateNew, task.ErrStore
	}
	if t.State != task.StateAssigned {
		return t.State, &task.ConflictError{ID: id, Expected: task.StateAssigned, Observed: t.State}
	}

	if t.Attempt >= maxAttempts {
		t.State = task.StateAbandoned
		t.Host = nil
	} else {
		t.Attempt++
		t.State = task.StateReady
		t.Host = nil
		t.StartTime = nil
	}

	enc, err := encodeTask(t)
	if err != nil {
		return t.State, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	b := d.db.NewBatch()
	if err := b.Set(primaryKey(id), enc, nil); err != nil {
		return t.State, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if t.State == task.StateReady && t.SubmitTime != nil {
		if err := b.Set(readyKey(t.SubmitTime.UnixNano(), id), nil, nil); err != nil {
			return t.State, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return t.State, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return t.State, nil
}

func (d *Durable) Query(ctx context.Context, f Filter, by OrderBy, desc bool, limit int) ([]*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lo := []byte{primaryPrefix}
	hi := []byte{primaryPrefix + 1}
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer iter.Close()

	var out []*task.Task
	for iter.First(); iter.Valid(); iter.Next() {
		t, err := decodeTask(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		if f.State != nil && t.State != *f.State {
			continue
		}
		if f.HostPrefix != "" {
			if t.Host == nil || len(*t.Host) < len(f.HostPrefix) || (*t.Host)[:len(f.HostPrefix)] != f.HostPrefix {
				continue
			}
		}
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	sortTasks(out, by, desc)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Durable) Close() error {
	return d.db.Close()
}
