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
	"context"
	"testing"
	"time"

	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
)

func TestReadyQueueBackpressure(t *testing.T) {
	q := newReadyQueue(2)
	q.Push(&task.Task{ID: 1})
	q.Push(&task.Task{ID: 2})

	done := make(chan struct{})
	go func() {
		q.Push(&task.Task{ID: 3})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.Pop(); !ok {
		t.Fatal("Pop: expected item")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push should have unblocked once room was freed")
	}
}

func TestReadyQueueCloseDrains(t *testing.T) {
	q := newReadyQueue(4)
	q.Push(&task.Task{ID: 1})
	q.Close()

	if tk, ok := q.Pop(); !ok || tk.ID != 1 {
		t.Fatalf("expected draining the remaining item, got %v, %v", tk, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected Pop to report closed-and-empty")
	}
}

func TestLeaseTableExpiryAndSessionRevocation(t *testing.T) {
	lt := newLeaseTable()
	now := time.Now()
	lt.grant(task.Lease{TaskID: 1, ClientID: "c1", GrantedAt: now, Deadline: now.Add(-time.Second)})
	lt.grant(task.Lease{TaskID: 2, ClientID: "c1", GrantedAt: now, Deadline: now.Add(time.Hour)})
	lt.grant(task.Lease{TaskID: 3, ClientID: "c2", GrantedAt: now, Deadline: now.Add(time.Hour)})

	expired := lt.expired(now)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected [1] expired, got %v", expired)
	}

	bySession := lt.forSession("c1")
	if len(bySession) != 2 {
		t.Fatalf("expected 2 leases for c1, got %v", bySession)
	}
}

func TestSchedulerPromoteAndDispatch(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, store.DefaultMaxAttemptsVolatile)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.Insert(ctx, &task.Task{Args: "echo hi"}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	sched.promote(ctx)

	got, err := sched.Dispatch(ctx, "client-1", 2)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 dispatched tasks, got %d", len(got))
	}
	for _, tk := range got {
		if tk.State != task.StateAssigned {
			t.Fatalf("expected ASSIGNED, got %s", tk.State)
		}
		if _, ok := sched.leases.get(tk.ID); !ok {
			t.Fatalf("expected a lease granted for task %d", tk.ID)
		}
	}
}

func TestSchedulerCompleteReleasesLease(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, store.DefaultMaxAttemptsVolatile)
	ctx := context.Background()

	id, _ := st.Insert(ctx, &task.Task{Args: "echo hi"})
	sched.promote(ctx)
	dispatched, err := sched.Dispatch(ctx, "client-1", 1)
	if err != nil || len(dispatched) != 1 {
		t.Fatalf("Dispatch: %v, %v", dispatched, err)
	}

	start := time.Now()
	complete := start.Add(10 * time.Millisecond)
	if err := sched.Complete(ctx, id, 0, []byte("out"), nil, start, complete, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, ok := sched.leases.get(id); ok {
		t.Fatal("expected lease released after Complete")
	}
	got, _ := st.Get(ctx, id)
	if got.State != task.StateDone {
		t.Fatalf("expected DONE, got %s", got.State)
	}
}

func TestSchedulerReleaseSessionRequeues(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, 3)
	ctx := context.Background()

	id, _ := st.Insert(ctx, &task.Task{Args: "echo hi"})
	sched.promote(ctx)
	if _, err := sched.Dispatch(ctx, "client-1", 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sched.ReleaseSession(ctx, "client-1")

	got, _ := st.Get(ctx, id)
	if got.State != task.StateReady {
		t.Fatalf("expected READY after session release, got %s", got.State)
	}
	if _, ok := sched.leases.get(id); ok {
		t.Fatal("expected lease released")
	}
}

func TestSchedulerAdmitBoundsBacklog(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, store.DefaultMaxAttemptsVolatile, WithMaxSize(1))
	ctx := context.Background()

	if err := sched.Admit(ctx); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	admitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sched.Admit(admitCtx); err == nil {
		t.Fatal("second Admit should have blocked on a full backlog")
	}

	sched.releaseAdmission()
	if err := sched.Admit(ctx); err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
}

func TestSchedulerFailParseReleasesAdmissionAndPublishes(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, store.DefaultMaxAttemptsVolatile, WithMaxSize(1))
	ctx := context.Background()

	if err := sched.Admit(ctx); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	id, err := st.Insert(ctx, &task.Task{Args: "bad template line"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := sched.FailParse(ctx, id, task.StateNew, "unbalanced '{[' delimiter", "submitter"); err != nil {
		t.Fatalf("FailParse: %v", err)
	}

	admitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sched.Admit(admitCtx); err != nil {
		t.Fatalf("Admit should have succeeded once FailParse released the slot: %v", err)
	}

	select {
	case got := <-sched.Completions():
		if got.ID != id || got.State != task.StateFailed {
			t.Fatalf("unexpected completion: %+v", got)
		}
	default:
		t.Fatal("expected a completion to be published")
	}
}

func TestSchedulerDispatchAndCompletePublish(t *testing.T) {
	st := store.NewVolatile()
	sched := New(st, store.DefaultMaxAttemptsVolatile)
	ctx := context.Background()

	if err := sched.Admit(ctx); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	id, _ := st.Insert(ctx, &task.Task{Args: "echo hi"})
	sched.promote(ctx)

	dispatched, err := sched.Dispatch(ctx, "client-1", 1)
	if err != nil || len(dispatched) != 1 {
		t.Fatalf("Dispatch: %v, %v", dispatched, err)
	}

	// The slot should already be free: assign() releases admission the
	// moment a task leaves the backlog, well before it completes.
	admitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sched.Admit(admitCtx); err != nil {
		t.Fatalf("Admit after dispatch should not block: %v", err)
	}

	start := time.Now()
	if err := sched.Complete(ctx, id, 0, []byte("hi"), nil, start, start.Add(time.Millisecond), "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case got := <-sched.Completions():
		if got.ID != id || got.State != task.StateDone {
			t.Fatalf("unexpected completion: %+v", got)
		}
	default:
		t.Fatal("expected a completion to be published")
	}
}

func TestRuntimeTrackerAdaptiveTTL(t *testing.T) {
	rt := newRuntimeTracker()
	if rt.leaseTTL() != DefaultFixedLeaseTTL {
		t.Fatalf("expected default TTL with no samples, got %v", rt.leaseTTL())
	}
	for i := 0; i < 100; i++ {
		rt.observe(time.Second)
	}
	if got := rt.leaseTTL(); got != minLeaseTTL {
		t.Fatalf("expected the 60s floor over 2x p95 runtime (2s), got %v", got)
	}
}
