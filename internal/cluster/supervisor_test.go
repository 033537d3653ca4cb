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

package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
)

// fakeProcess is a no-op Process for exercising Supervisor without
// spawning real child processes (there is no ssh/mpiexec/self binary to
// exec in a unit test).
type fakeProcess struct {
	stopped chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{stopped: make(chan struct{})}
}

func (p *fakeProcess) Wait() error {
	<-p.stopped
	return nil
}

func (p *fakeProcess) Stop() {
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
}

// fakeLauncher records every Launch call and immediately "registers" the
// client by calling back into the supervisor, the way a real client would
// trigger dispatch.Server's onConnect hook after HELLO/AUTH.
type fakeLauncher struct {
	mu       sync.Mutex
	clients  []string
	onLaunch func(clientID string)
}

func (l *fakeLauncher) Launch(ctx context.Context, clientID string, index int) (Process, error) {
	l.mu.Lock()
	l.clients = append(l.clients, clientID)
	l.mu.Unlock()
	if l.onLaunch != nil {
		l.onLaunch(clientID)
	}
	return newFakeProcess(), nil
}

func TestSupervisorLaunchAllStaggersAndWaitsForHello(t *testing.T) {
	st := store.NewVolatile()
	sched := scheduler.New(st, store.DefaultMaxAttemptsVolatile)

	var sup *Supervisor
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(clientID string) {
		// Simulate the client registering immediately, the way
		// dispatch.Server's onConnect hook fires right after AUTH.
		sup.OnConnect(clientID)
	}

	cfg := Config{NumClients: 3, StaggerDelay: 5 * time.Millisecond, HelloTimeout: time.Second}
	sup = New(st, sched, launcher, cfg)

	if err := sup.LaunchAll(context.Background()); err != nil {
		t.Fatalf("LaunchAll: %v", err)
	}

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.clients) != 3 {
		t.Fatalf("expected 3 clients launched, got %d: %v", len(launcher.clients), launcher.clients)
	}
	if launcher.clients[0] != "client-0" || launcher.clients[2] != "client-2" {
		t.Fatalf("unexpected client ids: %v", launcher.clients)
	}
}

func TestSupervisorLaunchAllTimesOutWithoutHello(t *testing.T) {
	st := store.NewVolatile()
	sched := scheduler.New(st, store.DefaultMaxAttemptsVolatile)

	launcher := &fakeLauncher{} // never calls OnConnect
	cfg := Config{NumClients: 1, HelloTimeout: 20 * time.Millisecond, StaggerDelay: time.Millisecond}
	sup := New(st, sched, launcher, cfg)

	start := time.Now()
	if err := sup.LaunchAll(context.Background()); err != nil {
		t.Fatalf("LaunchAll: %v", err)
	}
	if time.Since(start) < cfg.HelloTimeout {
		t.Fatal("LaunchAll returned before HelloTimeout elapsed")
	}
}

func TestSupervisorShutdownWaitsForBacklogToDrain(t *testing.T) {
	st := store.NewVolatile()
	sched := scheduler.New(st, store.DefaultMaxAttemptsVolatile)
	ctx := context.Background()

	id, err := st.Insert(ctx, &task.Task{Args: "echo hi", Template: task.DefaultTemplate})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sup := New(st, sched, &fakeLauncher{}, Config{NumClients: 0})

	done := make(chan error, 1)
	go func() { done <- sup.Shutdown(ctx) }()

	select {
	case <-done:
		t.Fatal("Shutdown returned before the backlog drained")
	case <-time.After(50 * time.Millisecond):
	}

	// Drive the task through to DONE, the way a client's RESULT would.
	if err := st.UpdateState(ctx, id, task.StateNew, task.StateReady, nil); err != nil {
		t.Fatalf("UpdateState new->ready: %v", err)
	}
	now := time.Now()
	host := "worker-1"
	if err := st.UpdateState(ctx, id, task.StateReady, task.StateAssigned, func(tk *task.Task) {
		tk.StartTime = &now
		tk.Host = &host
	}); err != nil {
		t.Fatalf("UpdateState ready->assigned: %v", err)
	}
	exit := 0
	if err := st.UpdateState(ctx, id, task.StateAssigned, task.StateDone, func(tk *task.Task) {
		tk.ExitStatus = &exit
		tk.CompleteTime = &now
	}); err != nil {
		t.Fatalf("UpdateState assigned->done: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown never observed the drained backlog")
	}
}

func TestSupervisorTrackProcDedupesSharedHandle(t *testing.T) {
	st := store.NewVolatile()
	sched := scheduler.New(st, store.DefaultMaxAttemptsVolatile)
	sup := New(st, sched, &fakeLauncher{}, Config{})

	shared := newFakeProcess()
	sup.trackProc(shared)
	sup.trackProc(shared)
	sup.trackProc(newFakeProcess())

	if len(sup.procs) != 2 {
		t.Fatalf("expected the duplicate handle to be deduped, got %d procs", len(sup.procs))
	}
}
