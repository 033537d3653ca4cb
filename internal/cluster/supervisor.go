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

// Package cluster implements the supervisor from spec.md §4.6: a single
// entry point that starts the dispatch server in-process and then spawns
// N clients under a pluggable launch strategy, with staggered startup and
// an ordered shutdown. It is grounded on cmd/snellerd/run_daemon.go's
// signal-to-context-timeout shutdown idiom and on tenant/manager.go's
// launch/reap subprocess bookkeeping, applied to launching hyper-shell
// client children instead of sandboxed query workers.
package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/LK4D4/joincontext"

	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
)

// DefaultStaggerDelay is the per-launch pause the supervisor waits after a
// client registers before starting the next one (spec.md §4.6
// "recommended: 50-200 ms").
const DefaultStaggerDelay = 100 * time.Millisecond

// DefaultHelloTimeout bounds how long the supervisor waits for a just
// launched client to register before giving up on it and moving on
// regardless, so one bad node can't wedge the whole startup sequence.
const DefaultHelloTimeout = 10 * time.Second

// Config configures a Supervisor.
type Config struct {
	// NumClients is how many clients to launch; 0 defaults to
	// runtime.NumCPU() (spec.md §4.6 "local: ... default N = core count").
	NumClients int

	StaggerDelay  time.Duration
	HelloTimeout  time.Duration
	DrainDeadline time.Duration

	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.NumClients <= 0 {
		c.NumClients = runtime.NumCPU()
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = DefaultStaggerDelay
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = dispatch.DefaultDrainDeadline
	}
}

// Supervisor co-launches a fleet of clients against an already-running
// Scheduler/Store/Server trio and drives the ordered shutdown sequence.
type Supervisor struct {
	st       store.Store
	sched    *scheduler.Scheduler
	launcher Launcher
	cfg      Config

	srv *dispatch.Server

	mu        sync.Mutex
	connected map[string]chan struct{}
	procs     []Process
}

// New builds a Supervisor. Call Attach once the dispatch.Server exists --
// it is normally constructed with dispatch.WithOnConnect(sup.OnConnect),
// which needs sup to exist first, so the two can't be built in one step.
func New(st store.Store, sched *scheduler.Scheduler, launcher Launcher, cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		st:        st,
		sched:     sched,
		launcher:  launcher,
		cfg:       cfg,
		connected: make(map[string]chan struct{}),
	}
}

// Attach records the dispatch server this supervisor performs ordered
// shutdown against.
func (s *Supervisor) Attach(srv *dispatch.Server) {
	s.srv = srv
}

// OnConnect is the dispatch.WithOnConnect hook: it unblocks LaunchAll's
// wait for the client it just started to finish its handshake.
func (s *Supervisor) OnConnect(clientID string) {
	s.mu.Lock()
	ch, ok := s.connected[clientID]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

// LaunchAll starts cfg.NumClients clients one at a time, waiting for each
// to register (or HelloTimeout to elapse) before starting the next, with
// StaggerDelay between successive launches (spec.md §4.6 "Startup is
// staggered").
func (s *Supervisor) LaunchAll(ctx context.Context) error {
	for i := 0; i < s.cfg.NumClients; i++ {
		clientID := fmt.Sprintf("client-%d", i)
		ready := make(chan struct{})
		s.mu.Lock()
		s.connected[clientID] = ready
		s.mu.Unlock()

		proc, err := s.launcher.Launch(ctx, clientID, i)
		if err != nil {
			return fmt.Errorf("hypershell: launching %s: %w", clientID, err)
		}
		s.trackProc(proc)

		select {
		case <-ready:
		case <-time.After(s.cfg.HelloTimeout):
			s.logf("cluster: %s did not register within %s, continuing", clientID, s.cfg.HelloTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}

		if i < s.cfg.NumClients-1 {
			select {
			case <-time.After(s.cfg.StaggerDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// trackProc records proc for shutdown, skipping a duplicate handle: the
// mpi launcher returns the same *procHandle for every client index since
// mpiexec starts every rank in one call.
func (s *Supervisor) trackProc(proc Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p == proc {
			return
		}
	}
	s.procs = append(s.procs, proc)
}

// Run launches the fleet, then blocks until ctx is canceled or SIGINT/
// SIGTERM arrives, and performs the ordered shutdown from spec.md §4.6.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.LaunchAll(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		s.logf("cluster: shutdown signal received")
	}

	// joincontext ties the caller's (possibly already-canceled) context
	// to a fresh drain-deadline context, so Shutdown stops waiting on
	// whichever fires first instead of on a hand-rolled fan-in
	// (cmd/snellerd/run_daemon.go's signal-to-context-timeout shutdown,
	// generalized to join two live contexts rather than start one from a
	// bare background).
	deadlineCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline+5*time.Second)
	defer cancel()
	joined, jcancel := joincontext.Join(ctx, deadlineCtx)
	defer jcancel()

	return s.Shutdown(joined)
}

// Shutdown performs spec.md §4.6's ordered shutdown: wait for the store's
// NEW/READY/ASSIGNED backlog to drain, SHUTDOWN every client with a drain
// deadline (dispatch.Server.Shutdown already does this), then stop any
// client processes this supervisor launched. Stopping new submissions is
// the caller's responsibility -- Shutdown only ever waits for what is
// already in flight to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.waitDrain(ctx); err != nil {
		s.logf("cluster: drain wait: %v", err)
	}
	if s.srv != nil {
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logf("cluster: server shutdown: %v", err)
		}
	}
	s.stopProcs()
	return nil
}

func (s *Supervisor) waitDrain(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending, err := s.hasPending(ctx)
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) hasPending(ctx context.Context) (bool, error) {
	for _, st := range []task.State{task.StateNew, task.StateReady, task.StateAssigned} {
		st := st
		got, err := s.st.Query(ctx, store.Filter{State: &st}, store.OrderByID, false, 1)
		if err != nil {
			return false, err
		}
		if len(got) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Supervisor) stopProcs() {
	s.mu.Lock()
	procs := append([]Process(nil), s.procs...)
	s.mu.Unlock()

	for _, p := range procs {
		p.Stop()
	}
	for _, p := range procs {
		if err := p.Wait(); err != nil {
			s.logf("cluster: client process exited: %v", err)
		}
	}
}
