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
	"log"
	"time"

	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
)

// ReapInterval is how often the lease reaper wakes to scan for expired
// leases (spec.md §4.3 "wakes every second").
const ReapInterval = time.Second

// Scheduler owns the ready-queue and the lease table (spec.md §3
// "Ownership"). The task store is shared with the submitter and dispatch
// server; Scheduler only ever performs CAS writes against it.
type Scheduler struct {
	st          store.Store
	maxAttempts int

	ready      *readyQueue
	leases     *leaseTable
	runtimes   *runtimeTracker
	admission  chan struct{}

	logger *log.Logger

	wake        chan struct{}
	completions chan *task.Task
	cancel      context.CancelFunc
	done        chan struct{}
}

// completionBacklog bounds the completions channel; a sink that falls
// behind slows publishers down rather than growing memory without limit,
// the same backpressure posture as the ready-queue and admission gate.
const completionBacklog = 4096

// Option configures a Scheduler at construction, following the teacher's
// functional-options idiom (tenant/manager.go's Option type).
type Option func(*Scheduler)

// WithMaxSize overrides the ready-queue capacity (default DefaultMaxSize).
func WithMaxSize(n int) Option {
	return func(s *Scheduler) { s.ready = newReadyQueue(n) }
}

// WithLogger attaches a logger; without one the scheduler logs nothing.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler backed by st, with maxAttempts governing the
// store's retry policy (spec.md §4.2: 1 for volatile, 3 for durable).
func New(st store.Store, maxAttempts int, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:          st,
		maxAttempts: maxAttempts,
		ready:       newReadyQueue(DefaultMaxSize),
		leases:      newLeaseTable(),
		runtimes:    newRuntimeTracker(),
		wake:        make(chan struct{}, 1),
		completions: make(chan *task.Task, completionBacklog),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.admission = make(chan struct{}, s.ready.Cap())
	return s
}

// Admit blocks until there is room for one more task in the NEW/READY
// backlog, the backpressure the submitter relies on (spec.md §4.3
// "submission blocks"; §9 S5/S6 bound resident task count, not just
// ready-queue length). The reserved slot is released once the task
// leaves the backlog: dispatched to a client (assign), or failed before
// ever being promoted (FailParse from NEW).
func (s *Scheduler) Admit(ctx context.Context) error {
	select {
	case s.admission <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseAdmission() {
	select {
	case <-s.admission:
	default:
	}
}

// Completions returns the channel the failure/output sinks read from: every
// task that reaches DONE, FAILED or ABANDONED is published here exactly once, in the
// order it actually completed rather than submission order (spec.md §6
// "Failure output format: ... in completion order"). A slow reader applies
// backpressure to Complete/FailParse rather than losing completions.
func (s *Scheduler) Completions() <-chan *task.Task {
	return s.completions
}

func (s *Scheduler) publishCompletion(t *task.Task) {
	if t == nil {
		return
	}
	s.completions <- t.Clone()
}

// Start launches the promoter and reaper background loops. It returns
// immediately; call Stop to shut them down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.promoteLoop(ctx)
	go s.reapLoop(ctx)
}

// Stop cancels the background loops and closes the ready-queue, unblocking
// any pending Dispatch call.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.ready.Close()
}

// Notify wakes the promotion loop immediately instead of waiting for its
// next tick; the submitter calls this after every Insert (spec.md §4.3
// "insert events from the submitter (wake ready-promoter)").
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// promoteLoop keeps the ready-queue topped up from the store's NEW
// backlog, backing off to a 1-second tick between Notify wakeups so a
// burst of submissions doesn't busy-loop the promoter.
func (s *Scheduler) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.promote(ctx)
	}
}

func (s *Scheduler) promote(ctx context.Context) {
	room := s.ready.Cap() - s.ready.Len()
	if room <= 0 {
		return
	}
	newState := task.StateNew
	candidates, err := s.st.Query(ctx, store.Filter{State: &newState}, store.OrderBySubmitTime, false, room)
	if err != nil {
		s.logf("scheduler: promote query: %v", err)
		return
	}
	for _, t := range candidates {
		err := s.st.UpdateState(ctx, t.ID, task.StateNew, task.StateReady, nil)
		if err != nil {
			s.logf("scheduler: promote task %d: %v", t.ID, err)
			continue
		}
		t.State = task.StateReady
		s.ready.Push(t)
	}
}

// Dispatch hands up to n READY tasks to clientID, transitioning each to
// ASSIGNED with a lease under the current adaptive TTL. It first drains
// the in-memory ready-queue (the O(1) fast path); if that underflows
// (e.g. immediately after a restart, before the promoter has refilled the
// cache) it falls back to the store's NextReady, which finds and assigns
// READY backlog directly, skipping the cache entirely.
func (s *Scheduler) Dispatch(ctx context.Context, clientID string, n int) ([]*task.Task, error) {
	out := make([]*task.Task, 0, n)
	ttl := s.runtimes.leaseTTL()
	now := time.Now()

	for len(out) < n {
		t, ok := s.ready.Pop()
		if !ok {
			break
		}
		assigned, err := s.assign(ctx, t.ID, clientID, now, ttl)
		if err != nil {
			// A CAS conflict here means another path already moved the
			// task out of READY; the cache entry is simply stale. Stop
			// rather than keep popping -- the next pop would dispatch a
			// task beyond the n the caller asked for.
			s.logf("scheduler: dispatch task %d: %v", t.ID, err)
			break
		}
		out = append(out, assigned)
	}

	if len(out) < n {
		deadline := now.Add(ttl)
		fallback, err := s.st.NextReady(ctx, n-len(out), func(t *task.Task) {
			t.Attempt++
			t.StartTime = &now
			t.Host = &clientID
		})
		if err != nil {
			return out, err
		}
		for _, t := range fallback {
			s.leases.grant(task.Lease{TaskID: t.ID, ClientID: clientID, GrantedAt: now, Deadline: deadline})
			if t.Attempt == 1 {
				s.releaseAdmission()
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Scheduler) assign(ctx context.Context, id int64, clientID string, now time.Time, ttl time.Duration) (*task.Task, error) {
	var assigned *task.Task
	err := s.st.UpdateState(ctx, id, task.StateReady, task.StateAssigned, func(t *task.Task) {
		t.Attempt++
		t.StartTime = &now
		t.Host = &clientID
		assigned = t
	})
	if err != nil {
		return nil, err
	}
	s.leases.grant(task.Lease{TaskID: id, ClientID: clientID, GrantedAt: now, Deadline: now.Add(ttl)})
	// Only a first dispatch frees an admission slot; a requeued task never
	// took a new one when it re-entered READY.
	if assigned.Attempt == 1 {
		s.releaseAdmission()
	}
	return assigned.Clone(), nil
}

// LeaseDeadline returns the current lease deadline for taskID, if any is
// outstanding. The dispatch server uses this to populate TaskWire's
// LeaseDeadline field when it hands a task to a client.
func (s *Scheduler) LeaseDeadline(id int64) (time.Time, bool) {
	l, ok := s.leases.get(id)
	return l.Deadline, ok
}

// Complete records a RESULT from a client: CAS ASSIGNED -> DONE/FAILED,
// releases the lease, and feeds the runtime into the adaptive TTL tracker.
// host is the client-reported executing host (wire.Result.Host); it
// replaces the clientID placeholder assign() set at dispatch time. An
// empty host leaves the existing value in place.
func (s *Scheduler) Complete(ctx context.Context, id int64, exitStatus int, output, errOutput []byte, start, complete time.Time, host string) error {
	to := task.StateDone
	if exitStatus != 0 {
		to = task.StateFailed
	}
	var completed *task.Task
	err := s.st.UpdateState(ctx, id, task.StateAssigned, to, func(t *task.Task) {
		t.ExitStatus = &exitStatus
		t.Output = output
		t.Error = errOutput
		t.StartTime = &start
		t.CompleteTime = &complete
		if host != "" {
			t.Host = &host
		}
		completed = t
	})
	s.leases.release(id)
	if err == nil {
		s.runtimes.observe(complete.Sub(start))
		s.publishCompletion(completed)
	}
	return err
}

// FailParse marks a task FAILED without ever assigning it, for a template
// or input line that failed to parse at submission time (spec.md §4.1).
// from is the task's state at the time of the failure (NEW pre-dispatch
// or ASSIGNED if a client-side Expand failure is reported back to us).
// task.ValidateInvariants requires host non-nil in FAILED regardless of
// from, so callers always pass one: the client's reported host for an
// ASSIGNED-origin failure, the submitting process's own host for a
// NEW-origin one (it never reached a client at all).
func (s *Scheduler) FailParse(ctx context.Context, id int64, from task.State, reason, host string) error {
	var failed *task.Task
	err := s.st.UpdateState(ctx, id, from, task.StateFailed, func(t *task.Task) {
		t.FailReason = reason
		if host != "" {
			t.Host = &host
		}
		failed = t
	})
	s.leases.release(id)
	if err == nil {
		if from == task.StateNew {
			s.releaseAdmission()
		}
		s.publishCompletion(failed)
	}
	return err
}

// ReleaseSession requeues every task leased to clientID (client
// disconnected) and drops its leases immediately, without waiting for
// expiry (spec.md §3 "Client Session").
func (s *Scheduler) ReleaseSession(ctx context.Context, clientID string) {
	for _, id := range s.leases.forSession(clientID) {
		s.requeueOne(ctx, id)
	}
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range s.leases.expired(time.Now()) {
			s.requeueOne(ctx, id)
		}
	}
}

func (s *Scheduler) requeueOne(ctx context.Context, id int64) {
	st, err := s.st.Requeue(ctx, id, s.maxAttempts)
	s.leases.release(id)
	if err != nil {
		s.logf("scheduler: requeue task %d: %v", id, err)
		return
	}
	t, err := s.st.Get(ctx, id)
	if err != nil || t == nil {
		s.logf("scheduler: reloading requeued task %d: %v", id, err)
		return
	}
	switch st {
	case task.StateReady:
		s.ready.Push(t)
	case task.StateAbandoned:
		s.publishCompletion(t)
	}
}
