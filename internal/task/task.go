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

// Package task defines the Task record, its state machine, and the
// ephemeral Lease and ClientSession types that the scheduler and dispatch
// server build on top of it (spec.md §3).
package task

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTemplate is used when a task carries no explicit template.
const DefaultTemplate = "{}"

// Task is a single unit of work: a shell command line plus the metadata
// needed to track it from submission through completion.
//
// The monotonic int64 id (assigned by the store on Insert) is the primary
// identifier used for state transitions, lease keys, and CAS operations.
// UUID is a secondary, opaque identifier attached at Insert time purely for
// external log correlation; nothing in the core keys off it. spec.md §9
// leaves this ambiguity explicit and this is the resolution recorded in
// DESIGN.md.
type Task struct {
	ID   int64
	UUID uuid.UUID

	Args     string
	Template string

	SubmitTime   *time.Time
	StartTime    *time.Time
	CompleteTime *time.Time

	Host    *string
	Attempt int

	ExitStatus *int
	Output     []byte
	Error      []byte

	State State

	// FailReason carries a structured explanation when State == StateFailed
	// as a result of a template/parse error rather than a nonzero exit.
	FailReason string
}

// EffectiveTemplate returns Template, substituting DefaultTemplate when
// the task was submitted without one.
func (t *Task) EffectiveTemplate() string {
	if t.Template == "" {
		return DefaultTemplate
	}
	return t.Template
}

// Clone returns a deep-enough copy of t suitable for handing to a reader
// that must not observe subsequent mutation (store snapshots).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.SubmitTime != nil {
		v := *t.SubmitTime
		out.SubmitTime = &v
	}
	if t.StartTime != nil {
		v := *t.StartTime
		out.StartTime = &v
	}
	if t.CompleteTime != nil {
		v := *t.CompleteTime
		out.CompleteTime = &v
	}
	if t.Host != nil {
		v := *t.Host
		out.Host = &v
	}
	if t.ExitStatus != nil {
		v := *t.ExitStatus
		out.ExitStatus = &v
	}
	if t.Output != nil {
		out.Output = append([]byte(nil), t.Output...)
	}
	if t.Error != nil {
		out.Error = append([]byte(nil), t.Error...)
	}
	return &out
}

// ValidateInvariants checks the non-decreasing timestamp and host-presence
// invariants from spec.md §3. It does not check attempt bounds, which is
// the store's responsibility (it alone knows max_attempts).
func (t *Task) ValidateInvariants() error {
	if t.SubmitTime != nil && t.StartTime != nil && t.StartTime.Before(*t.SubmitTime) {
		return &invariantError{"start_time precedes submit_time"}
	}
	if t.StartTime != nil && t.CompleteTime != nil && t.CompleteTime.Before(*t.StartTime) {
		return &invariantError{"complete_time precedes start_time"}
	}
	hostRequired := t.State == StateAssigned || t.State == StateDone || t.State == StateFailed
	if hostRequired && t.Host == nil {
		return &invariantError{"host must be set in state " + t.State.String()}
	}
	if !hostRequired && t.Host != nil {
		return &invariantError{"host must be unset in state " + t.State.String()}
	}
	return nil
}

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "invariant violation: " + e.msg }
