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

// State is a Task's position in the assignment state machine described
// in the data model: NEW -> READY -> ASSIGNED -> {DONE, FAILED, ABANDONED},
// with ASSIGNED able to fall back to READY (lease lost, attempts remain)
// or ABANDONED (lease lost, attempts exhausted), and NEW able to go
// straight to FAILED when the task is rejected at submission.
type State int

const (
	StateNew State = iota
	StateReady
	StateAssigned
	StateDone
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	case StateAssigned:
		return "ASSIGNED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the states a Task can never leave.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAbandoned
}

// validTransitions enumerates the state machine's edges as drawn in
// spec.md §3, plus NEW -> FAILED for a task whose template or input line
// is rejected at submission (Scheduler.FailParse). AssignedToReady and AssignedToAbandoned are both reachable
// from ASSIGNED depending on whether attempts remain; the caller picks
// which edge applies (see internal/store).
var validTransitions = map[State]map[State]bool{
	StateNew:       {StateReady: true, StateFailed: true, StateAbandoned: true},
	StateReady:     {StateAssigned: true},
	StateAssigned:  {StateDone: true, StateFailed: true, StateReady: true, StateAbandoned: true},
	StateDone:      {},
	StateFailed:    {},
	StateAbandoned: {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
