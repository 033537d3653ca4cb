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

import (
	"errors"
	"strconv"
)

// Error kinds from spec.md §7. These are sentinel values, not a type
// hierarchy: callers compare with errors.Is against the wrapped sentinel,
// mirroring the plain errors.New/fmt.Errorf("...: %w") idiom used
// throughout the teacher (tenant/manager.go, auth/s3auth.go) rather than
// introducing a custom error package.
var (
	// ErrParse marks a template or input line that failed to parse.
	// The task is marked FAILED at submission time, never at dispatch.
	ErrParse = errors.New("hypershell: parse error")

	// ErrAuth marks a failed client authentication handshake.
	ErrAuth = errors.New("hypershell: auth error")

	// ErrTransport marks a broken stream, bad frame, or protocol
	// version mismatch. The session is closed and its leases revoked.
	ErrTransport = errors.New("hypershell: transport error")

	// ErrStore marks a persistence failure. The scheduler pauses
	// promotion until the next successful write.
	ErrStore = errors.New("hypershell: store error")

	// ErrTask marks a non-zero exit status. This is data, not a fault:
	// it is recorded on the Task and surfaced via the failure sink, and
	// it never triggers a retry.
	ErrTask = errors.New("hypershell: task exited non-zero")

	// ErrTimeout marks a lease expiry or drain-deadline elapse.
	ErrTimeout = errors.New("hypershell: timeout")

	// ErrConflict marks a compare-and-swap failure on a Task's state.
	// It is not retried: the scheduler logs it and moves on (skipping
	// the task during promotion, ending the batch during dispatch).
	ErrConflict = errors.New("hypershell: conflict")

	// ErrFatal marks a corrupt store, bind failure, or other
	// unrecoverable supervisor error. Callers should exit(1).
	ErrFatal = errors.New("hypershell: fatal")
)

// ParseError wraps ErrParse with the offending input so the submitter
// and the failure sink can surface the literal bad line.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason + ": " + e.Input
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ConflictError records the expected and observed states of a failed CAS.
type ConflictError struct {
	ID       int64
	Expected State
	Observed State
}

func (e *ConflictError) Error() string {
	return "conflict: task " + strconv.FormatInt(e.ID, 10) + " expected " + e.Expected.String() + " but found " + e.Observed.String()
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
