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

// Package submit implements the line-oriented task submitter (spec.md §2
// "reads an input byte stream line-by-line, produces Task records, writes
// them to the store"). It is the one place in the system that calls
// Scheduler.Admit, turning the scheduler's admission semaphore into the
// blocking-write backpressure spec.md §4.3 describes.
package submit

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
	"github.com/hypershell/hypershell/internal/template"
)

// maxLineSize bounds a single input line, mirroring the generous
// per-record ceilings the teacher uses for its own line/record readers
// (jsonrl.MaxObjectSize, ion's bufio.NewReaderSize) rather than leaving
// bufio.Scanner's small default token size to silently truncate input.
const maxLineSize = 1 << 20

// Stats summarizes one Run call: how many lines were read, how many became
// tasks, and how many were rejected as a parse error at submission time.
type Stats struct {
	Lines     int
	Submitted int
	Rejected  int
}

// Submitter reads task lines from an input stream and inserts them into
// the store, gated by the scheduler's admission semaphore.
type Submitter struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler

	// Template is the default command template applied to every
	// submitted line (spec.md §3 "template: ... default \"{}\"").
	Template string
}

// Run reads r line by line until EOF, skipping blank lines and lines
// beginning with '#' (spec.md §6 "Task input format"). Each remaining
// line becomes a Task: Admit blocks the call until the NEW/READY backlog
// has room, the line's effective template is parsed eagerly so a bad
// template fails at submission rather than dispatch (spec.md §4.1), and
// Scheduler.Notify wakes the promoter immediately instead of waiting for
// its next tick.
//
// Run returns when r reaches EOF or ctx is canceled. It does not wait for
// submitted tasks to reach a terminal state; that is the caller's job
// (spec.md §5 "the submitter ... waits for the store to drain before
// exiting"), since only the caller knows whether it is also responsible
// for stopping the scheduler.
func (s *Submitter) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++

		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		rejected, err := s.submitOne(ctx, line)
		if err != nil {
			return stats, err
		}
		if rejected {
			stats.Rejected++
		} else {
			stats.Submitted++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// submitOne inserts line as a task and reports whether it was rejected
// (FAILED at submission due to a bad template) rather than admitted into
// the normal NEW -> READY flow. The returned error is only ever a fatal
// failure of Admit/Insert/FailParse itself, never the line's own
// rejection.
func (s *Submitter) submitOne(ctx context.Context, line string) (rejected bool, err error) {
	if err := s.Scheduler.Admit(ctx); err != nil {
		return false, err
	}

	t := &task.Task{
		Args:     line,
		Template: s.Template,
	}
	id, err := s.Store.Insert(ctx, t)
	if err != nil {
		return false, err
	}

	if _, perr := template.Parse(t.EffectiveTemplate()); perr != nil {
		// FailParse releases the admission slot this Insert consumed
		// (from == StateNew); the task still exists in the store and
		// surfaces through the failure sink like any other FAILED task.
		// It never reached a client, so the submitting process's own
		// host satisfies the FAILED-requires-host invariant.
		if err := s.Scheduler.FailParse(ctx, id, task.StateNew, perr.Error(), localHostname()); err != nil {
			return false, err
		}
		return true, nil
	}

	s.Scheduler.Notify()
	return false, nil
}

// localHostname is the host recorded against a task rejected before it
// was ever dispatched to a client, falling back to a fixed label rather
// than a propagated error since submission cannot otherwise fail here.
func localHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "submitter"
}
