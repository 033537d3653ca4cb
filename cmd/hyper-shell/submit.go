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

package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
	"github.com/hypershell/hypershell/internal/template"
)

// admitPollInterval is how often a standalone `submit` process re-checks
// the backlog size while waiting for room, since it has no direct line to
// a live Scheduler.Admit semaphore the way the embedded submitter in
// `server`/`cluster` does (internal/submit.Submitter.submitOne).
const admitPollInterval = 50 * time.Millisecond

// runSubmit implements `hyper-shell submit`: insert tasks into an
// already-running durable-backed server's store from a second process
// (spec.md §2 "the submitter ... writes them to the store"). It
// replicates internal/submit's admission-then-insert-then-parse-check
// sequence against the store directly, since Scheduler.Admit's semaphore
// lives only in the server process's memory.
func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	storePath := fs.String("f", "", "durable store directory (shared with the running server)")
	tmplFlag := fs.String("t", "", "default command template")
	maxSize := fs.Int("s", scheduler.DefaultMaxSize, "backlog ceiling to honor before blocking (match the server's -s)")
	input := fs.String("i", "-", "path to read task lines from (- for stdin)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	logger := newLogger(*verbose, false)
	st, err := mustDurable(*storePath)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	var r io.Reader
	if *input == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(*input)
		if err != nil {
			return exitf(exitOperation, "hyper-shell: %v", err)
		}
		defer f.Close()
		r = f
	}

	stats, err := submitLines(context.Background(), st, *tmplFlag, *maxSize, r)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: submit: %v", err)
	}
	if logger != nil {
		logger.Printf("hyper-shell: submitted %d/%d lines (%d rejected)", stats.Submitted, stats.Lines, stats.Rejected)
	}
	return exitOK
}

type submitStats struct {
	Lines, Submitted, Rejected int
}

func submitLines(ctx context.Context, st store.Store, tmpl string, maxSize int, r io.Reader) (submitStats, error) {
	var stats submitStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := waitForRoom(ctx, st, maxSize); err != nil {
			return stats, err
		}

		rejected, err := submitOneLine(ctx, st, tmpl, scanner.Text())
		if err != nil {
			return stats, err
		}
		if rejected {
			stats.Rejected++
		} else {
			stats.Submitted++
		}
	}
	return stats, scanner.Err()
}

func submitOneLine(ctx context.Context, st store.Store, tmpl, line string) (rejected bool, err error) {
	t := &task.Task{Args: line, Template: tmpl}
	id, err := st.Insert(ctx, t)
	if err != nil {
		return false, err
	}
	if _, perr := template.Parse(t.EffectiveTemplate()); perr != nil {
		host, herr := os.Hostname()
		if herr != nil {
			host = "submitter"
		}
		uerr := st.UpdateState(ctx, id, task.StateNew, task.StateFailed, func(t *task.Task) {
			t.FailReason = perr.Error()
			t.Host = &host
		})
		if uerr != nil {
			return false, uerr
		}
		return true, nil
	}
	return false, nil
}

// waitForRoom blocks until the store's NEW+READY backlog is below
// maxSize, polling at admitPollInterval -- the cross-process analogue of
// Scheduler.Admit's in-memory semaphore (spec.md §4.3 backpressure).
func waitForRoom(ctx context.Context, st store.Store, maxSize int) error {
	ticker := time.NewTicker(admitPollInterval)
	defer ticker.Stop()
	for {
		backlog, err := backlogSize(ctx, st, maxSize)
		if err != nil {
			return err
		}
		if backlog < maxSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func backlogSize(ctx context.Context, st store.Store, limit int) (int, error) {
	total := 0
	for _, s := range [...]task.State{task.StateNew, task.StateReady} {
		s := s
		got, err := st.Query(ctx, store.Filter{State: &s}, store.OrderByID, false, limit+1)
		if err != nil {
			return 0, err
		}
		total += len(got)
		if total >= limit {
			return total, nil
		}
	}
	return total, nil
}
