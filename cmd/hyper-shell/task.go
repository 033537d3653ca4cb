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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
)

// runTask implements `hyper-shell task {show|status|search|wait}` against
// a durable store's read-only Query/Get projection (spec.md §6).
func runTask(args []string) int {
	if len(args) < 1 {
		return exitf(exitUsage, "hyper-shell: task: usage: task {show|status|search|wait} ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "show":
		return runTaskShow(rest)
	case "status":
		return runTaskStatus(rest)
	case "search":
		return runTaskSearch(rest)
	case "wait":
		return runTaskWait(rest)
	default:
		return exitf(exitUsage, "hyper-shell: task: unknown subcommand %q", sub)
	}
}

func parseTaskID(fs *flag.FlagSet) (int64, int) {
	if fs.NArg() != 1 {
		return 0, exitf(exitUsage, "hyper-shell: task: expected exactly one task id")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return 0, exitf(exitUsage, "hyper-shell: task: invalid task id %q", fs.Arg(0))
	}
	return id, exitOK
}

func runTaskShow(args []string) int {
	fs := flag.NewFlagSet("task show", flag.ContinueOnError)
	storePath := fs.String("f", "", "durable store directory")
	asJSON := fs.Bool("json", false, "print the task as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	id, code := parseTaskID(fs)
	if code != exitOK {
		return code
	}
	st, err := mustDurable(*storePath)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	t, err := st.Get(context.Background(), id)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}
	if t == nil {
		return exitf(exitOperation, "hyper-shell: no such task: %d", id)
	}
	if *asJSON {
		return printJSON(taskRow(t))
	}
	printTaskDetail(t)
	return exitOK
}

func runTaskStatus(args []string) int {
	fs := flag.NewFlagSet("task status", flag.ContinueOnError)
	storePath := fs.String("f", "", "durable store directory")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	id, code := parseTaskID(fs)
	if code != exitOK {
		return code
	}
	st, err := mustDurable(*storePath)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	t, err := st.Get(context.Background(), id)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}
	if t == nil {
		return exitf(exitOperation, "hyper-shell: no such task: %d", id)
	}
	fmt.Println(t.State.String())
	return exitOK
}

// runTaskSearch implements `task search`: a read-only projection over the
// store with the output formats spec.md §6 lists (plain table by
// default, --json, --csv, -x single raw column, -c count only).
func runTaskSearch(args []string) int {
	fs := flag.NewFlagSet("task search", flag.ContinueOnError)
	storePath := fs.String("f", "", "durable store directory")
	stateFlag := fs.String("state", "", "filter by state (NEW, READY, ASSIGNED, DONE, FAILED, ABANDONED)")
	hostPrefix := fs.String("host", "", "filter by host prefix")
	limit := fs.Int("limit", 0, "max rows (0 = unlimited)")
	desc := fs.Bool("desc", false, "sort newest first")
	byID := fs.Bool("by-id", false, "order by id instead of submit_time")
	asJSON := fs.Bool("json", false, "print rows as a JSON array")
	asCSV := fs.Bool("csv", false, "print rows as CSV")
	raw := fs.Bool("x", false, "print only the args column, one per line")
	countOnly := fs.Bool("c", false, "print only the row count")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	f := store.Filter{HostPrefix: *hostPrefix}
	if *stateFlag != "" {
		s, err := parseState(*stateFlag)
		if err != nil {
			return exitf(exitUsage, "hyper-shell: %v", err)
		}
		f.State = &s
	}
	by := store.OrderBySubmitTime
	if *byID {
		by = store.OrderByID
	}

	st, err := mustDurable(*storePath)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	rows, err := st.Query(context.Background(), f, by, *desc, *limit)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}

	switch {
	case *countOnly:
		fmt.Println(len(rows))
	case *raw:
		for _, t := range rows {
			fmt.Println(t.Args)
		}
	case *asJSON:
		out := make([]taskRowJSON, len(rows))
		for i, t := range rows {
			out[i] = taskRow(t)
		}
		return printJSON(out)
	case *asCSV:
		printTaskCSV(rows)
	default:
		printTaskTable(rows)
	}
	return exitOK
}

// runTaskWait polls a task until it reaches a terminal state or --timeout
// elapses, then reports the outcome with the exit codes spec.md §6 lists:
// 0 for DONE, 4 for FAILED/ABANDONED, 1 on timeout or store error.
func runTaskWait(args []string) int {
	fs := flag.NewFlagSet("task wait", flag.ContinueOnError)
	storePath := fs.String("f", "", "durable store directory")
	timeout := fs.Duration("x", 0, "give up after this long (0 = wait forever)")
	poll := fs.Duration("poll", 200*time.Millisecond, "poll interval")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	id, code := parseTaskID(fs)
	if code != exitOK {
		return code
	}
	st, err := mustDurable(*storePath)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		t, err := st.Get(ctx, id)
		if err != nil {
			return exitf(exitOperation, "hyper-shell: %v", err)
		}
		if t == nil {
			return exitf(exitOperation, "hyper-shell: no such task: %d", id)
		}
		if t.State.Terminal() {
			fmt.Println(t.State.String())
			if t.State == task.StateDone {
				return exitOK
			}
			return exitPartial
		}
		select {
		case <-ctx.Done():
			return exitf(exitOperation, "hyper-shell: task %d did not complete within %s", id, *timeout)
		case <-ticker.C:
		}
	}
}

func parseState(s string) (task.State, error) {
	switch s {
	case "NEW":
		return task.StateNew, nil
	case "READY":
		return task.StateReady, nil
	case "ASSIGNED":
		return task.StateAssigned, nil
	case "DONE":
		return task.StateDone, nil
	case "FAILED":
		return task.StateFailed, nil
	case "ABANDONED":
		return task.StateAbandoned, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// taskRowJSON is the --json/--show projection: a stable, hand-picked
// field set rather than task.Task's internal layout verbatim.
type taskRowJSON struct {
	ID         int64  `json:"id"`
	Args       string `json:"args"`
	Template   string `json:"template"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Host       string `json:"host,omitempty"`
	ExitStatus *int   `json:"exit_status,omitempty"`
	SubmitTime string `json:"submit_time,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	CompleteTime string `json:"complete_time,omitempty"`
}

func taskRow(t *task.Task) taskRowJSON {
	row := taskRowJSON{
		ID:       t.ID,
		Args:     t.Args,
		Template: t.EffectiveTemplate(),
		State:    t.State.String(),
		Attempt:  t.Attempt,
	}
	if t.Host != nil {
		row.Host = *t.Host
	}
	if t.ExitStatus != nil {
		row.ExitStatus = t.ExitStatus
	}
	if t.SubmitTime != nil {
		row.SubmitTime = t.SubmitTime.Format(time.RFC3339Nano)
	}
	if t.StartTime != nil {
		row.StartTime = t.StartTime.Format(time.RFC3339Nano)
	}
	if t.CompleteTime != nil {
		row.CompleteTime = t.CompleteTime.Format(time.RFC3339Nano)
	}
	return row
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}
	return exitOK
}

func printTaskDetail(t *task.Task) {
	row := taskRow(t)
	fmt.Printf("id:            %d\n", row.ID)
	fmt.Printf("state:         %s\n", row.State)
	fmt.Printf("attempt:       %d\n", row.Attempt)
	fmt.Printf("args:          %s\n", row.Args)
	fmt.Printf("template:      %s\n", row.Template)
	if row.Host != "" {
		fmt.Printf("host:          %s\n", row.Host)
	}
	if row.ExitStatus != nil {
		fmt.Printf("exit_status:   %d\n", *row.ExitStatus)
	}
	if t.SubmitTime != nil {
		fmt.Printf("submit_time:   %s (%s)\n", row.SubmitTime, humanize.Time(*t.SubmitTime))
	}
	if t.StartTime != nil {
		fmt.Printf("start_time:    %s (%s)\n", row.StartTime, humanize.Time(*t.StartTime))
	}
	if t.CompleteTime != nil {
		fmt.Printf("complete_time: %s (%s)\n", row.CompleteTime, humanize.Time(*t.CompleteTime))
	}
	if t.FailReason != "" {
		fmt.Printf("fail_reason:   %s\n", t.FailReason)
	}
}

func printTaskTable(rows []*task.Task) {
	w := os.Stdout
	fmt.Fprintf(w, "%-8s %-10s %-4s %-8s %s\n", "ID", "STATE", "ATT", "EXIT", "ARGS")
	for _, t := range rows {
		exit := "-"
		if t.ExitStatus != nil {
			exit = strconv.Itoa(*t.ExitStatus)
		}
		fmt.Fprintf(w, "%-8d %-10s %-4d %-8s %s\n", t.ID, t.State.String(), t.Attempt, exit, t.Args)
	}
	fmt.Fprintf(w, "%s tasks\n", humanize.Comma(int64(len(rows))))
}

func printTaskCSV(rows []*task.Task) {
	cw := csv.NewWriter(os.Stdout)
	defer cw.Flush()
	_ = cw.Write([]string{"id", "state", "attempt", "exit_status", "host", "args"})
	for _, t := range rows {
		exit, host := "", ""
		if t.ExitStatus != nil {
			exit = strconv.Itoa(*t.ExitStatus)
		}
		if t.Host != nil {
			host = *t.Host
		}
		_ = cw.Write([]string{strconv.FormatInt(t.ID, 10), t.State.String(), strconv.Itoa(t.Attempt), exit, host, t.Args})
	}
}
