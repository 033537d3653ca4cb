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

package texec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/armon/circbuf"

	"github.com/hypershell/hypershell/internal/template"
	"github.com/hypershell/hypershell/internal/wire"
)

// killGrace is how long cmd.WaitDelay gives a SIGTERM'd task to exit
// before os/exec escalates to SIGKILL (spec.md §4.6).
const killGrace = 5 * time.Second

// defaultShell returns the shell used to run a task's expanded command:
// /bin/sh -c on POSIX, cmd /c on Windows (spec.md §4.5).
func defaultShell() (shell string, flag string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/c"
	}
	return "/bin/sh", "-c"
}

// runTask expands tw's template, runs it through the host shell, and
// sends the outcome on results. It is run in its own goroutine per task
// and registers its own cancel func in c.running on entry, removing it
// on return.
func (c *Client) runTask(parent context.Context, tw wire.TaskWire, results chan<- wire.Result) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.running[tw.TaskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, tw.TaskID)
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()

	nodes, err := template.Parse(tw.Template)
	if err != nil {
		results <- c.failureResult(tw.TaskID, start, err)
		return
	}

	shellPath, shellFlag := defaultShell()
	if c.cfg.Shell != "" {
		shellPath = c.cfg.Shell
	}
	expanded, err := template.Expand(ctx, nodes, tw.Args, shellPath)
	if err != nil {
		results <- c.failureResult(tw.TaskID, start, err)
		return
	}

	if c.cfg.Forwarder != nil {
		results <- c.runForwarded(ctx, tw, start, expanded)
		return
	}

	cmd := exec.CommandContext(ctx, shellPath, shellFlag, expanded)
	cmd.Env = buildEnv(os.Environ(), c.taskEnv(tw))
	configureProcAttrs(cmd)
	// spec.md §4.6 "SIGTERM then SIGKILL remaining children": ctx
	// cancellation (drain deadline, Shutdown) sends SIGTERM first and
	// only escalates to SIGKILL if the process is still alive after
	// killGrace, instead of exec's default immediate Kill.
	cmd.Cancel = func() error { return sigterm(cmd) }
	cmd.WaitDelay = killGrace

	null, err := devNull()
	if err != nil {
		results <- c.failureResult(tw.TaskID, start, err)
		return
	}
	defer null.Close()
	cmd.Stdin = null

	var stdoutBuf, stderrBuf *circbuf.Buffer
	if c.cfg.Capture {
		stdoutBuf, _ = circbuf.NewBuffer(c.cfg.CaptureSize)
		stderrBuf, _ = circbuf.NewBuffer(c.cfg.CaptureSize)
		cmd.Stdout = stdoutBuf
		cmd.Stderr = stderrBuf
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	runErr := cmd.Run()
	complete := time.Now()

	res := wire.Result{
		TaskID:       tw.TaskID,
		StartTime:    start.UnixNano(),
		CompleteTime: complete.UnixNano(),
		Host:         c.hostname(),
	}
	if stdoutBuf != nil {
		res.Stdout = stdoutBuf.Bytes()
	}
	if stderrBuf != nil {
		res.Stderr = stderrBuf.Bytes()
	}

	switch {
	case runErr == nil:
		res.ExitStatus = 0
	case errors.Is(ctx.Err(), context.Canceled):
		res.ExitStatus = -1
		res.FailureReason = "task canceled by drain or shutdown"
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitStatus = exitErr.ProcessState.ExitCode()
		} else {
			res.ExitStatus = -1
			res.FailureReason = runErr.Error()
		}
	}

	select {
	case results <- res:
	case <-parent.Done():
	}
}

// runForwarded hands expanded to c.cfg.Forwarder instead of running it
// through the local shell, for clients configured to drive an external
// workflow engine (spec.md §9).
func (c *Client) runForwarded(ctx context.Context, tw wire.TaskWire, start time.Time, expanded string) wire.Result {
	env := buildEnv(os.Environ(), c.taskEnv(tw))
	exitStatus, stdout, stderr, err := c.cfg.Forwarder.Forward(ctx, expanded, env)
	res := wire.Result{
		TaskID:       tw.TaskID,
		StartTime:    start.UnixNano(),
		CompleteTime: time.Now().UnixNano(),
		Stdout:       stdout,
		Stderr:       stderr,
		Host:         c.hostname(),
	}
	if err != nil {
		res.ExitStatus = -1
		res.FailureReason = err.Error()
		return res
	}
	res.ExitStatus = exitStatus
	return res
}

// failureResult reports a task that never got to run at all (bad
// template, missing /dev/null, …) -- spec.md §4.1's client-side
// template/exec fault path, routed by the dispatch server to FailParse
// rather than Complete because there is no real exit status.
func (c *Client) failureResult(taskID int64, start time.Time, err error) wire.Result {
	return wire.Result{
		TaskID:        taskID,
		StartTime:     start.UnixNano(),
		CompleteTime:  time.Now().UnixNano(),
		FailureReason: err.Error(),
		Host:          c.hostname(),
	}
}

// hostname is the value reported back to the server as wire.Result.Host
// and injected into a task's TASK_HOST (spec.md §3 "host", §4.1). It
// falls back to the configured ClientID when os.Hostname fails, the same
// fallback taskEnv always used before Host existed on the wire.
func (c *Client) hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return c.cfg.ClientID
}

// taskEnv combines the server-computed EnvDeltas (TASK_ID/TASK_ARGS/
// TASK_ATTEMPT) with the bindings only the client can know: TASK_HOST
// and the stripped HYPERSHELL_EXPORT_* variables from its own
// environment (spec.md §4.1).
func (c *Client) taskEnv(tw wire.TaskWire) map[string]string {
	out := template.ExportedEnv(os.Environ())
	for k, v := range tw.EnvDeltas {
		out[k] = v
	}
	out["TASK_HOST"] = c.hostname()
	return out
}

// buildEnv overlays deltas (stripped HYPERSHELL_EXPORT_* vars and the
// TASK_* bindings the dispatch server computed) on top of base
// (os.Environ()), producing a single deduplicated KEY=VALUE slice. Last
// writer wins on a key collision; deltas always wins over base.
func buildEnv(base []string, deltas map[string]string) []string {
	merged := make(map[string]string, len(base)+len(deltas))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range deltas {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
