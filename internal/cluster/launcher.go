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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hypershell/hypershell/internal/task"
)

// Process is one launched client, local or remote. Stop asks it to exit;
// Wait blocks until it has, the same launch/reap split tenant/manager.go
// uses for its own sandboxed subprocesses.
type Process interface {
	Wait() error
	Stop()
}

// Launcher starts the index'th client (clientID is its wire identity) and
// returns a handle to it. Implementations exist for spec.md §4.6's three
// strategies: local, ssh, and mpi.
type Launcher interface {
	Launch(ctx context.Context, clientID string, index int) (Process, error)
}

// procHandle wraps an *exec.Cmd the way tenant/manager.go's launch/reap
// pair tracks a spawned tenant subprocess: Start it, hand back a handle,
// let the caller Wait on it from its own goroutine.
type procHandle struct {
	cmd *exec.Cmd
}

func (p *procHandle) Wait() error { return p.cmd.Wait() }

// Stop asks the process to exit cleanly; SHUTDOWN has already been sent
// to it over the wire protocol by the time Stop is called; this is only
// a backstop for a client that never disconnects on its own.
func (p *procHandle) Stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
}

func clientArgs(serverAddr, clientID string, extra []string) []string {
	args := []string{"client", "-H", serverAddr, "--client-id", clientID}
	return append(args, extra...)
}

// LocalLauncher forks child processes on the same host (spec.md §4.6
// "local: forked child processes on the same host; default N = core
// count"), grounded on tenant/manager.go's launch: exec.Command, env and
// stdout/stderr wiring, cmd.Start.
type LocalLauncher struct {
	// Exe is the client binary to run; empty means "re-exec the running
	// binary" (os.Executable), the common case for a single-host cluster
	// started from one `hyper-shell cluster` invocation.
	Exe        string
	ServerAddr string
	AuthKey    string
	ExtraArgs  []string
	Stdout     io.Writer
	Stderr     io.Writer
}

func (l *LocalLauncher) Launch(ctx context.Context, clientID string, _ int) (Process, error) {
	exe := l.Exe
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("hypershell: locating own executable: %w", err)
		}
		exe = self
	}
	cmd := exec.CommandContext(ctx, exe, clientArgs(l.ServerAddr, clientID, l.ExtraArgs)...)
	cmd.Env = append(os.Environ(), "HYPERSHELL_AUTHKEY="+l.AuthKey)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &procHandle{cmd: cmd}, nil
}

// SSHLauncher runs one passwordless SSH session per node-file line
// (spec.md §4.6 "ssh: one SSH session per line of a node file ...; the
// remote binary is located at HYPERSHELL_EXE if set, else hyper-shell on
// PATH"). Clients are assigned to nodes round-robin when there are more
// clients than nodes.
type SSHLauncher struct {
	Nodes      []string
	Refresher  *PeerRefresher // optional; see SPEC_FULL.md's peer discovery hook
	Exe        string
	ServerAddr string
	AuthKey    string
	ExtraArgs  []string
	Stdout     io.Writer
	Stderr     io.Writer
}

func (l *SSHLauncher) nodes() []string {
	if l.Refresher != nil {
		if nodes := l.Refresher.Get(); len(nodes) > 0 {
			return nodes
		}
	}
	return l.Nodes
}

func (l *SSHLauncher) Launch(ctx context.Context, clientID string, index int) (Process, error) {
	nodes := l.nodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("hypershell: ssh launcher has no nodes configured: %w", task.ErrFatal)
	}
	node := nodes[index%len(nodes)]

	exe := l.Exe
	if exe == "" {
		exe = "hyper-shell"
	}
	remote := strings.Join(clientArgs(l.ServerAddr, clientID, l.ExtraArgs), " ")
	cmd := exec.CommandContext(ctx, "ssh", node, exe+" "+remote)
	cmd.Env = append(os.Environ(), "HYPERSHELL_AUTHKEY="+l.AuthKey)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("hypershell: ssh launch on %s: %w", node, err)
	}
	return &procHandle{cmd: cmd}, nil
}

// MPILauncher shells out to a single `mpiexec -machinefile <file>
// hyper-shell client ...` that starts every rank at once (spec.md §4.6
// "mpi: shells out to mpiexec -machinefile <file> hyper-shell client
// ..."). mpiexec, not this supervisor, is what actually staggers and
// places the N ranks, so every call to Launch after the first returns
// the same process handle instead of starting a second mpiexec.
type MPILauncher struct {
	MachineFile string
	Exe         string
	N           int
	ServerAddr  string
	AuthKey     string
	ExtraArgs   []string
	Stdout      io.Writer
	Stderr      io.Writer

	mu      sync.Mutex
	started bool
	proc    Process
	err     error
}

func (l *MPILauncher) Launch(ctx context.Context, _ string, _ int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return l.proc, l.err
	}
	l.started = true

	exe := l.Exe
	if exe == "" {
		exe = "hyper-shell"
	}
	args := []string{"-machinefile", l.MachineFile, "-n", fmt.Sprint(l.N), exe, "client", "-H", l.ServerAddr}
	args = append(args, l.ExtraArgs...)

	cmd := exec.CommandContext(ctx, "mpiexec", args...)
	cmd.Env = append(os.Environ(), "HYPERSHELL_AUTHKEY="+l.AuthKey)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		l.err = fmt.Errorf("hypershell: mpiexec launch: %w", err)
		return nil, l.err
	}
	l.proc = &procHandle{cmd: cmd}
	return l.proc, nil
}
