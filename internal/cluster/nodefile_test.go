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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoadNodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	content := "nodes:\n  - host-a\n  - host-b\n  - host-c\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	nodes, err := LoadNodeFile(path)
	if err != nil {
		t.Fatalf("LoadNodeFile: %v", err)
	}
	if len(nodes) != 3 || nodes[0] != "host-a" || nodes[2] != "host-c" {
		t.Fatalf("unexpected nodes: %v", nodes)
	}
}

func TestPeerRefresherPollsExternalCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("refresh command below assumes a POSIX shell")
	}

	// refresh() splits Cmd on whitespace with no shell quoting, so the
	// refresh command is a no-argument script rather than an inline
	// shell one-liner.
	script := filepath.Join(t.TempDir(), "peers.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho '[\"a\",\"b\"]'\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := &PeerRefresher{
		Cmd:      script,
		Interval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if nodes := r.Get(); len(nodes) == 2 {
			if nodes[0] != "a" || nodes[1] != "b" {
				t.Fatalf("unexpected nodes: %v", nodes)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("PeerRefresher never observed the command's node list")
}

func TestSSHLauncherRoundRobinsNodes(t *testing.T) {
	l := &SSHLauncher{Nodes: []string{"n0", "n1"}}
	got := l.nodes()
	if len(got) != 2 {
		t.Fatalf("nodes: %v", got)
	}

	// index%len(nodes) is exercised directly since Launch itself shells
	// out to ssh, which isn't available in a unit test environment.
	for i, want := range []string{"n0", "n1", "n0", "n1"} {
		if node := got[i%len(got)]; node != want {
			t.Fatalf("index %d: got %s, want %s", i, node, want)
		}
	}
}

func TestSSHLauncherPrefersRefresherNodes(t *testing.T) {
	r := &PeerRefresher{}
	l := &SSHLauncher{Nodes: []string{"static"}, Refresher: r}

	if got := l.nodes(); len(got) != 1 || got[0] != "static" {
		t.Fatalf("expected fallback to static nodes, got %v", got)
	}

	r.mu.Lock()
	r.nodes = []string{"dynamic-a", "dynamic-b"}
	r.mu.Unlock()

	got := l.nodes()
	if len(got) != 2 || got[0] != "dynamic-a" {
		t.Fatalf("expected refresher nodes to take priority, got %v", got)
	}
}
