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
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// nodeFile is the on-disk shape of an ssh/mpi node file: one hostname per
// YAML list entry.
type nodeFile struct {
	Nodes []string `yaml:"nodes"`
}

// LoadNodeFile reads the YAML node file the ssh launcher uses to find its
// targets (the mpi launcher hands its file to mpiexec unread)
// (SPEC_FULL.md's config.Load: "parses a YAML document ... the same
// library the teacher already depends on").
func LoadNodeFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nf nodeFile
	if err := yaml.Unmarshal(data, &nf); err != nil {
		return nil, err
	}
	return nf.Nodes, nil
}

// PeerRefresher periodically shells out to an external command and
// decodes its stdout as a JSON array of node names, so a long-running
// ssh cluster can grow or shrink its node set without a restart
// (SPEC_FULL.md's "Peer discovery hook", repurposing cmd/snellerd/
// peercmd.go's peerCmd: exec.CommandContext, captured stdout/stderr,
// JSON decode, periodic ticker refresh).
type PeerRefresher struct {
	Cmd      string
	Interval time.Duration
	Logger   *log.Logger

	mu     sync.Mutex
	nodes  []string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *PeerRefresher) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Start runs an immediate refresh and then one every Interval until Stop
// is called.
func (p *PeerRefresher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.refresh(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *PeerRefresher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Get returns the most recently refreshed node list.
func (p *PeerRefresher) Get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.nodes...)
}

func (p *PeerRefresher) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *PeerRefresher) refresh(ctx context.Context) {
	fields := strings.Fields(p.Cmd)
	if len(fields) == 0 {
		return
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.logf("cluster: peer refresh command failed: %v: %s", err, stderr.String())
		return
	}
	var nodes []string
	if err := json.Unmarshal(stdout.Bytes(), &nodes); err != nil {
		p.logf("cluster: peer refresh: decoding output: %v", err)
		return
	}
	p.mu.Lock()
	p.nodes = nodes
	p.mu.Unlock()
}
