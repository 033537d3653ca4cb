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

// Package texec is the client executor (spec.md §4.5): one long-lived
// process per worker that connects to the dispatch server, requests work,
// runs each task through the host's shell, and reports results back.
// Reworked from cmd/snellerd/run_worker.go's flag-parsing/logger-wiring/
// fd-accounting shape and cmd/snellerd/peercmd.go's
// exec.CommandContext-plus-captured-output idiom, applied to running
// arbitrary shell commands instead of a fixed sub-process protocol.
package texec

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hypershell/hypershell/internal/authmac"
	"github.com/hypershell/hypershell/internal/wire"
)

// DefaultCapacity is --num-tasks' default: at most one outstanding task.
const DefaultCapacity = 1

// DefaultHeartbeatInterval is how often the client pings the server while
// idle, so a half-open connection is detected before the next REQUEST.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultCaptureSize bounds the in-memory stdout/stderr buffer used when
// Config.Capture is set (armon/circbuf backs this; see exec.go).
const DefaultCaptureSize = 1 << 20

// Forwarder hands a leased task off to something other than the local
// shell (spec.md §9's external workflow engine collaborator contract).
// expanded is the fully-substituted command line template.Expand already
// produced; implementations run it however their engine sees fit and
// report back an exit status (or a non-zero synthetic one on internal
// failure) plus whatever output they capture. No implementation ships in
// this repository -- the engine itself is out of scope -- but runTask
// (exec.go) calls through this interface instead of exec.CommandContext
// whenever Config.Forwarder is set, so wiring one in is a Config value
// away from a working integration.
type Forwarder interface {
	Forward(ctx context.Context, expanded string, env []string) (exitStatus int, stdout, stderr []byte, err error)
}

// Config configures one Client.
type Config struct {
	ClientID     string
	ServerAddr   string
	AuthKey      []byte
	Capacity     int           // --num-tasks
	IdleTimeout  time.Duration // --timeout, 0 = infinite
	Heartbeat    time.Duration
	Capture      bool
	CaptureSize  int64
	Shell        string // override; empty picks the OS default
	Forwarder    Forwarder
	Logger       *log.Logger
	Capabilities []string
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeatInterval
	}
	if c.CaptureSize <= 0 {
		c.CaptureSize = DefaultCaptureSize
	}
}

// Client is one worker's connection to the dispatch server.
type Client struct {
	cfg Config

	writeMu sync.Mutex
	conn    net.Conn

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// New returns a Client; dial via Run.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, running: make(map[int64]context.CancelFunc)}
}

func (c *Client) logf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

func (c *Client) writeFrame(t wire.Type, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, t, payload)
}

// Run connects, authenticates, and then services tasks until the server
// sends SHUTDOWN and the drain completes, the idle timeout elapses, or
// ctx is canceled. It returns nil after the drain, the idle timeout, or
// the server closing the connection; on ctx cancellation it returns
// ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("texec: dial %s: %w", c.cfg.ServerAddr, err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.handshake(); err != nil {
		return err
	}
	c.logf("texec: connected to %s as %s", c.cfg.ServerAddr, c.cfg.ClientID)

	return c.serve(ctx)
}

// handshake drives HELLO -> WELCOME -> AUTH -> AUTH_OK/FAIL, the client
// side of internal/dispatch's handshake.
func (c *Client) handshake() error {
	if err := c.writeFrame(wire.TypeHello, wire.Hello{
		ProtocolVersion: wire.ProtocolVersion,
		ClientID:        c.cfg.ClientID,
		Capabilities:    c.cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("texec: write HELLO: %w", err)
	}

	typ, payload, err := wire.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("texec: read WELCOME: %w", err)
	}
	if typ == wire.TypeReject {
		var reject wire.Reject
		_ = wire.DecodePayload(payload, &reject)
		return fmt.Errorf("texec: server rejected connection: %s", reject.Reason)
	}
	if typ != wire.TypeWelcome {
		return fmt.Errorf("texec: expected WELCOME, got %s", typ)
	}
	var welcome wire.Welcome
	if err := wire.DecodePayload(payload, &welcome); err != nil {
		return err
	}

	mac, err := authmac.ComputeMAC(c.cfg.AuthKey, welcome.SessionToken)
	if err != nil {
		return err
	}
	if err := c.writeFrame(wire.TypeAuth, wire.Auth{MAC: mac}); err != nil {
		return fmt.Errorf("texec: write AUTH: %w", err)
	}

	typ, payload, err = wire.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("texec: read AUTH_OK: %w", err)
	}
	if typ == wire.TypeAuthFail {
		var fail wire.AuthFail
		_ = wire.DecodePayload(payload, &fail)
		return fmt.Errorf("texec: authentication failed: %s", fail.Reason)
	}
	if typ != wire.TypeAuthOK {
		return fmt.Errorf("texec: expected AUTH_OK, got %s", typ)
	}
	return nil
}

// devNull opens the platform's null device for a task's stdin
// (spec.md §4.5 "Redirect stdin from /dev/null").
func devNull() (*os.File, error) {
	return os.OpenFile(os.DevNull, os.O_RDONLY, 0)
}
