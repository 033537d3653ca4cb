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
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hypershell/hypershell/internal/authmac"
	"github.com/hypershell/hypershell/internal/wire"
)

const fakeKey = "fake-psk"

// fakeServer accepts exactly one connection, drives the server side of
// the HELLO/WELCOME/AUTH/AUTH_OK handshake, and hands the authenticated
// conn to handler.
func fakeServer(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		typ, _, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeHello {
			return
		}
		challenge, _ := authmac.NewChallenge()
		if err := wire.WriteFrame(conn, wire.TypeWelcome, wire.Welcome{
			ProtocolVersion: wire.ProtocolVersion,
			SessionToken:    challenge,
		}); err != nil {
			return
		}
		typ, payload, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeAuth {
			return
		}
		var auth wire.Auth
		if err := wire.DecodePayload(payload, &auth); err != nil {
			return
		}
		ok, _ := authmac.VerifyMAC([]byte(fakeKey), challenge, auth.MAC)
		if !ok {
			wire.WriteFrame(conn, wire.TypeAuthFail, wire.AuthFail{Reason: "bad mac"})
			return
		}
		if err := wire.WriteFrame(conn, wire.TypeAuthOK, wire.AuthOK{}); err != nil {
			return
		}
		handler(conn)
	}()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

func TestClientHandshakeAndRunEcho(t *testing.T) {
	resultCh := make(chan wire.Result, 1)
	addr := fakeServer(t, func(conn net.Conn) {
		typ, _, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeRequest {
			return
		}
		if err := wire.WriteFrame(conn, wire.TypeTasks, wire.Tasks{Tasks: []wire.TaskWire{
			{TaskID: 1, Template: "{}", Args: "echo hi"},
		}}); err != nil {
			return
		}
		typ, payload, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeResult {
			return
		}
		var res wire.Result
		if err := wire.DecodePayload(payload, &res); err == nil {
			resultCh <- res
		}
		wire.WriteFrame(conn, wire.TypeShutdown, wire.Shutdown{DrainDeadline: time.Now().UnixNano()})
		wire.ReadFrame(conn) // BYE
	})

	c := New(Config{
		ClientID:   "worker-1",
		ServerAddr: addr,
		AuthKey:    []byte(fakeKey),
		Capacity:   1,
		Capture:    true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.TaskID != 1 {
			t.Fatalf("unexpected task id: %d", res.TaskID)
		}
		if res.ExitStatus != 0 {
			t.Fatalf("expected exit 0, got %d (stderr: %s)", res.ExitStatus, res.Stderr)
		}
		if strings.TrimSpace(string(res.Stdout)) != "hi" {
			t.Fatalf("expected captured stdout %q, got %q", "hi", res.Stdout)
		}
	default:
		t.Fatal("server never received a RESULT")
	}
}

func TestClientHandshakeRejectsBadKey(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		wire.ReadFrame(conn)
	})

	c := New(Config{
		ClientID:   "worker-1",
		ServerAddr: addr,
		AuthKey:    []byte("wrong-key"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestClientBuildEnvOverridesBase(t *testing.T) {
	env := buildEnv([]string{"PATH=/bin", "FOO=old"}, map[string]string{"FOO": "new", "TASK_ID": "1"})
	got := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["FOO"] != "new" || got["PATH"] != "/bin" || got["TASK_ID"] != "1" {
		t.Fatalf("unexpected merged env: %#v", got)
	}
}

func TestClientTemplateFailureReportedAsFailure(t *testing.T) {
	resultCh := make(chan wire.Result, 1)
	addr := fakeServer(t, func(conn net.Conn) {
		typ, _, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeRequest {
			return
		}
		if err := wire.WriteFrame(conn, wire.TypeTasks, wire.Tasks{Tasks: []wire.TaskWire{
			{TaskID: 7, Template: "{[5]}", Args: "one two"},
		}}); err != nil {
			return
		}
		typ, payload, err := wire.ReadFrame(conn)
		if err != nil || typ != wire.TypeResult {
			return
		}
		var res wire.Result
		if err := wire.DecodePayload(payload, &res); err == nil {
			resultCh <- res
		}
		wire.WriteFrame(conn, wire.TypeShutdown, wire.Shutdown{DrainDeadline: time.Now().UnixNano()})
		wire.ReadFrame(conn)
	})

	c := New(Config{
		ClientID:   "worker-1",
		ServerAddr: addr,
		AuthKey:    []byte(fakeKey),
		Capacity:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.FailureReason == "" {
			t.Fatal("expected a FailureReason for an out-of-range index")
		}
	default:
		t.Fatal("server never received a RESULT")
	}
}
