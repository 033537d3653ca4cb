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

package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hypershell/hypershell/internal/authmac"
	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/task"
	"github.com/hypershell/hypershell/internal/wire"
)

const testKey = "test-pre-shared-key"

func startServer(t *testing.T) (net.Listener, *Server, *scheduler.Scheduler, store.Store) {
	t.Helper()
	st := store.NewVolatile()
	// Three attempts rather than the volatile default of one, so a lost
	// lease is requeued to READY instead of abandoned.
	sched := scheduler.New(st, 3)
	sched.Start(context.Background())

	srv := New(sched, []byte(testKey), WithDrainDeadline(200*time.Millisecond))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)

	t.Cleanup(func() {
		sched.Stop()
		l.Close()
	})
	return l, srv, sched, st
}

// dial performs the HELLO/WELCOME/AUTH/AUTH_OK handshake against l and
// returns the authenticated connection.
func dial(t *testing.T, l net.Listener, clientID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.TypeHello, wire.Hello{
		ProtocolVersion: wire.ProtocolVersion,
		ClientID:        clientID,
		Capabilities:    []string{"shell"},
	}); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	typ, payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read WELCOME: %v", err)
	}
	if typ != wire.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", typ)
	}
	var welcome wire.Welcome
	if err := wire.DecodePayload(payload, &welcome); err != nil {
		t.Fatalf("decode WELCOME: %v", err)
	}
	mac, err := authmac.ComputeMAC([]byte(testKey), welcome.SessionToken)
	if err != nil {
		t.Fatalf("ComputeMAC: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.TypeAuth, wire.Auth{MAC: mac}); err != nil {
		t.Fatalf("write AUTH: %v", err)
	}
	typ, _, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read AUTH_OK: %v", err)
	}
	if typ != wire.TypeAuthOK {
		t.Fatalf("expected AUTH_OK, got %s", typ)
	}
	return conn
}

func TestHandshakeSucceeds(t *testing.T) {
	l, _, _, _ := startServer(t)
	conn := dial(t, l, "worker-1")
	defer conn.Close()
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	l, _, _, _ := startServer(t)
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteFrame(conn, wire.TypeHello, wire.Hello{ProtocolVersion: 99, ClientID: "x"}); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	typ, _, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != wire.TypeReject {
		t.Fatalf("expected REJECT, got %s", typ)
	}
}

func TestHandshakeRejectsBadMAC(t *testing.T) {
	l, _, _, _ := startServer(t)
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteFrame(conn, wire.TypeHello, wire.Hello{ProtocolVersion: wire.ProtocolVersion, ClientID: "x"}); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	typ, _, err := wire.ReadFrame(conn)
	if err != nil || typ != wire.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s, err %v", typ, err)
	}
	if err := wire.WriteFrame(conn, wire.TypeAuth, wire.Auth{MAC: [8]byte{1, 2, 3}}); err != nil {
		t.Fatalf("write AUTH: %v", err)
	}
	typ, _, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != wire.TypeAuthFail {
		t.Fatalf("expected AUTH_FAIL, got %s", typ)
	}
}

func TestRequestDispatchesAndResultCompletes(t *testing.T) {
	l, _, sched, st := startServer(t)
	conn := dial(t, l, "worker-1")
	defer conn.Close()

	if _, err := st.Insert(context.Background(), &task.Task{Args: "hi", Template: "echo {}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sched.Notify()

	var tasks wire.Tasks
	for i := 0; i < 50; i++ {
		if err := wire.WriteFrame(conn, wire.TypeRequest, wire.Request{MaxBatch: 1}); err != nil {
			t.Fatalf("write REQUEST: %v", err)
		}
		typ, payload, err := wire.ReadFrame(conn)
		if err != nil {
			t.Fatalf("read TASKS: %v", err)
		}
		if typ != wire.TypeTasks {
			t.Fatalf("expected TASKS, got %s", typ)
		}
		if err := wire.DecodePayload(payload, &tasks); err != nil {
			t.Fatalf("decode TASKS: %v", err)
		}
		if len(tasks.Tasks) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(tasks.Tasks) != 1 {
		t.Fatalf("expected 1 dispatched task, got %d", len(tasks.Tasks))
	}
	tw := tasks.Tasks[0]
	if tw.Template != "echo {}" || tw.Args != "hi" {
		t.Fatalf("unexpected task wire payload: %#v", tw)
	}

	now := time.Now()
	result := wire.Result{
		TaskID:       tw.TaskID,
		ExitStatus:   0,
		Stdout:       []byte("hi\n"),
		StartTime:    now.UnixNano(),
		CompleteTime: now.Add(time.Millisecond).UnixNano(),
	}
	if err := wire.WriteFrame(conn, wire.TypeResult, result); err != nil {
		t.Fatalf("write RESULT: %v", err)
	}

	for i := 0; i < 50; i++ {
		got, err := st.Get(context.Background(), tw.TaskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil && got.State == task.StateDone {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never reached DONE")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	l, _, _, _ := startServer(t)
	conn := dial(t, l, "worker-1")
	defer conn.Close()

	now := time.Now().UnixNano()
	if err := wire.WriteFrame(conn, wire.TypeHeartbeat, wire.Heartbeat{Now: now}); err != nil {
		t.Fatalf("write HEARTBEAT: %v", err)
	}
	typ, payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != wire.TypeHeartbeatAck {
		t.Fatalf("expected HEARTBEAT_ACK, got %s", typ)
	}
	var ack wire.HeartbeatAck
	if err := wire.DecodePayload(payload, &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestDisconnectReleasesLease(t *testing.T) {
	l, _, sched, st := startServer(t)
	conn := dial(t, l, "worker-1")

	if _, err := st.Insert(context.Background(), &task.Task{Args: "hi", Template: "echo {}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sched.Notify()

	var taskID int64
	for i := 0; i < 50; i++ {
		if err := wire.WriteFrame(conn, wire.TypeRequest, wire.Request{MaxBatch: 1}); err != nil {
			t.Fatalf("write REQUEST: %v", err)
		}
		typ, payload, err := wire.ReadFrame(conn)
		if err != nil {
			t.Fatalf("read TASKS: %v", err)
		}
		if typ != wire.TypeTasks {
			t.Fatalf("expected TASKS, got %s", typ)
		}
		var tasks wire.Tasks
		if err := wire.DecodePayload(payload, &tasks); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(tasks.Tasks) == 1 {
			taskID = tasks.Tasks[0].TaskID
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if taskID == 0 {
		t.Fatal("task was never dispatched")
	}

	conn.Close()

	for i := 0; i < 50; i++ {
		got, err := st.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil && got.State == task.StateReady {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task was never requeued to READY after disconnect")
}

func TestShutdownSendsShutdownFrame(t *testing.T) {
	l, srv, _, _ := startServer(t)
	conn := dial(t, l, "worker-1")
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, _, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != wire.TypeShutdown {
		t.Fatalf("expected SHUTDOWN, got %s", typ)
	}
	conn.Close()
	<-done
}
