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
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hypershell/hypershell/internal/task"
	"github.com/hypershell/hypershell/internal/wire"
)

// session is one authenticated connection's post-handshake state: the
// dispatch server's half of task.ClientSession plus the net.Conn it
// owns. The server writes to the connection from two places (the
// request/result loop, and Shutdown's SHUTDOWN broadcast), so writes
// are serialized through writeMu.
type session struct {
	srv      *Server
	conn     net.Conn
	clientID string
	cs       *task.ClientSession

	writeMu sync.Mutex
}

func newSession(srv *Server, conn net.Conn, cs *task.ClientSession) *session {
	return &session{srv: srv, conn: conn, clientID: cs.ClientID, cs: cs}
}

func (sess *session) writeFrame(t wire.Type, payload any) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return wire.WriteFrame(sess.conn, t, payload)
}

func (sess *session) sendShutdown(deadline time.Time) {
	_ = sess.writeFrame(wire.TypeShutdown, wire.Shutdown{DrainDeadline: deadline.UnixNano()})
}

// serve runs the REQUEST/TASKS/RESULT/HEARTBEAT loop until the
// connection errors, the client sends BYE, or it is closed out from
// under us by Shutdown.
func (sess *session) serve() {
	ctx := context.Background()
	for {
		typ, payload, err := wire.ReadFrame(sess.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sess.srv.logf("dispatch: session %s: %v", sess.clientID, err)
			}
			return
		}
		switch typ {
		case wire.TypeRequest:
			var req wire.Request
			if err := wire.DecodePayload(payload, &req); err != nil {
				sess.srv.logf("dispatch: session %s: bad REQUEST: %v", sess.clientID, err)
				return
			}
			if err := sess.handleRequest(ctx, req); err != nil {
				sess.srv.logf("dispatch: session %s: REQUEST: %v", sess.clientID, err)
				return
			}
		case wire.TypeResult:
			var res wire.Result
			if err := wire.DecodePayload(payload, &res); err != nil {
				sess.srv.logf("dispatch: session %s: bad RESULT: %v", sess.clientID, err)
				return
			}
			sess.handleResult(ctx, res)
		case wire.TypeHeartbeat:
			var hb wire.Heartbeat
			if err := wire.DecodePayload(payload, &hb); err != nil {
				sess.srv.logf("dispatch: session %s: bad HEARTBEAT: %v", sess.clientID, err)
				return
			}
			sess.cs.Heartbeat = time.Now()
			_ = sess.writeFrame(wire.TypeHeartbeatAck, wire.HeartbeatAck{Now: time.Now().UnixNano()})
		case wire.TypeBye:
			return
		default:
			sess.srv.logf("dispatch: session %s: unexpected frame %s", sess.clientID, typ)
			return
		}
	}
}

// handleRequest services one REQUEST: dispatch up to MaxBatch tasks and
// send them back as TASKS. spec.md §4.4 "server never sends more TASKS
// than requested" -- a dispatch shortfall (ready-queue temporarily
// empty) is not an error, it just yields fewer tasks than asked for.
func (sess *session) handleRequest(ctx context.Context, req wire.Request) error {
	if req.MaxBatch <= 0 {
		return nil
	}
	tasks, err := sess.srv.sched.Dispatch(ctx, sess.clientID, req.MaxBatch)
	if err != nil {
		return err
	}
	out := make([]wire.TaskWire, 0, len(tasks))
	for _, t := range tasks {
		sess.cs.AddLease(t.ID)
		deadline, _ := sess.srv.sched.LeaseDeadline(t.ID)
		out = append(out, taskToWire(t, deadline))
	}
	return sess.writeFrame(wire.TypeTasks, wire.Tasks{Tasks: out})
}

// handleResult records one RESULT. A non-empty FailureReason means the
// client's own template expansion or exec setup failed before the task
// could run at all (spec.md §4.1); that is routed to FailParse instead
// of Complete since there is no exit status to record.
func (sess *session) handleResult(ctx context.Context, res wire.Result) {
	sess.cs.RemoveLease(res.TaskID)
	var err error
	if res.FailureReason != "" {
		err = sess.srv.sched.FailParse(ctx, res.TaskID, task.StateAssigned, res.FailureReason, res.Host)
	} else {
		err = sess.srv.sched.Complete(ctx, res.TaskID,
			res.ExitStatus, res.Stdout, res.Stderr,
			time.Unix(0, res.StartTime), time.Unix(0, res.CompleteTime), res.Host)
	}
	if err != nil {
		sess.srv.logf("dispatch: session %s: RESULT task %d: %v", sess.clientID, res.TaskID, err)
	}
}
