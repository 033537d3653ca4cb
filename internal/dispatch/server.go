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

// Package dispatch implements the server side of spec.md §4.4: a framed
// TCP listener that authenticates client executors, hands out leased
// tasks on REQUEST, and takes in RESULTs, generalized from
// cmd/snellerd/server.go's accept-loop-plus-handler shape and
// tenant/manager.go's Serve/handleRemote pattern -- but speaking
// internal/wire frames instead of HTTP or the tenant control protocol.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hypershell/hypershell/internal/authmac"
	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/task"
	"github.com/hypershell/hypershell/internal/wire"
)

// DefaultDrainDeadline is how long an in-flight task may run after
// Shutdown is called before the server force-closes its session
// (spec.md §4.6 "drain_deadline (default 30 s)").
const DefaultDrainDeadline = 30 * time.Second

// helloTimeout bounds how long a newly accepted connection has to send
// HELLO and complete AUTH before the server gives up on it.
const helloTimeout = 10 * time.Second

// Server is the dispatch server. One Server serves one Scheduler; the
// task store underneath is reached only through sched.
type Server struct {
	sched   *scheduler.Scheduler
	authKey []byte
	logger  *log.Logger

	drainDeadline time.Duration
	onConnect     func(clientID string)

	mu       sync.Mutex
	sessions map[string]*session
	draining bool

	wg sync.WaitGroup
}

// Option configures a Server at construction (teacher's functional-
// options idiom, internal/scheduler.Option and tenant/manager.go's
// Option type).
type Option func(*Server)

// WithLogger attaches a logger; without one the server logs nothing.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDrainDeadline overrides DefaultDrainDeadline.
func WithDrainDeadline(d time.Duration) Option {
	return func(s *Server) { s.drainDeadline = d }
}

// WithOnConnect registers a callback invoked with a client's id the
// moment it completes HELLO/AUTH and is registered, before it ever
// issues a REQUEST. internal/cluster's supervisor uses this to learn
// when a just-launched client is actually up, rather than guessing a
// fixed startup delay (spec.md §4.6 "wait for that client to register
// ... before launching the next").
func WithOnConnect(f func(clientID string)) Option {
	return func(s *Server) { s.onConnect = f }
}

// New builds a Server dispatching work from sched, authenticating
// clients against authKey (spec.md §4.4; see internal/authmac.ParseKey).
func New(sched *scheduler.Scheduler, authKey []byte, opts ...Option) *Server {
	s := &Server{
		sched:         sched,
		authKey:       authKey,
		drainDeadline: DefaultDrainDeadline,
		sessions:      make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Serve accepts connections on l in a loop, spawning a goroutine per
// connection, until l is closed. It mirrors tenant/manager.go's Serve:
// an Accept error after Shutdown has closed the listener is not treated
// as a failure.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown performs the ordered shutdown from spec.md §4.6: every live
// session is sent SHUTDOWN with a drain deadline, given that long to
// finish outstanding work and send BYE on its own, then forcibly closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	deadline := time.Now().Add(s.drainDeadline)
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.sendShutdown(deadline)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.drainDeadline + 5*time.Second):
		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
		<-done
		return fmt.Errorf("hypershell: dispatch shutdown forced after drain deadline: %w", task.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.clientID] = sess
	s.mu.Unlock()
	if s.onConnect != nil {
		s.onConnect(sess.clientID)
	}
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.clientID)
	s.mu.Unlock()
	s.sched.ReleaseSession(context.Background(), sess.clientID)
}

// handleConn drives one connection through HELLO/WELCOME/AUTH and then
// into its request/result loop, generalized from
// tenant/manager.go's handleRemote.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess, err := s.handshake(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logf("dispatch: handshake: %v", err)
		}
		return
	}
	s.register(sess)
	defer s.unregister(sess)

	sess.serve()
}

func (s *Server) handshake(conn net.Conn) (*session, error) {
	conn.SetDeadline(time.Now().Add(helloTimeout))
	typ, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if typ != wire.TypeHello {
		return nil, fmt.Errorf("hypershell: expected HELLO, got %s: %w", typ, task.ErrTransport)
	}
	var hello wire.Hello
	if err := wire.DecodePayload(payload, &hello); err != nil {
		return nil, err
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		_ = wire.WriteFrame(conn, wire.TypeReject, wire.Reject{
			Reason: fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion),
		})
		return nil, fmt.Errorf("hypershell: client %s offered protocol version %d: %w", hello.ClientID, hello.ProtocolVersion, task.ErrTransport)
	}
	if hello.ClientID == "" {
		_ = wire.WriteFrame(conn, wire.TypeReject, wire.Reject{Reason: "client_id required"})
		return nil, fmt.Errorf("hypershell: client sent empty client_id: %w", task.ErrTransport)
	}

	challenge, err := authmac.NewChallenge()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.TypeWelcome, wire.Welcome{
		ProtocolVersion: wire.ProtocolVersion,
		SessionToken:    challenge,
	}); err != nil {
		return nil, err
	}

	typ, payload, err = wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if typ != wire.TypeAuth {
		return nil, fmt.Errorf("hypershell: expected AUTH, got %s: %w", typ, task.ErrTransport)
	}
	var auth wire.Auth
	if err := wire.DecodePayload(payload, &auth); err != nil {
		return nil, err
	}
	ok, err := authmac.VerifyMAC(s.authKey, challenge, auth.MAC)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = wire.WriteFrame(conn, wire.TypeAuthFail, wire.AuthFail{Reason: "bad MAC"})
		return nil, fmt.Errorf("hypershell: client %s failed authentication: %w", hello.ClientID, task.ErrAuth)
	}
	if err := wire.WriteFrame(conn, wire.TypeAuthOK, wire.AuthOK{}); err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	cs := task.NewClientSession(hello.ClientID, hello.ClientID)
	cs.Authenticated = true
	cs.Heartbeat = time.Now()
	return newSession(s, conn, cs), nil
}

func taskToWire(t *task.Task, deadline time.Time) wire.TaskWire {
	return wire.TaskWire{
		TaskID:   t.ID,
		Template: t.EffectiveTemplate(),
		Args:     t.Args,
		Attempt:  t.Attempt,
		EnvDeltas: map[string]string{
			"TASK_ID":      strconv.FormatInt(t.ID, 10),
			"TASK_ARGS":    t.Args,
			"TASK_ATTEMPT": strconv.Itoa(t.Attempt),
		},
		LeaseDeadline: deadline.UnixNano(),
	}
}
