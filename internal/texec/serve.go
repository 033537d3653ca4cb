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
	"io"
	"time"

	"github.com/hypershell/hypershell/internal/wire"
)

// resultBacklog bounds the results channel so a task goroutine whose
// cancellation raced the drain deadline never blocks forever trying to
// report in: serve() may have already returned by the time it sends.
const resultBacklog = 4096

type frameMsg struct {
	typ     wire.Type
	payload []byte
}

// idleTimer wraps a *time.Timer that may not exist at all (IdleTimeout
// == 0 means infinite patience, spec.md §4.5 step 5).
type idleTimer struct {
	t *time.Timer
	d time.Duration
}

func newIdleTimer(d time.Duration) *idleTimer {
	it := &idleTimer{d: d}
	if d > 0 {
		it.t = time.NewTimer(d)
	}
	return it
}

func (it *idleTimer) C() <-chan time.Time {
	if it.t == nil {
		return nil
	}
	return it.t.C
}

func (it *idleTimer) reset() {
	if it.t == nil {
		return
	}
	if !it.t.Stop() {
		select {
		case <-it.t.C:
		default:
		}
	}
	it.t.Reset(it.d)
}

// serve is the client's main loop: REQUEST when under capacity, run
// TASKS as they arrive, report RESULTs, answer HEARTBEAT_ACK, and handle
// SHUTDOWN's ordered drain (spec.md §4.5 steps 2-6).
func (c *Client) serve(ctx context.Context) error {
	frames := make(chan frameMsg)
	readErr := make(chan error, 1)
	go func() {
		for {
			typ, payload, err := wire.ReadFrame(c.conn)
			if err != nil {
				readErr <- err
				return
			}
			frames <- frameMsg{typ, payload}
		}
	}()

	results := make(chan wire.Result, resultBacklog)
	outstanding := 0
	draining := false

	idle := newIdleTimer(c.cfg.IdleTimeout)
	hb := time.NewTicker(c.cfg.Heartbeat)
	defer hb.Stop()
	var drainC <-chan time.Time

	requestMore := func() error {
		if draining {
			return nil
		}
		need := c.cfg.Capacity - outstanding
		if need <= 0 {
			return nil
		}
		return c.writeFrame(wire.TypeRequest, wire.Request{MaxBatch: need})
	}

	if err := requestMore(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.cancelAll()
			return ctx.Err()

		case err := <-readErr:
			c.cancelAll()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case msg := <-frames:
			idle.reset()
			switch msg.typ {
			case wire.TypeTasks:
				var tasks wire.Tasks
				if err := wire.DecodePayload(msg.payload, &tasks); err != nil {
					return err
				}
				for _, tw := range tasks.Tasks {
					outstanding++
					go c.runTask(ctx, tw, results)
				}
			case wire.TypeShutdown:
				var sd wire.Shutdown
				if err := wire.DecodePayload(msg.payload, &sd); err != nil {
					return err
				}
				draining = true
				deadline := time.Unix(0, sd.DrainDeadline)
				timer := time.NewTimer(time.Until(deadline))
				defer timer.Stop()
				drainC = timer.C
				if outstanding == 0 {
					return c.finishBye()
				}
			case wire.TypeHeartbeatAck:
				// liveness only; nothing to do.
			default:
				c.logf("texec: unexpected frame %s", msg.typ)
			}

		case res := <-results:
			outstanding--
			if err := c.writeFrame(wire.TypeResult, res); err != nil {
				return err
			}
			if draining && outstanding == 0 {
				return c.finishBye()
			}
			if err := requestMore(); err != nil {
				return err
			}
			idle.reset()

		case <-hb.C:
			if err := c.writeFrame(wire.TypeHeartbeat, wire.Heartbeat{Now: time.Now().UnixNano()}); err != nil {
				return err
			}

		case <-idle.C():
			if outstanding == 0 {
				return c.finishBye()
			}

		case <-drainC:
			c.cancelAll()
			return c.drainRemaining(outstanding, results)
		}
	}
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.running {
		cancel()
	}
}

// drainRemaining relays the final RESULT (exit_status -1, per spec.md
// §4.6) from each task already canceled by cancelAll, then sends BYE. A
// hard cap bounds how long it waits in case a child ignores SIGTERM and
// WaitDelay's own SIGKILL escalation is somehow also stuck.
func (c *Client) drainRemaining(outstanding int, results chan wire.Result) error {
	hardCap := time.After(killGrace + 5*time.Second)
	for outstanding > 0 {
		select {
		case res := <-results:
			outstanding--
			_ = c.writeFrame(wire.TypeResult, res)
		case <-hardCap:
			outstanding = 0
		}
	}
	return c.finishBye()
}

func (c *Client) finishBye() error {
	_ = c.writeFrame(wire.TypeBye, wire.Bye{})
	return nil
}
