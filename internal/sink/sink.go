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

// Package sink implements the two collector outputs described in spec.md
// §2 item 7: a failure sink that writes failed command lines in
// completion order, and an output sink that archives captured stdout/
// stderr. Both are driven from Scheduler.Completions rather than polling
// the store, so ordering matches the order tasks actually finished in,
// not submission order (spec.md §6 "Failure output format ... in
// completion order").
package sink

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hypershell/hypershell/internal/task"
)

// OutputRecord is one entry in the output sink: a terminal task's id,
// exit status, and captured stdout/stderr. Each record is a
// self-contained gob stream (its own type header included) written
// through a single shared zstd.Encoder; unlike internal/wire's frames
// there is no magic or length header, since the sink is a private archive
// format, not a wire protocol peers negotiate over.
type OutputRecord struct {
	TaskID     int64
	Args       string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

func encodeRecord(t *task.Task) []byte {
	rec := OutputRecord{
		TaskID: t.ID,
		Args:   t.Args,
		Stdout: t.Output,
		Stderr: t.Error,
	}
	if t.ExitStatus != nil {
		rec.ExitStatus = *t.ExitStatus
	}
	var buf bytes.Buffer
	// gob.NewEncoder never fails to encode a plain data struct like
	// OutputRecord; any error here would mean a programming mistake, not
	// a runtime condition callers can usefully recover from.
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		panic("sink: encoding OutputRecord: " + err.Error())
	}
	return buf.Bytes()
}

// DecodeRecords decodes a stream previously written by Collector's output
// sink back into individual records, for the CLI's archive-inspection
// tooling.
func DecodeRecords(r io.Reader) ([]OutputRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	// Every record carries its own gob type header, so each one gets a
	// fresh Decoder; the shared bufio.Reader keeps them reading in step.
	br := bufio.NewReader(zr)
	var out []OutputRecord
	for {
		var rec OutputRecord
		if err := gob.NewDecoder(br).Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Collector reads completed tasks from a channel (normally
// Scheduler.Completions) and fans each one out to its Failed and/or
// Output writer. Either writer may be nil to disable that sink, mirroring
// the CLI's `-f/--failed` and `-o/--output` flags being independently
// optional (spec.md §6).
type Collector struct {
	// Failed receives one line per FAILED task: the original Args,
	// verbatim, newline-terminated (spec.md §6).
	Failed io.Writer

	// Output, if set, receives an archived record of every terminal
	// task's captured stdout/stderr, zstd-compressed (DESIGN.md: the
	// teacher's own payload-compression idiom, github.com/klauspost/
	// compress/zstd, applied to captured task output instead of
	// columnar chunks).
	Output io.Writer

	// Stats tallies completions as they are processed; read only after
	// Run has returned, or guard it with an external mutex if read
	// concurrently.
	Stats Stats

	mu  sync.Mutex
	enc *zstd.Encoder
}

// Stats tallies the outcomes a Collector has seen.
type Stats struct {
	Done      int
	Failed    int
	Abandoned int
}

// Run drains completions until the channel is closed, writing each FAILED
// task's Args to Failed and every terminal task's captured output to
// Output. It returns the first write error encountered, having already
// drained (and counted) every completion that follows it so stats stay
// accurate even on a write failure partway through.
func (c *Collector) Run(completions <-chan *task.Task) error {
	var firstErr error
	for t := range completions {
		if err := c.handle(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.enc != nil {
		if err := c.enc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Collector) handle(t *task.Task) error {
	switch t.State {
	case task.StateDone:
		c.Stats.Done++
	case task.StateFailed:
		c.Stats.Failed++
	case task.StateAbandoned:
		c.Stats.Abandoned++
	}

	var err error
	if t.State == task.StateFailed && c.Failed != nil {
		if werr := writeLine(c.Failed, t.Args); werr != nil {
			err = werr
		}
	}
	if c.Output != nil && (t.Output != nil || t.Error != nil) {
		if werr := c.writeOutputRecord(t); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

// writeOutputRecord gob-encodes and appends a record for t to c.Output
// through a single shared *zstd.Encoder, the way zion/compress.go keeps
// one encoder alive across a whole chunk stream instead of paying zstd's
// frame-header cost per record.
func (c *Collector) writeOutputRecord(t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enc == nil {
		enc, err := zstd.NewWriter(c.Output)
		if err != nil {
			return err
		}
		c.enc = enc
	}

	rec := encodeRecord(t)
	_, err := c.enc.Write(rec)
	return err
}

// FailureReader scans a failure-sink stream back into individual command
// lines, for `hyper-shell task search -f`-style re-display or resubmission
// tooling.
func FailureReader(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return s
}
