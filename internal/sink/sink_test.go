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

package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hypershell/hypershell/internal/task"
)

func TestCollectorWritesFailuresInCompletionOrder(t *testing.T) {
	var failed bytes.Buffer
	c := &Collector{Failed: &failed}

	completions := make(chan *task.Task, 4)
	completions <- &task.Task{ID: 2, Args: "second failing line", State: task.StateFailed}
	completions <- &task.Task{ID: 1, Args: "echo fine", State: task.StateDone}
	completions <- &task.Task{ID: 3, Args: "first failing line", State: task.StateFailed}
	close(completions)

	if err := c.Run(completions); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := failed.String()
	want := "second failing line\nfirst failing line\n"
	if got != want {
		t.Fatalf("failure sink = %q, want %q", got, want)
	}
	if c.Stats.Done != 1 || c.Stats.Failed != 2 {
		t.Fatalf("unexpected stats: %+v", c.Stats)
	}
}

func TestCollectorArchivesCapturedOutput(t *testing.T) {
	var archive bytes.Buffer
	c := &Collector{Output: &archive}

	exit := 1
	completions := make(chan *task.Task, 2)
	completions <- &task.Task{ID: 5, Args: "echo hi", State: task.StateDone, ExitStatus: new(int), Output: []byte("hi\n")}
	completions <- &task.Task{ID: 6, Args: "false", State: task.StateFailed, ExitStatus: &exit, Error: []byte("boom\n")}
	close(completions)

	if err := c.Run(completions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if archive.Len() == 0 {
		t.Fatal("expected a non-empty archive")
	}

	records, err := DecodeRecords(bytes.NewReader(archive.Bytes()))
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TaskID != 5 || string(records[0].Stdout) != "hi\n" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].TaskID != 6 || records[1].ExitStatus != 1 || string(records[1].Stderr) != "boom\n" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestFailureReaderScansLines(t *testing.T) {
	s := FailureReader(strings.NewReader("one\ntwo\nthree\n"))
	var lines []string
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(lines) != 3 || lines[0] != "one" || lines[2] != "three" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
