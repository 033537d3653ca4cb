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

package template

import (
	"context"
	"testing"
)

func TestParseLiteral(t *testing.T) {
	nodes, err := Parse("echo hello world")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d: %#v", len(nodes), nodes)
	}
	lit, ok := nodes[0].(Literal)
	if !ok || lit.Text != "echo hello world" {
		t.Fatalf("expected Literal %q, got %#v", "echo hello world", nodes[0])
	}
}

func TestParseAllForms(t *testing.T) {
	cases := []struct {
		tpl  string
		want Node
	}{
		{"{}", FullArg{}},
		{"{/}", Basename{}},
		{"{//}", Dirname{}},
		{"{.}", NoExt{}},
		{"{/.}", BasenameNoExt{}},
		{"{/-}", BasenameNoExtAll{}},
	}
	for _, c := range cases {
		nodes, err := Parse(c.tpl)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.tpl, err)
		}
		if len(nodes) != 1 || nodes[0] != c.want {
			t.Fatalf("Parse(%q) = %#v, want [%#v]", c.tpl, nodes, c.want)
		}
	}
}

func TestParseUnbalanced(t *testing.T) {
	for _, tpl := range []string{"{[1", "{% echo @", "{= x + 1", "{bogus"} {
		if _, err := Parse(tpl); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", tpl)
		}
	}
}

func TestParseUnrecognizedForm(t *testing.T) {
	if _, err := Parse("{nope}"); err == nil {
		t.Fatal("expected error for unrecognized substitution form")
	}
}

func TestParseIndexAndSlice(t *testing.T) {
	nodes, err := Parse("{[1:3]}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sl, ok := nodes[0].(Slice)
	if !ok {
		t.Fatalf("expected Slice, got %#v", nodes[0])
	}
	if sl.Start == nil || *sl.Start != 1 || sl.Stop == nil || *sl.Stop != 3 || sl.Step != nil {
		t.Fatalf("unexpected slice bounds: %#v", sl)
	}

	nodes, err = Parse("{[-1]}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx, ok := nodes[0].(Index)
	if !ok || idx.I != -1 {
		t.Fatalf("expected Index{-1}, got %#v", nodes[0])
	}
}

func TestParseInvalidIndexBody(t *testing.T) {
	if _, err := Parse("{[x]}"); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
	if _, err := Parse("{[1:2:3:4]}"); err == nil {
		t.Fatal("expected error for too many slice components")
	}
}

func TestExpandFullArg(t *testing.T) {
	nodes, err := Parse("run {}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "/a/b/c.tar.gz", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if want := "run /a/b/c.tar.gz"; got != want {
		t.Fatalf("Expand = %q, want %q", got, want)
	}
}

func TestExpandBasenameDirname(t *testing.T) {
	nodes, err := Parse("{/}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "/a/b/c.tar.gz", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "c.tar.gz" {
		t.Fatalf("{/} = %q, want %q", got, "c.tar.gz")
	}

	nodes, _ = Parse("{//}")
	got, err = Expand(context.Background(), nodes, "/a/b/c.tar.gz", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "/a/b" {
		t.Fatalf("{//} = %q, want %q", got, "/a/b")
	}

	nodes, _ = Parse("{/.}")
	got, err = Expand(context.Background(), nodes, "/a/b/c.tar.gz", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "c.tar" {
		t.Fatalf("{/.} = %q, want %q", got, "c.tar")
	}

	nodes, _ = Parse("{/-}")
	got, err = Expand(context.Background(), nodes, "/a/b/c.tar.gz", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "c" {
		t.Fatalf("{/-} = %q, want %q", got, "c")
	}
}

// TestExpandSliceBoundary exercises spec.md's own example: a template
// slicing the second-through-third whitespace tokens out of a four-word
// argument.
func TestExpandSliceBoundary(t *testing.T) {
	nodes, err := Parse("echo {[1:3]}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "one two three four", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "echo two three" {
		t.Fatalf("Expand = %q, want %q", got, "echo two three")
	}
}

// TestExpandIndexOutOfRange exercises the {[5]} against a 3-word argument
// boundary case: a hard failure, not an empty substitution.
func TestExpandIndexOutOfRange(t *testing.T) {
	nodes, err := Parse("{[5]}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = Expand(context.Background(), nodes, "one two three", "/bin/sh")
	if err == nil {
		t.Fatal("expected out-of-range error, got nil")
	}
}

func TestExpandNegativeIndex(t *testing.T) {
	nodes, err := Parse("{[-1]}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "one two three", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "three" {
		t.Fatalf("Expand = %q, want %q", got, "three")
	}
}

func TestExpandSubshell(t *testing.T) {
	nodes, err := Parse("{% echo -n prefix-@ %}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "arg", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "prefix-arg" {
		t.Fatalf("Expand = %q, want %q", got, "prefix-arg")
	}
}

func TestExpandSubshellNonzeroExit(t *testing.T) {
	nodes, err := Parse("{% exit 1 %}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Expand(context.Background(), nodes, "arg", "/bin/sh"); err == nil {
		t.Fatal("expected error from nonzero subshell exit")
	}
}

func TestExpandLambda(t *testing.T) {
	nodes, err := Parse("{= x + \"!\" =}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "hi", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "hi!" {
		t.Fatalf("Expand = %q, want %q", got, "hi!")
	}
}

func TestExpandLambdaIdxSlice(t *testing.T) {
	nodes, err := Parse("{= idx(x, 0) =}-{= slice(x, 1, 3) =}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := Expand(context.Background(), nodes, "abcdef", "/bin/sh")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "a-bc" {
		t.Fatalf("Expand = %q, want %q", got, "a-bc")
	}
}

func TestExportedEnv(t *testing.T) {
	environ := []string{
		"HYPERSHELL_EXPORT_FOO=bar",
		"HYPERSHELL_EXPORT_BAZ=qux",
		"HYPERSHELL_EXE=/usr/bin/hyper-shell",
		"HYPERSHELL_CWD=/home/x",
		"UNRELATED=1",
		"HYPERSHELL_EXPORT_=empty-name-dropped",
	}
	got := ExportedEnv(environ)
	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	if len(got) != len(want) {
		t.Fatalf("ExportedEnv = %#v, want %#v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("ExportedEnv[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestTaskBindings(t *testing.T) {
	got := TaskBindings(42, "one two", 2, "worker-1")
	if got["TASK_ID"] != "42" || got["TASK_ARGS"] != "one two" || got["TASK_ATTEMPT"] != "2" || got["TASK_HOST"] != "worker-1" {
		t.Fatalf("unexpected bindings: %#v", got)
	}
}
