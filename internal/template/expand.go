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
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/hypershell/hypershell/internal/task"
)

// SubshellTimeout bounds how long a `{% CMD @ %}` splice may run before
// Expand gives up and fails the substitution. There is no spec-mandated
// value; this is a pragmatic guard against a hung task blocking dispatch
// of every other task queued behind it on the same client.
const SubshellTimeout = 30 * time.Second

// Expand evaluates nodes against arg, producing the final command string.
// shell runs each `{% CMD @ %}` splice (as `shell -c CMD`); the splice
// inherits the calling process's environment, not the task's exported
// vars or TASK_* bindings.
//
// Any failure here -- an out-of-range index/slice, a nonzero subshell
// exit, an expression error -- is returned as a *task.ParseError so the
// caller can mark the task FAILED without running its command, per
// spec.md §4.1.
func Expand(ctx context.Context, nodes []Node, arg string, shell string) (string, error) {
	var out strings.Builder
	tokens := strings.Fields(arg)

	fail := func(reason string) (string, error) {
		return "", &task.ParseError{Input: arg, Reason: reason}
	}

	for _, n := range nodes {
		switch v := n.(type) {
		case Literal:
			out.WriteString(v.Text)
		case FullArg:
			out.WriteString(arg)
		case Basename:
			out.WriteString(path.Base(arg))
		case Dirname:
			out.WriteString(path.Dir(arg))
		case NoExt:
			out.WriteString(trimExt(arg))
		case BasenameNoExt:
			out.WriteString(trimExt(path.Base(arg)))
		case BasenameNoExtAll:
			out.WriteString(trimAllExt(path.Base(arg)))
		case Index:
			idx, err := normalizeIndex(v.I, len(tokens))
			if err != nil {
				return fail(err.Error())
			}
			out.WriteString(tokens[idx])
		case Slice:
			idxs, err := sliceIndices(v.Start, v.Stop, v.Step, len(tokens))
			if err != nil {
				return fail(err.Error())
			}
			picked := make([]string, len(idxs))
			for i, ix := range idxs {
				picked[i] = tokens[ix]
			}
			out.WriteString(strings.Join(picked, " "))
		case Subshell:
			result, err := runSubshell(ctx, shell, v.Command, arg)
			if err != nil {
				return fail(err.Error())
			}
			out.WriteString(result)
		case Lambda:
			result, err := EvalLambda(v.Expr, arg)
			if err != nil {
				return fail(err.Error())
			}
			out.WriteString(result)
		default:
			return fail(fmt.Sprintf("unhandled node type %T", n))
		}
	}
	return out.String(), nil
}

// trimExt removes a single trailing filename extension (the last
// ".something" suffix), matching the semantics of `{.}`/`{/.}`.
func trimExt(s string) string {
	ext := path.Ext(s)
	if ext == "" || ext == s {
		return s
	}
	return strings.TrimSuffix(s, ext)
}

// trimAllExt repeatedly strips extensions, matching `{/-}`.
func trimAllExt(s string) string {
	for {
		ext := path.Ext(s)
		if ext == "" || ext == s {
			return s
		}
		s = strings.TrimSuffix(s, ext)
	}
}

// runSubshell runs cmd through the given shell with every occurrence of
// the literal token `@` replaced by arg, capturing stdout with its
// trailing newline stripped (spec.md §4.1).
func runSubshell(ctx context.Context, shell, cmd, arg string) (string, error) {
	substituted := strings.ReplaceAll(cmd, "@", arg)

	cctx, cancel := context.WithTimeout(ctx, SubshellTimeout)
	defer cancel()

	c := exec.CommandContext(cctx, shell, "-c", substituted)
	stdout, err := c.Output()
	if err != nil {
		return "", fmt.Errorf("subshell %q failed: %w", substituted, err)
	}
	return strings.TrimSuffix(string(stdout), "\n"), nil
}
