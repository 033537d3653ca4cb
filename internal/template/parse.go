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
	"fmt"
	"strconv"
	"strings"

	"github.com/hypershell/hypershell/internal/task"
)

// Parse scans tpl left-to-right and returns its non-overlapping sequence
// of Nodes. It never evaluates a subshell or lambda body; it only checks
// that every opened delimiter is closed and that index/slice bodies are
// syntactically well-formed. Any other failure -- a slice out of range
// against the real argument, a nonzero subshell exit, an expression error
// -- can only be detected at Expand time.
//
// A Parse failure is, per spec.md §4.1, a hard error detected at
// submission time: the caller should mark the task FAILED without ever
// reaching Expand.
func Parse(tpl string) ([]Node, error) {
	var nodes []Node
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			nodes = append(nodes, Literal{Text: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(tpl) {
		if tpl[i] != '{' {
			lit.WriteByte(tpl[i])
			i++
			continue
		}
		rest := tpl[i:]
		switch {
		case strings.HasPrefix(rest, "{//}"):
			flush()
			nodes = append(nodes, Dirname{})
			i += len("{//}")
		case strings.HasPrefix(rest, "{/.}"):
			flush()
			nodes = append(nodes, BasenameNoExt{})
			i += len("{/.}")
		case strings.HasPrefix(rest, "{/-}"):
			flush()
			nodes = append(nodes, BasenameNoExtAll{})
			i += len("{/-}")
		case strings.HasPrefix(rest, "{/}"):
			flush()
			nodes = append(nodes, Basename{})
			i += len("{/}")
		case strings.HasPrefix(rest, "{.}"):
			flush()
			nodes = append(nodes, NoExt{})
			i += len("{.}")
		case strings.HasPrefix(rest, "{}"):
			flush()
			nodes = append(nodes, FullArg{})
			i += len("{}")
		case strings.HasPrefix(rest, "{["):
			end := strings.Index(rest, "]}")
			if end < 0 {
				return nil, &task.ParseError{Input: tpl, Reason: "unbalanced '{[' delimiter"}
			}
			body := rest[2:end]
			node, err := parseIndexOrSlice(body)
			if err != nil {
				return nil, &task.ParseError{Input: tpl, Reason: err.Error()}
			}
			flush()
			nodes = append(nodes, node)
			i += end + len("]}")
		case strings.HasPrefix(rest, "{%"):
			end := strings.Index(rest, "%}")
			if end < 0 {
				return nil, &task.ParseError{Input: tpl, Reason: "unbalanced '{%' delimiter"}
			}
			flush()
			nodes = append(nodes, Subshell{Command: strings.TrimSpace(rest[2:end])})
			i += end + len("%}")
		case strings.HasPrefix(rest, "{="):
			end := strings.Index(rest, "=}")
			if end < 0 {
				return nil, &task.ParseError{Input: tpl, Reason: "unbalanced '{=' delimiter"}
			}
			flush()
			nodes = append(nodes, Lambda{Expr: strings.TrimSpace(rest[2:end])})
			i += end + len("=}")
		default:
			// A lone '{' that doesn't open a recognized form: either it
			// is never closed, or it names a form we don't understand.
			// Both are hard parse errors, not silently-literal braces.
			closeIdx := strings.IndexByte(rest, '}')
			if closeIdx < 0 {
				return nil, &task.ParseError{Input: tpl, Reason: "unbalanced '{' delimiter"}
			}
			return nil, &task.ParseError{Input: tpl, Reason: "unrecognized substitution form " + rest[:closeIdx+1]}
		}
	}
	flush()
	return nodes, nil
}

// parseIndexOrSlice parses the body of a `{[...]}` form, i.e. everything
// between `{[` and `]}`.
func parseIndexOrSlice(body string) (Node, error) {
	if !strings.Contains(body, ":") {
		i, err := strconv.Atoi(strings.TrimSpace(body))
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", body)
		}
		return Index{I: i}, nil
	}
	parts := strings.Split(body, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("invalid slice %q", body)
	}
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	start, err := parseOptionalInt(parts[0])
	if err != nil {
		return nil, err
	}
	stop, err := parseOptionalInt(parts[1])
	if err != nil {
		return nil, err
	}
	step, err := parseOptionalInt(parts[2])
	if err != nil {
		return nil, err
	}
	return Slice{Start: start, Stop: stop, Step: step}, nil
}

func parseOptionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid slice component %q", s)
	}
	return &v, nil
}
