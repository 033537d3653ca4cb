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

// Package template implements the per-task command-line expansion grammar:
// substitution, file-path slicing, whitespace slicing, subshell splices, and
// inline lambda expressions (spec.md §4.1).
//
// Parse is a pure syntax check, safe to run at submission time. Expand
// performs the (possibly side-effecting, for the subshell form) evaluation
// and is run client-side, immediately before a task's command is executed.
package template

// Node is one recognized element of a parsed template: either a literal
// run of text, or one of the substitution forms from spec.md's grammar
// table. Nodes never nest textually — {% ... %} and {= ... =} consume
// their body verbatim, as required by the grammar.
type Node interface {
	node()
}

// Literal is a run of template text with no substitution semantics.
type Literal struct{ Text string }

// FullArg is the `{}` form: the entire task argument.
type FullArg struct{}

// Basename is the `{/}` form: the argument with leading directories
// stripped.
type Basename struct{}

// Dirname is the `{//}` form: the directory portion of the argument.
type Dirname struct{}

// NoExt is the `{.}` form: the argument with its final extension removed.
type NoExt struct{}

// BasenameNoExt is the `{/.}` form: basename with the final extension
// removed.
type BasenameNoExt struct{}

// BasenameNoExtAll is the `{/-}` form: basename with all extensions
// removed.
type BasenameNoExtAll struct{}

// Index is the `{[i]}` form: the i-th whitespace-split token (0-based;
// negative indexes count from the end).
type Index struct{ I int }

// Slice is the `{[a:b:s]}` form: a whitespace-token slice. Any of Start,
// Stop, Step may be nil, meaning "not specified" (Python slice semantics).
type Slice struct {
	Start, Stop, Step *int
}

// Subshell is the `{% CMD @ %}` form: CMD is run in a sub-shell with `@`
// replaced by the task argument; the captured stdout (trailing newline
// stripped) replaces the placeholder.
type Subshell struct{ Command string }

// Lambda is the `{= EXPR =}` form: EXPR is evaluated by the sandboxed
// expression evaluator with one free variable, x, bound to the argument.
type Lambda struct{ Expr string }

func (Literal) node()          {}
func (FullArg) node()          {}
func (Basename) node()         {}
func (Dirname) node()          {}
func (NoExt) node()            {}
func (BasenameNoExt) node()    {}
func (BasenameNoExtAll) node() {}
func (Index) node()            {}
func (Slice) node()            {}
func (Subshell) node()         {}
func (Lambda) node()           {}
