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

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// lambdaEnv is the single sandboxed evaluation environment shared by every
// `{= EXPR =}` evaluation. It satisfies spec.md §9's requirement for "a
// small, sandboxed expression evaluator supporting integer arithmetic,
// string concatenation, indexing/slicing on the x variable, and a fixed
// set of safe builtins -- nothing that reads the environment or performs
// I/O". CEL itself has no assignment, no statements, and no I/O primitives,
// so the sandbox property comes from the language, not from a denylist;
// idx/slice are added as ordinary pure functions because CEL's standard
// library has no native string-indexing operator.
var lambdaEnv = mustLambdaEnv()

func mustLambdaEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("x", cel.StringType),
		cel.Function("idx",
			cel.Overload("idx_string_int", []*cel.Type{cel.StringType, cel.IntType}, cel.StringType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s := string(lhs.(types.String))
					i := int64(rhs.(types.Int))
					r := []rune(s)
					idx, err := normalizeIndex(int(i), len(r))
					if err != nil {
						return types.NewErr("%s", err.Error())
					}
					return types.String(string(r[idx]))
				}),
			),
		),
		cel.Function("slice",
			cel.Overload("slice_string_int_int", []*cel.Type{cel.StringType, cel.IntType, cel.IntType}, cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s := string(args[0].(types.String))
					a := int64(args[1].(types.Int))
					b := int64(args[2].(types.Int))
					r := []rune(s)
					start, stop, err := normalizeRange(int(a), int(b), len(r))
					if err != nil {
						return types.NewErr("%s", err.Error())
					}
					return types.String(string(r[start:stop]))
				}),
			),
		),
	)
	if err != nil {
		panic(fmt.Sprintf("template: building lambda sandbox env: %v", err))
	}
	return env
}

// EvalLambda evaluates a `{= EXPR =}` body against arg, returning its
// result coerced to a string. EXPR must compile and evaluate within the
// sandboxed environment above; any compile or runtime error is returned
// verbatim for the caller to wrap as a structured FAILED reason.
func EvalLambda(expr, arg string) (string, error) {
	ast, iss := lambdaEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return "", fmt.Errorf("expression %q: %w", expr, iss.Err())
	}
	prg, err := lambdaEnv.Program(ast)
	if err != nil {
		return "", fmt.Errorf("expression %q: %w", expr, err)
	}
	out, _, err := prg.Eval(map[string]any{"x": arg})
	if err != nil {
		return "", fmt.Errorf("expression %q: %w", expr, err)
	}
	switch v := out.Value().(type) {
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
