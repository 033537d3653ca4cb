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
	"strconv"
	"strings"
)

// ExportPrefix is the client environment variable prefix that is exposed
// to tasks with the prefix stripped (spec.md §4.1 "Environment injection").
const ExportPrefix = "HYPERSHELL_EXPORT_"

// Reserved client-only environment variables that are never propagated to
// a task even though they don't carry ExportPrefix.
const (
	EnvExe = "HYPERSHELL_EXE"
	EnvCWD = "HYPERSHELL_CWD"
)

// ExportedEnv extracts HYPERSHELL_EXPORT_*-prefixed bindings from environ
// (as returned by os.Environ), stripping the prefix from each key. The
// reserved EnvExe/EnvCWD names are never propagated regardless of prefix,
// matching spec.md's explicit carve-out.
func ExportedEnv(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if k == EnvExe || k == EnvCWD {
			continue
		}
		if name, ok := strings.CutPrefix(k, ExportPrefix); ok && name != "" {
			out[name] = v
		}
	}
	return out
}

// TaskBindings returns the additional per-task environment bindings
// spec.md §4.1 requires: TASK_ID, TASK_ARGS, TASK_ATTEMPT, TASK_HOST.
func TaskBindings(taskID int64, args string, attempt int, host string) map[string]string {
	return map[string]string{
		"TASK_ID":      strconv.FormatInt(taskID, 10),
		"TASK_ARGS":    args,
		"TASK_ATTEMPT": strconv.Itoa(attempt),
		"TASK_HOST":    host,
	}
}
