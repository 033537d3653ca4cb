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

package store

import (
	"golang.org/x/exp/slices"

	"github.com/hypershell/hypershell/internal/task"
)

// sortTasks orders out in place per by/desc, shared by both backends'
// Query implementations.
func sortTasks(out []*task.Task, by OrderBy, desc bool) {
	slices.SortFunc(out, func(a, b *task.Task) int {
		c := compareTasks(a, b, by)
		if desc {
			return -c
		}
		return c
	})
}

// compareTasks returns -1, 0 or 1 as a sorts before, at the same position
// as, or after b under by, with id as the final tie-breaker so two tasks
// with an identical submit_time still sort deterministically.
func compareTasks(a, b *task.Task, by OrderBy) int {
	switch by {
	case OrderByID:
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case submitBefore(a, b):
			return -1
		case submitBefore(b, a):
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	}
}
