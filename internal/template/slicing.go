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

import "fmt"

// normalizeIndex converts a possibly-negative, Python-style index into a
// valid slot in [0, n), or returns an error describing the out-of-range
// access (spec.md's "{[5]}` against a 3-word argument" boundary case).
func normalizeIndex(i, n int) (int, error) {
	if n == 0 {
		return 0, fmt.Errorf("index %d out of range for empty sequence", i)
	}
	orig := i
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("index %d out of range (length %d)", orig, n)
	}
	return i, nil
}

// normalizeRange resolves a Python-style [start:stop) range (no step) to
// valid, clamped bounds within [0, n]. Negative values count from the end;
// out-of-range bounds are clamped rather than rejected, matching Python
// slice semantics, which is the model spec.md's `{[a:b:s]}` form borrows.
func normalizeRange(start, stop, n int) (int, int, error) {
	clamp := func(v int) int {
		if v < 0 {
			v += n
		}
		if v < 0 {
			v = 0
		}
		if v > n {
			v = n
		}
		return v
	}
	start = clamp(start)
	stop = clamp(stop)
	if stop < start {
		stop = start
	}
	return start, stop, nil
}

// sliceIndices resolves a full a:b:s slice specification (any component
// possibly absent) against a sequence of length n, returning the selected
// element indexes in order. Absent Start defaults to 0 (or n-1 if step is
// negative); absent Stop defaults to n (or -1 if step is negative); absent
// Step defaults to 1.
func sliceIndices(start, stop, step *int, n int) ([]int, error) {
	s := 1
	if step != nil {
		s = *step
	}
	if s == 0 {
		return nil, fmt.Errorf("slice step cannot be 0")
	}

	var lo, hi int
	if s > 0 {
		lo, hi = 0, n
	} else {
		lo, hi = -1, n-1
	}

	resolve := func(v *int, def int) int {
		if v == nil {
			return def
		}
		x := *v
		if x < 0 {
			x += n
		}
		if s > 0 {
			if x < 0 {
				x = 0
			}
			if x > n {
				x = n
			}
		} else {
			if x < -1 {
				x = -1
			}
			if x >= n {
				x = n - 1
			}
		}
		return x
	}

	startIdx := resolve(start, lo)
	stopIdx := resolve(stop, hi)

	var out []int
	if s > 0 {
		for i := startIdx; i < stopIdx; i += s {
			out = append(out, i)
		}
	} else {
		for i := startIdx; i > stopIdx; i += s {
			out = append(out, i)
		}
	}
	return out, nil
}
