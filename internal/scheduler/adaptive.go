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

package scheduler

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFixedLeaseTTL is the simple, correct baseline spec.md §4.3 allows
// implementations to use instead of the adaptive TTL below.
const DefaultFixedLeaseTTL = 5 * time.Minute

const (
	minLeaseTTL      = 60 * time.Second
	runtimeWindow    = 512
	p95Position      = 0.95
)

// runtimeTracker keeps a rolling window of recent task runtimes (keyed by
// nothing in particular; the LRU eviction policy just bounds memory) and
// derives lease_ttl = max(60s, 2 * rolling_p95_runtime) per spec.md §4.3.
// The LRU cache is overkill as a plain ring buffer would do, but it is the
// same fixed-capacity "remember recent samples, evict oldest" shape the
// teacher's own dedup caches use it for, so the bookkeeping idiom carries
// over directly.
type runtimeTracker struct {
	mu     sync.Mutex
	cache  *lru.Cache[int64, time.Duration]
	seq    int64
}

func newRuntimeTracker() *runtimeTracker {
	c, err := lru.New[int64, time.Duration](runtimeWindow)
	if err != nil {
		panic("scheduler: building runtime tracker cache: " + err.Error())
	}
	return &runtimeTracker{cache: c}
}

// observe records a completed task's runtime.
func (r *runtimeTracker) observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.cache.Add(r.seq, d)
}

// leaseTTL returns the current adaptive lease TTL.
func (r *runtimeTracker) leaseTTL() time.Duration {
	r.mu.Lock()
	keys := r.cache.Keys()
	samples := make([]time.Duration, 0, len(keys))
	for _, k := range keys {
		if d, ok := r.cache.Peek(k); ok {
			samples = append(samples, d)
		}
	}
	r.mu.Unlock()

	if len(samples) == 0 {
		return DefaultFixedLeaseTTL
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(float64(len(samples)-1) * p95Position)
	p95 := samples[idx]

	ttl := 2 * p95
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	return ttl
}
