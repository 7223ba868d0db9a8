// Copyright 2017 Fortio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buckets implements the latency bucket/stat engine: user specified,
// strictly increasing millisecond bucket boundaries, plus the overflow slot,
// and the per-worker mutable counters that get rendered into the worker to
// parent wire format.
package buckets

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxBuckets is the largest number of bucket boundaries accepted (matches
// MAX_BUCKETS in the original hstress/hummingbird sources).
const MaxBuckets = 100

// Buckets holds the ordered, strictly increasing millisecond upper bounds
// used to classify successful-response latencies. len(Bounds)+1 histogram
// slots exist: one per bound, plus one overflow slot for latencies at or
// above the last bound.
type Buckets struct {
	Bounds []int64
}

// Default returns the default bucket boundaries: {1, 10, 100} ms.
func Default() Buckets {
	return Buckets{Bounds: []int64{1, 10, 100}}
}

// Parse parses a comma separated list of strictly increasing positive
// millisecond bounds, e.g. "1,10,100". An empty string returns Default().
func Parse(s string) (Buckets, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > MaxBuckets {
		return Buckets{}, fmt.Errorf("too many buckets: %d (max %d)", len(parts), MaxBuckets)
	}
	bounds := make([]int64, 0, len(parts))
	var prev int64
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return Buckets{}, fmt.Errorf("invalid bucket %q: %w", p, err)
		}
		if v <= 0 {
			return Buckets{}, fmt.Errorf("bucket %d must be positive, got %d", i, v)
		}
		if i > 0 && v <= prev {
			return Buckets{}, fmt.Errorf("buckets must be strictly increasing: %d <= %d", v, prev)
		}
		bounds = append(bounds, v)
		prev = v
	}
	return Buckets{Bounds: bounds}, nil
}

// NumSlots returns len(Bounds)+1, the number of histogram slots including
// the overflow slot.
func (b Buckets) NumSlots() int {
	return len(b.Bounds) + 1
}

// Index returns the slot a latency (in milliseconds) falls into: the index
// of the first bound it is strictly less than, or the overflow slot
// (len(Bounds)) if it is at or above every bound.
func (b Buckets) Index(latencyMs int64) int {
	for i, bound := range b.Bounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(b.Bounds)
}

// NumCols is the count of scalar (non-histogram) counters carried on the
// worker to parent wire line: conn_successes, conn_errors, conn_timeouts,
// conn_closes, http_successes, http_errors. Grounded on hstress.c's
// num_cols = 6.
const NumCols = 6

// Counts is the set of per-worker mutable counters, safe for concurrent use
// by every runner goroutine the worker owns (the in-process stand-in for
// the single-threaded C worker's unsynchronized counters, per the
// "per-worker state reduced through a mutex" design note).
type Counts struct {
	mu sync.Mutex

	Buckets Buckets

	ConnSuccesses int64
	ConnErrors    int64
	ConnTimeouts  int64
	ConnCloses    int64
	HTTPSuccesses int64
	HTTPErrors    int64
	Histogram     []int64
}

// New returns a zeroed Counts for the given bucket configuration.
func New(b Buckets) *Counts {
	return &Counts{Buckets: b, Histogram: make([]int64, b.NumSlots())}
}

// RecordSuccess accounts for one connection success. If the HTTP status
// code is 200 it also increments http_successes and exactly one histogram
// bucket; any other status code increments http_errors and touches no
// bucket, matching the original "errors/timeouts/non-200 never touch
// bucket counters" invariant.
func (c *Counts) RecordSuccess(statusCode int, latencyMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnSuccesses++
	if statusCode == 200 {
		c.HTTPSuccesses++
		c.Histogram[c.Buckets.Index(latencyMs)]++
	} else {
		c.HTTPErrors++
	}
}

// RecordError accounts for a connection-level error (no response, or a
// negative/invalid response code).
func (c *Counts) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnErrors++
}

// RecordTimeout accounts for a request whose engine-enforced timeout fired
// before completion.
func (c *Counts) RecordTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnTimeouts++
}

// RecordClose accounts for a peer-initiated connection close. Purely
// bookkeeping: it never itself terminates an in-flight request.
func (c *Counts) RecordClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnCloses++
}

// Reset zeroes every scalar counter and every histogram slot in place.
// The worker calls this after each report line is written: the wire
// protocol carries per-interval counts, not a running total (spec.md
// §3 "Counts ... reset at each report emission").
func (c *Counts) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnSuccesses = 0
	c.ConnErrors = 0
	c.ConnTimeouts = 0
	c.ConnCloses = 0
	c.HTTPSuccesses = 0
	c.HTTPErrors = 0
	for i := range c.Histogram {
		c.Histogram[i] = 0
	}
}

// Snapshot returns a copy of the current scalar counters in wire order
// (conn successes, conn errors, conn timeouts, conn closes, http
// successes, http errors) followed by the histogram slots. Callers that
// want per-interval counts must pair Snapshot with Reset, exactly as
// reportcb does in the original source: read the counters, write them to
// the wire, then zero them for the next interval.
func (c *Counts) Snapshot() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols := make([]int64, NumCols+len(c.Histogram))
	cols[0] = c.ConnSuccesses
	cols[1] = c.ConnErrors
	cols[2] = c.ConnTimeouts
	cols[3] = c.ConnCloses
	cols[4] = c.HTTPSuccesses
	cols[5] = c.HTTPErrors
	copy(cols[NumCols:], c.Histogram)
	return cols
}
