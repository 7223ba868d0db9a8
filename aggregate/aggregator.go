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

// Package aggregate implements the parent-side ring-buffer merge (spec.md
// §4.4): it sums each worker's per-sequence report line across all
// workers and, once every worker has contributed to a sequence, emits one
// merged line to the final report stream.
package aggregate

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fortio/hummingbird/buckets"
)

// NBuffer is the fixed ring depth, preserved from the original's
// NBUFFER = 10.
const NBuffer = 10

// ErrFellBehind is returned by Ingest when an incoming sequence number is
// NBuffer or more ahead of the oldest sequence still awaiting
// contributions: "a process fell too far behind" in the original's words.
type ErrFellBehind struct {
	Seq, NextSeq int64
}

func (e ErrFellBehind) Error() string {
	return fmt.Sprintf("aggregator fell too far behind: got seq %d, expected around %d (ring depth %d)",
		e.Seq, e.NextSeq, NBuffer)
}

// Aggregator merges nprocs workers' report lines keyed by sequence
// number, and accumulates the running cumulative totals used for the
// final SIGINT summary.
type Aggregator struct {
	nprocs  int
	numCols int // 6 scalar counters + (nbuckets+1) histogram slots
	Buckets buckets.Buckets

	ring      [NBuffer][]int64
	ringCount [NBuffer]int
	nextSeq   int64

	// totals is the cumulative run total, accumulated column-wise across
	// every emitted interval, since each worker's own counters are reset
	// after every report (buckets.Counts.Reset) and so each merged line
	// carries only that interval's counts, mirroring reportcb/chldreadcb
	// accumulating reportbuf's per-interval deltas into the parent's own
	// running counts struct in the original source.
	totals []int64

	lastEmitTime time.Time

	out io.Writer
}

// New returns an Aggregator expecting contributions from nprocs workers,
// each reporting 6 scalar counters plus b.NumSlots() histogram columns.
// Merged lines are written to out.
func New(nprocs int, b buckets.Buckets, out io.Writer) *Aggregator {
	numCols := buckets.NumCols + b.NumSlots()
	a := &Aggregator{
		nprocs:       nprocs,
		numCols:      numCols,
		Buckets:      b,
		out:          out,
		totals:       make([]int64, numCols),
		lastEmitTime: time.Now(),
	}
	for i := range a.ring {
		a.ring[i] = make([]int64, numCols)
	}
	return a
}

// Ingest parses one worker report line (spec.md §6 wire format: seq, then
// numCols tab separated integers) and folds it into the ring. When every
// worker has contributed to a sequence, the merged line is emitted to out
// and the ring slot is reset for reuse NBuffer sequences later.
func (a *Aggregator) Ingest(line string) error {
	fields := strings.Split(strings.TrimRight(line, "\n"), "\t")
	if len(fields) != a.numCols+1 {
		return fmt.Errorf("aggregate: expected %d columns, got %d in line %q", a.numCols+1, len(fields), line)
	}
	seq, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("aggregate: invalid sequence %q: %w", fields[0], err)
	}
	if seq-a.nextSeq >= NBuffer {
		return ErrFellBehind{Seq: seq, NextSeq: a.nextSeq}
	}
	slot := int(seq % NBuffer)
	for i, tok := range fields[1:] {
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return fmt.Errorf("aggregate: invalid column %d (%q): %w", i, tok, err)
		}
		a.ring[slot][i] += v
	}
	a.ringCount[slot]++
	if a.ringCount[slot] >= a.nprocs {
		a.emit(slot)
	}
	return nil
}

// emit writes the merged line for the completed ring slot and resets it.
// sums is already this interval's delta (each worker reset its own
// Counts after reporting), so hz is computed directly from sums[0]
// without differencing against the previous emission, matching mkrate's
// use of reportbuf[n][0] in the original source.
func (a *Aggregator) emit(slot int) {
	sums := a.ring[slot]
	now := time.Now()
	elapsedMs := now.Sub(a.lastEmitTime).Milliseconds()
	var hz float64
	if elapsedMs > 0 {
		hz = 1000 * float64(sums[0]) / float64(elapsedMs)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d", now.Unix())
	for _, v := range sums {
		fmt.Fprintf(&b, "\t%d", v)
	}
	fmt.Fprintf(&b, "\t%.2f\n", hz)
	io.WriteString(a.out, b.String()) //nolint:errcheck // best effort merged report write, matches worker report semantics

	for i, v := range sums {
		a.totals[i] += v
	}
	a.lastEmitTime = now
	a.nextSeq++
	a.ringCount[slot] = 0
	for i := range a.ring[slot] {
		a.ring[slot][i] = 0
	}
}

// Totals returns the cumulative counters summed over every merged line
// emitted so far, in the same column order as the wire format (6 scalars
// then the histogram).
func (a *Aggregator) Totals() []int64 {
	cp := make([]int64, len(a.totals))
	copy(cp, a.totals)
	return cp
}

var scalarLabels = [buckets.NumCols]string{
	"conn_successes", "conn_errors", "conn_timeouts", "conn_closes", "http_successes", "http_errors",
}

// PrintSummary renders the final human-readable run summary (spec.md §6
// "SIGINT final summary"), grounded on hstress.c's report()/printcount():
// overall rate, elapsed time, then one line per scalar counter and one
// per latency bucket, each with its count and its fraction of the
// relevant total.
func (a *Aggregator) PrintSummary(w io.Writer, elapsed time.Duration) {
	totals := a.totals
	var hz float64
	if elapsed > 0 {
		hz = float64(totals[0]) / elapsed.Seconds()
	}
	fmt.Fprintf(w, "# hz: %.2f\n", hz)
	fmt.Fprintf(w, "# time: %.2fs\n", elapsed.Seconds())
	for i, label := range scalarLabels {
		printcount(w, label, totals[i], totals[0])
	}
	httpSuccesses := totals[4]
	for i, bound := range a.Buckets.Bounds {
		printcount(w, fmt.Sprintf("<%d", bound), totals[buckets.NumCols+i], httpSuccesses)
	}
	overflowLabel := ">=0"
	if n := len(a.Buckets.Bounds); n > 0 {
		overflowLabel = fmt.Sprintf(">=%d", a.Buckets.Bounds[n-1])
	}
	printcount(w, overflowLabel, totals[buckets.NumCols+len(a.Buckets.Bounds)], httpSuccesses)
}

func printcount(w io.Writer, label string, count, total int64) {
	var frac float64
	if total > 0 {
		frac = 100 * float64(count) / float64(total)
	}
	fmt.Fprintf(w, "%s\t%d\t%.2f%%\n", label, count, frac)
}
