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

package engine

import (
	"context"
	"sync/atomic"
	"time"

	"fortio.org/log"

	"github.com/fortio/hummingbird/buckets"
	"github.com/fortio/hummingbird/tsv"
)

// Outcome is the terminal state of one dispatched Request (spec.md §3/§4.1).
type Outcome int

// TSV wire codes, fixed by spec.md §4.7: 0=Success, 1=Closed, 2=Error,
// 3=Timeout. Closed only ever appears as connection-level bookkeeping in
// this implementation (see RecordClose), never as a Request's own Outcome,
// but the constant is defined here to keep the four outcomes and their
// wire codes next to each other.
const (
	Success Outcome = iota
	Closed
	Error
	Timeout
)

// RateFudgeMicros is the empirical adjustment subtracted from the nominal
// inter-request interval in rate-limited mode, preserved verbatim from the
// original's USEC_FUDGE tunable (spec.md §9: "RATE_FUDGE_US must be
// preserved as a named tunable, not silently dropped").
const RateFudgeMicros = 300

// Options configures one Runner.
type Options struct {
	Path       string
	HostHeader string
	RPC        int           // recycle the connection after RPC requests; 0 disables
	QPS        float64       // per-runner target rate; 0 disables (mutually exclusive with RPC)
	Buckets    buckets.Buckets
	Counts     *buckets.Counts
	Sink       *tsv.Sink // optional per-request TSV logger, may be nil
	NewConn    func() Connection
}

// Runner drives one logical connection slot: it owns exactly one
// Connection at a time and dispatches requests against it according to
// its scheduling mode, never dispatching Request N+1 before Request N has
// terminated (spec.md §5 Ordering).
type Runner struct {
	id     int
	opts   Options
	conn   Connection
	reqno  int
	budget *int64 // shared remaining-request counter, -1 == unlimited
}

// NewRunner constructs a Runner. budget is shared across every runner in a
// worker: each dispatch atomically decrements it, implementing the
// "requests are divided across runners opportunistically" rule.
func NewRunner(id int, opts Options, budget *int64) *Runner {
	return &Runner{
		id:     id,
		opts:   opts,
		conn:   opts.NewConn(),
		budget: budget,
	}
}

// ratePeriod computes the ticker period for a target qps, per spec.md
// §4.2: max(1µs, 1e6/qps - RATE_FUDGE_US µs).
func ratePeriod(qps float64) time.Duration {
	usec := 1e6/qps - RateFudgeMicros
	if usec < 1 {
		usec = 1
	}
	return time.Duration(usec * float64(time.Microsecond))
}

// withinBudget atomically claims one unit of the shared request budget.
// A negative budget means unlimited.
func (r *Runner) withinBudget() bool {
	for {
		cur := atomic.LoadInt64(r.budget)
		if cur < 0 {
			return true
		}
		if cur == 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(r.budget, cur, cur-1) {
			return true
		}
	}
}

// Run drives this runner until ctx is done or its request budget is
// exhausted. Per spec.md §4.2: if QPS is enabled, arm the tick timer and
// wait for the first tick; otherwise dispatch immediately so the loop is
// primed, then let each completion trigger the next dispatch.
func (r *Runner) Run(ctx context.Context) {
	defer r.conn.Close()
	if r.opts.QPS > 0 {
		r.runRateLimited(ctx)
		return
	}
	r.runImmediate(ctx)
}

func (r *Runner) runImmediate(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !r.withinBudget() {
			return
		}
		r.dispatchOnce(ctx)
		if r.opts.RPC > 0 && r.reqno >= r.opts.RPC {
			r.recycle()
		}
	}
}

// runRateLimited dispatches on a fixed tick. time.Ticker drops ticks a
// slow receiver hasn't drained, so this goroutine never has more than one
// request in flight at a time even if a request outlives its tick period:
// the ordering invariant holds structurally instead of via an explicit
// busy flag (see SPEC_FULL.md §4.2).
func (r *Runner) runRateLimited(ctx context.Context) {
	ticker := time.NewTicker(ratePeriod(r.opts.QPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.withinBudget() {
				return
			}
			r.dispatchOnce(ctx)
		}
	}
}

// recycle forces a fresh Connection, used both for RPC-based recycling and
// for rebuilding a poisoned connection after a Timeout.
func (r *Runner) recycle() {
	r.conn.Close()
	r.conn = r.opts.NewConn()
	r.reqno = 0
}

// dispatchOnce races one request's completion against the independent
// engine timeout. This is the Go re-expression of the C dual-termination
// race (spec.md §4.1/§9): exactly one of the two outcomes is ever
// observed and recorded; the other, if it arrives later, is simply never
// read off resultCh again (buffered 1, so the abandoned goroutine never
// blocks on the send).
func (r *Runner) dispatchOnce(ctx context.Context) {
	start := time.Now()
	r.reqno++

	type result struct {
		status int
		err    error
	}
	resultCh := make(chan result, 1)
	reqCtx, cancel := context.WithCancel(ctx)
	go func() {
		status, err := r.conn.Get(reqCtx, r.opts.Path, r.opts.HostHeader)
		resultCh <- result{status, err}
	}()

	timer := time.NewTimer(RequestTimeout)
	var outcome Outcome
	var status int
	select {
	case res := <-resultCh:
		timer.Stop()
		status, outcome = classify(res.status, res.err)
	case <-timer.C:
		outcome = Timeout
	}
	cancel() // release reqCtx either way; a no-op if the request already finished
	elapsedUs := time.Since(start).Microseconds()
	latencyMs := elapsedUs / 1000

	switch outcome {
	case Success:
		r.opts.Counts.RecordSuccess(status, latencyMs)
	case Error:
		r.opts.Counts.RecordError()
	case Timeout:
		r.opts.Counts.RecordTimeout()
		log.LogVf("runner %d: request %d timed out, recycling connection", r.id, r.reqno)
		r.recycle()
	}
	if r.opts.Sink != nil {
		startUs := start.UnixMicro()
		if err := r.opts.Sink.Write(startUs, startUs+elapsedUs, tsv.Outcome(outcome)); err != nil {
			log.Warnf("runner %d: tsv write failed: %v", r.id, err)
		}
	}
}

// classify turns a Connection.Get result into an Outcome: a response
// with no error and a non-negative status code is a Success (bucket/http
// counters distinguish 200 from other codes inside RecordSuccess); a
// transport error, or an outright missing/negative status, is an Error.
func classify(status int, err error) (int, Outcome) {
	if err != nil || status < 0 {
		return status, Error
	}
	return status, Success
}
