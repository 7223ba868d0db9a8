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

// Package worker implements the per-worker loop (spec.md §4.3): a fixed
// number of concurrent Runners sharing one Counts, periodically rendering
// it to the wire format line defined in spec.md §6 and writing it to the
// worker's report stream.
package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fortio.org/log"

	"github.com/fortio/hummingbird/buckets"
	"github.com/fortio/hummingbird/engine"
	"github.com/fortio/hummingbird/tsv"
)

// Options configures one Worker.
type Options struct {
	Concurrency    int
	Count          int64 // total requests this worker should dispatch; negative == unlimited
	RPC            int
	QPS            float64 // already divided down to a per-runner rate by the caller
	ReportInterval time.Duration
	Buckets        buckets.Buckets
	Path           string
	HostHeader     string
	Target         string // host:port
	TSVPath        string // empty disables the TSV sink
}

// Worker owns Options.Concurrency runners and one shared Counts. It
// writes one tab-separated report line to the writer given to New per
// ReportInterval tick,
// plus one final line when it finishes, matching spec.md §4.3.
type Worker struct {
	id     int
	opts   Options
	out    io.Writer
	counts *buckets.Counts
	sink   *tsv.Sink
	seq    int64
}

// New constructs a Worker. out is this worker's side of the pipe to the
// supervisor/aggregator (an io.Pipe write end in production, any
// io.Writer in tests).
func New(id int, opts Options, out io.Writer) (*Worker, error) {
	var sink *tsv.Sink
	if opts.TSVPath != "" {
		var err error
		sink, err = tsv.Open(opts.TSVPath)
		if err != nil {
			return nil, err
		}
	}
	return &Worker{
		id:     id,
		opts:   opts,
		out:    out,
		counts: buckets.New(opts.Buckets),
		sink:   sink,
	}, nil
}

// Run launches Options.Concurrency runners and blocks until they have all
// exhausted their shared budget or ctx is cancelled, emitting periodic and
// a final report line along the way.
func (w *Worker) Run(ctx context.Context) {
	budget := w.opts.Count
	var wg sync.WaitGroup
	runnerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < w.opts.Concurrency; i++ {
		runnerOpts := engine.Options{
			Path:       w.opts.Path,
			HostHeader: w.opts.HostHeader,
			RPC:        w.opts.RPC,
			QPS:        w.opts.QPS,
			Buckets:    w.opts.Buckets,
			Counts:     w.counts,
			Sink:       w.sink,
			NewConn:    func() engine.Connection { return engine.NewConnection(w.opts.Target, w.counts.RecordClose) },
		}
		r := engine.NewRunner(i, runnerOpts, &budget)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(runnerCtx)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	ticker := time.NewTicker(w.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-allDone:
			w.emitReport()
			if w.sink != nil {
				if err := w.sink.Close(); err != nil {
					log.Warnf("worker %d: tsv close: %v", w.id, err)
				}
			}
			return
		case <-ticker.C:
			w.emitReport()
		case <-ctx.Done():
			<-allDone
			w.emitReport()
			if w.sink != nil {
				if err := w.sink.Close(); err != nil {
					log.Warnf("worker %d: tsv close: %v", w.id, err)
				}
			}
			return
		}
	}
}

// emitReport renders the Counts accumulated since the previous report
// into one wire-format line (spec.md §6): seq, the 6 scalar counters,
// then the nbuckets+1 histogram columns, tab separated. Per spec.md §3/
// §4.3 the counters are then reset to zero so the next interval starts
// from nothing, matching reportcb's zeroing in the original source.
func (w *Worker) emitReport() {
	cols := w.counts.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "%d", w.seq)
	for _, c := range cols {
		fmt.Fprintf(&b, "\t%d", c)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(w.out, b.String()); err != nil {
		log.Warnf("worker %d: report write failed: %v", w.id, err)
	}
	w.counts.Reset()
	w.seq++
}
