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

// Package supervisor implements the parent process (spec.md §4.6): it
// launches the workers, wires each one's report stream to the
// aggregator, prints the banner and the merged report stream, and
// handles SIGINT with a final human-readable summary.
//
// Per spec.md §9's explicit re-architecture note, the original fork +
// AF_UNIX socketpair transport is replaced with in-process worker
// goroutines, each writing its report lines into its own io.Pipe; the
// wire format (spec.md §6) is unchanged, only the transport is local.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fortio.org/log"

	"github.com/fortio/hummingbird/aggregate"
	"github.com/fortio/hummingbird/buckets"
	"github.com/fortio/hummingbird/version"
	"github.com/fortio/hummingbird/worker"
)

// Params is the full, already-normalized set of run parameters (spec.md
// §3): count and qps have already been divided across NProcs and, for
// qps, across Concurrency by the caller (mirroring hstress.c's main()).
type Params struct {
	NProcs         int
	Concurrency    int
	Count          int64 // per worker; negative == unlimited
	RPC            int
	QPS            float64 // per runner
	ReportInterval time.Duration
	Buckets        buckets.Buckets
	Path           string
	HostHeader     string
	Target         string
	TSVPath        string // empty disables; else workers get TSVPath-N
	Out            io.Writer
	ErrOut         io.Writer // banner + final summary; defaults to os.Stderr if nil
}

// Run starts NProcs workers, aggregates their report streams, prints the
// banner (spec.md §9/§11) to ErrOut then the merged report lines to Out,
// and returns when every worker has finished or ctx is cancelled (e.g. by
// SIGINT). It installs its own SIGINT handler so that an interrupt
// produces the final human-readable summary (spec.md §6) before exiting.
func Run(ctx context.Context, p Params) error {
	errOut := p.ErrOut
	if errOut == nil {
		errOut = os.Stderr
	}
	agg := aggregate.New(p.NProcs, p.Buckets, p.Out)
	printBanner(errOut, p)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string, p.NProcs*4)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < p.NProcs; i++ {
		r, w := io.Pipe()
		opts := worker.Options{
			Concurrency:    p.Concurrency,
			Count:          p.Count,
			RPC:            p.RPC,
			QPS:            p.QPS,
			ReportInterval: p.ReportInterval,
			Buckets:        p.Buckets,
			Path:           p.Path,
			HostHeader:     p.HostHeader,
			Target:         p.Target,
		}
		if p.TSVPath != "" {
			opts.TSVPath = fmt.Sprintf("%s-%d", p.TSVPath, i)
		}
		wrk, err := worker.New(i, opts, w)
		if err != nil {
			return fmt.Errorf("supervisor: starting worker %d: %w", i, err)
		}

		wg.Add(1)
		go func(id int, wrk *worker.Worker, pw *io.PipeWriter) {
			defer wg.Done()
			wrk.Run(ctx)
			pw.Close()
		}(i, wrk, w)

		wg.Add(1)
		go func(id int, pr *io.PipeReader) {
			defer wg.Done()
			scanner := bufio.NewScanner(pr)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			pr.Close()
		}(i, r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var aggErr error
loop:
	for {
		select {
		case line := <-lines:
			if err := agg.Ingest(line); err != nil {
				aggErr = err
				log.Errf("supervisor: %v", err)
				stop()
				break loop
			}
		case <-done:
			break loop
		case <-ctx.Done():
			log.Infof("supervisor: interrupted, printing final summary")
			agg.PrintSummary(errOut, time.Since(start))
			return nil
		}
	}
	// Drain any remaining buffered lines after workers finished.
	for {
		select {
		case line := <-lines:
			if err := agg.Ingest(line); err != nil {
				aggErr = err
				break
			}
		default:
			agg.PrintSummary(errOut, time.Since(start))
			return aggErr
		}
	}
}

// printBanner writes the two-line stderr banner (spec.md §9/§11): the
// normalized parameter echo (tagged with the running hummingbird version,
// in the style of version.Short() embedded in fortio's own run-result and
// startup banners), and the column header line naming every field of the
// merged report stream, including the literal bucket boundaries, grounded
// on hstress.c's main().
func printBanner(w io.Writer, p Params) {
	fmt.Fprintf(w, "# hummingbird %s params: target=%s path=%s host_hdr=%s nprocs=%d concurrency=%d count=%d rpc=%d qps=%g buckets=%v\n",
		version.Short(), p.Target, p.Path, p.HostHeader, p.NProcs, p.Concurrency, p.Count, p.RPC, p.QPS, p.Buckets.Bounds)
	fmt.Fprintf(w, "# ts\tsuccess\terrors\ttimeouts\tcloses\thttp_success\thttp_errors")
	for _, bound := range p.Buckets.Bounds {
		fmt.Fprintf(w, "\t<%d", bound)
	}
	last := ">=0"
	if n := len(p.Buckets.Bounds); n > 0 {
		last = fmt.Sprintf(">=%d", p.Buckets.Bounds[n-1])
	}
	fmt.Fprintf(w, "\t%s\thz\n", last)
}
