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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"fortio.org/cli"
	"fortio.org/log"

	"github.com/fortio/hummingbird/buckets"
	"github.com/fortio/hummingbird/supervisor"
)

var (
	concurrencyFlag = flag.Int("c", 1, "Number of concurrent connections/runners per worker")
	countFlag       = flag.Int64("n", -1, "Number of requests to make, or -1 for unlimited")
	nprocsFlag      = flag.Int("p", 1, "Number of worker processes (goroutine groups)")
	intervalFlag    = flag.Float64("i", 1, "Report interval in seconds")
	rpcFlag         = flag.Int("r", 0, "Requests per connection before recycling it (mutually exclusive with -l)")
	qpsFlag         = flag.Float64("l", 0, "Aggregate target queries per second across all workers (mutually exclusive with -r)")
	bucketsFlag     = flag.String("b", "", "Comma separated, strictly increasing latency bucket boundaries in ms (default 1,10,100)")
	pathFlag        = flag.String("u", "/", "URL path to request")
	hostHdrFlag     = flag.String("H", "", "Value of the Host header to send (default host:port)")
	tsvFlag         = flag.String("o", "", "Base path for per-worker TSV per-request logs (empty disables)")
)

// cliFlags mirrors the package level flag vars so buildParams can be unit
// tested without depending on the global flag.CommandLine state.
type cliFlags struct {
	concurrency int
	count       int64
	nprocs      int
	interval    float64
	rpc         int
	qps         float64
	buckets     string
	path        string
	hostHdr     string
	tsv         string
}

// buildParams normalizes flags and positional args into supervisor.Params,
// exactly mirroring hstress.c's main(): count and qps are divided across
// nprocs (and, for qps, further across concurrency) once up front.
func buildParams(f cliFlags, args []string, out, errOut *os.File) (supervisor.Params, error) {
	if f.rpc > 0 && f.qps > 0 {
		return supervisor.Params{}, fmt.Errorf("-r and -l are mutually exclusive (got -r=%d -l=%g)", f.rpc, f.qps)
	}

	host := "127.0.0.1"
	port := "80"
	if len(args) > 0 {
		host = args[0]
	}
	if len(args) > 1 {
		port = args[1]
	}
	target := host + ":" + port

	b, err := buckets.Parse(f.buckets)
	if err != nil {
		return supervisor.Params{}, fmt.Errorf("invalid -b buckets: %w", err)
	}

	hostHdr := f.hostHdr
	if hostHdr == "" {
		hostHdr = target
	}

	nprocs := f.nprocs
	if nprocs < 1 {
		nprocs = 1
	}
	count := f.count
	if count > 0 {
		count /= int64(nprocs)
	}
	qps := f.qps
	if qps > 0 {
		qps /= float64(nprocs)
		qps /= float64(f.concurrency)
	}

	return supervisor.Params{
		NProcs:         nprocs,
		Concurrency:    f.concurrency,
		Count:          count,
		RPC:            f.rpc,
		QPS:            qps,
		ReportInterval: time.Duration(f.interval * float64(time.Second)),
		Buckets:        b,
		Path:           f.path,
		HostHeader:     hostHdr,
		Target:         target,
		TSVPath:        f.tsv,
		Out:            out,
		ErrOut:         errOut,
	}, nil
}

func main() {
	cli.ProgramName = "hummingbird"
	cli.ArgsHelp = "[host [port]]"
	cli.MinArgs = 0
	cli.MaxArgs = 2
	cli.Main()

	f := cliFlags{
		concurrency: *concurrencyFlag,
		count:       *countFlag,
		nprocs:      *nprocsFlag,
		interval:    *intervalFlag,
		rpc:         *rpcFlag,
		qps:         *qpsFlag,
		buckets:     *bucketsFlag,
		path:        *pathFlag,
		hostHdr:     *hostHdrFlag,
		tsv:         *tsvFlag,
	}
	p, err := buildParams(f, flag.Args(), os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := supervisor.Run(context.Background(), p); err != nil {
		log.Fatalf("%v", err)
	}
}
