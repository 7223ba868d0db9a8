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

package worker

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fortio/hummingbird/buckets"
)

func TestWorkerEmitsFinalReportWithinBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	opts := Options{
		Concurrency:    2,
		Count:          10,
		ReportInterval: time.Hour, // long enough that only the final report fires
		Buckets:        buckets.Default(),
		Path:           "/",
		Target:         strings.TrimPrefix(srv.URL, "http://"),
	}
	w, err := New(0, opts, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Run(ctx)

	scanner := bufio.NewScanner(&out)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		t.Fatal("expected at least one report line")
	}
	fields := strings.Split(lines[len(lines)-1], "\t")
	// seq + 6 scalar counters + 4 bucket slots (default buckets) = 11.
	if len(fields) != 11 {
		t.Fatalf("unexpected column count %d: %v", len(fields), fields)
	}
	connSuccesses, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		t.Fatalf("parse conn_successes: %v", err)
	}
	if connSuccesses != 10 {
		t.Errorf("expected 10 cumulative conn successes, got %d", connSuccesses)
	}
}
