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

package aggregate

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/fortio/hummingbird/buckets"
)

// line builds a synthetic worker report line: seq, 6 scalars, then the
// histogram columns. Only conn_successes is set; every other column is 0.
func line(seq int64, connSuccesses int64, b buckets.Buckets) string {
	cols := make([]string, 0, buckets.NumCols+b.NumSlots()+1)
	cols = append(cols, strconv.FormatInt(seq, 10))
	cols = append(cols, strconv.FormatInt(connSuccesses, 10))
	for i := 1; i < buckets.NumCols; i++ {
		cols = append(cols, "0")
	}
	for i := 0; i < b.NumSlots(); i++ {
		cols = append(cols, "0")
	}
	return strings.Join(cols, "\t")
}

func TestIngestWaitsForAllWorkers(t *testing.T) {
	b := buckets.Default()
	var out bytes.Buffer
	a := New(2, b, &out)

	if err := a.Ingest(line(0, 5, b)); err != nil {
		t.Fatalf("Ingest worker 0 seq 0: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("should not have emitted yet with only 1/2 workers reporting, got %q", out.String())
	}
	if err := a.Ingest(line(0, 7, b)); err != nil {
		t.Fatalf("Ingest worker 1 seq 0: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected an emitted line once both workers reported sequence 0")
	}
	fields := strings.Split(strings.TrimSpace(out.String()), "\t")
	// wall_unix + numCols + hz
	if len(fields) != 1+a.numCols+1 {
		t.Fatalf("unexpected field count %d: %v", len(fields), fields)
	}
	got, _ := strconv.ParseInt(fields[1], 10, 64)
	if got != 12 {
		t.Errorf("expected summed conn_successes=12 (5+7), got %d", got)
	}
}

func TestIngestFatalWhenTooFarBehind(t *testing.T) {
	b := buckets.Default()
	var out bytes.Buffer
	a := New(2, b, &out)

	// Never complete sequence 0 (only 1 of 2 workers reports it), then
	// jump far enough ahead to trip the lag guard.
	if err := a.Ingest(line(0, 1, b)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := a.Ingest(line(NBuffer, 1, b))
	if err == nil {
		t.Fatal("expected ErrFellBehind, got nil")
	}
	if _, ok := err.(ErrFellBehind); !ok {
		t.Fatalf("expected ErrFellBehind, got %T: %v", err, err)
	}
}

func TestIngestRejectsMalformedLine(t *testing.T) {
	b := buckets.Default()
	var out bytes.Buffer
	a := New(1, b, &out)
	if err := a.Ingest("not-enough-columns"); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}

func TestPrintSummaryBucketConservation(t *testing.T) {
	b := buckets.Default()
	var out bytes.Buffer
	a := New(1, b, &out)
	// seq 0: 4 http successes spread across buckets, 1 non-200.
	cols := []string{"0", "5", "1", "0", "0", "4", "1", "1", "1", "1", "1"}
	if err := a.Ingest(strings.Join(cols, "\t")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var summary bytes.Buffer
	a.PrintSummary(&summary, 1)
	scanner := bufio.NewScanner(&summary)
	var bucketTotal int64
	for scanner.Scan() {
		text := scanner.Text()
		if strings.HasPrefix(text, "<") || strings.HasPrefix(text, ">=") {
			var label string
			var count int64
			var fracText string
			fmt.Sscanf(text, "%s\t%d\t%s", &label, &count, &fracText)
			bucketTotal += count
		}
	}
	if bucketTotal != 4 {
		t.Errorf("expected bucket total 4 (http_successes), got %d", bucketTotal)
	}
}
