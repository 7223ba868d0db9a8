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

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortio/hummingbird/buckets"
)

func TestRunProducesMergedReportAndSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	p := Params{
		NProcs:         2,
		Concurrency:    1,
		Count:          3,
		ReportInterval: time.Hour,
		Buckets:        buckets.Default(),
		Path:           "/",
		Target:         strings.TrimPrefix(srv.URL, "http://"),
		Out:            &out,
		ErrOut:         &errOut,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	bannerText := errOut.String()
	if !strings.Contains(bannerText, "params:") {
		t.Error("missing banner params line on ErrOut")
	}
	if !strings.Contains(bannerText, "# ts\tsuccess") {
		t.Error("missing banner header line on ErrOut")
	}

	// Out must carry only the tab-separated merged report stream (spec.md
	// §6): no banner text mixed into the machine-parseable wire stream.
	reportText := out.String()
	if strings.Contains(reportText, "params:") || strings.Contains(reportText, "# ts\tsuccess") {
		t.Error("banner text leaked into Out, corrupting the merged report stream")
	}
}

func TestPrintBannerListsBucketBounds(t *testing.T) {
	var out bytes.Buffer
	printBanner(&out, Params{
		NProcs: 1, Concurrency: 1, Count: 1, Buckets: buckets.Default(), Target: "127.0.0.1:80", Path: "/",
	})
	scanner := bufio.NewScanner(&out)
	var header string
	for scanner.Scan() {
		header = scanner.Text()
	}
	for _, want := range []string{"<1", "<10", "<100", ">=100", "hz"} {
		if !strings.Contains(header, want) {
			t.Errorf("expected header to contain %q, got %q", want, header)
		}
	}
}
