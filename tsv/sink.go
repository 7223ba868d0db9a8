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

// Package tsv implements the optional per-request TSV sink (spec.md
// §4.7), grounded on the mutex-guarded fileAccessLogger in
// fortio's periodic package.
package tsv

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// bufferSize matches OUTFILE_BUFFER_SIZE in the original hstress.c
// (4 KiB, line buffered via setvbuf).
const bufferSize = 4096

// Outcome is the minimal subset of engine.Outcome this package needs: a
// wire code in [0,3]. Kept as a plain int (not importing package engine)
// to avoid an import cycle, since engine is the sink's only caller.
type Outcome int

// Sink is a per-worker TSV writer. Concurrent workers each open their own
// handle; no ordering is guaranteed across files (spec.md §4.7).
type Sink struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// Open creates (or truncates) path and returns a line-buffered Sink
// writing to it.
func Open(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("tsv: opening %s: %w", path, err)
	}
	return &Sink{f: f, buf: bufio.NewWriterSize(f, bufferSize)}, nil
}

// Write appends one record: start_us, end_us, outcome (0-3), per spec.md
// §4.7's exact 3-column format. Flushed immediately, emulating the
// original's line-buffered (_IOLBF) stdio stream.
func (s *Sink) Write(startUs, endUs int64, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.buf, "%d\t%d\t%d\n", startUs, endUs, outcome); err != nil {
		return err
	}
	return s.buf.Flush()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
