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

// Package engine implements the per-request lifecycle (dispatch, the
// engine-enforced timeout, and completion/close handling) and the runner
// scheduling loop (unbounded, recycling, and rate-limited modes) on top of
// it.
package engine

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"
)

// Connection is the black-box HTTP fetch capability a Runner drives. HTTP
// wire-format encoding/decoding is explicitly out of scope for this tool;
// Connection hides it behind one method, mirroring the Fetcher interface
// shape of fhttp.Client/FastClient while using the stdlib net/http client
// underneath instead of a hand rolled wire parser.
type Connection interface {
	// Get issues one GET for path with the given Host header and returns
	// the response status code. ctx carries the caller's own deadline;
	// Connection does not enforce a timeout of its own, that is the
	// Runner/engine's responsibility.
	Get(ctx context.Context, path, hostHeader string) (statusCode int, err error)
	// Close releases any resources (idle connections) held by this
	// Connection. A closed Connection is never reused.
	Close()
}

// httpConnection is a Connection backed by one net/http.Client with its own
// dedicated Transport, so closing it (after a Timeout) truly drops the
// underlying TCP connection instead of returning it to a shared pool.
type httpConnection struct {
	target      string // host:port
	client      *http.Client
	transport   *http.Transport
	onPeerClose func()
	dispatched  bool // false until the first Get has started tracing a connection
}

// NewConnection dials requests at target ("host:port"). One Connection
// backs exactly one logical runner slot at a time.
//
// onPeerClose, if non-nil, is invoked when net/http has to dial a fresh
// TCP connection for a request that is not this Connection's first: since
// this Connection serializes its own Get calls and never shares its
// Transport with any other Connection, that can only happen because the
// previously established connection was closed out from under the idle
// pool (by the peer, or by the server signalling "Connection: close") in
// between requests, independent of whether the request itself succeeded.
// This is the closest honest signal net/http's connection-pooling client
// exposes for spec.md §1's black-box "notify on ... close" capability; see
// DESIGN.md for why a truer, fully async idle-close notification would
// require re-deriving HTTP framing on a raw net.Conn, which spec.md's own
// scope line rules out.
func NewConnection(target string, onPeerClose func()) Connection {
	transport := &http.Transport{
		DialContext: (&net.Dialer{}).DialContext,
		// One connection per Connection object: concurrency is expressed
		// by the number of Connections, not pooling within one.
		MaxIdleConnsPerHost: 1,
		DisableCompression:  true,
	}
	return &httpConnection{
		target:      target,
		transport:   transport,
		onPeerClose: onPeerClose,
		client: &http.Client{
			Transport: transport,
			// No client-side timeout here on purpose: per the design
			// note, the underlying HTTP client's own timeout is
			// considered insufficient and is not relied upon; the
			// engine enforces its own independent timeout instead.
		},
	}
}

func (c *httpConnection) Get(ctx context.Context, path, hostHeader string) (int, error) {
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if c.dispatched && !info.Reused && c.onPeerClose != nil {
				c.onPeerClose()
			}
			c.dispatched = true
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.target+path, http.NoBody)
	if err != nil {
		return -1, err
	}
	if hostHeader != "" {
		req.Host = hostHeader
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func (c *httpConnection) Close() {
	c.transport.CloseIdleConnections()
}

// RequestTimeout is the fixed, engine-enforced per-request timeout
// (spec.md §3/§4.1): independent of, and not relaxed by, whatever timeout
// the underlying Connection's transport may itself apply.
const RequestTimeout = 1 * time.Second
