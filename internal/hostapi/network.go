// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// DefaultFetchTimeout bounds requests made with the default client.
const DefaultFetchTimeout = 30 * time.Second

// MaxResponseBytes caps the response body returned to a plugin.
const MaxResponseBytes = 10 << 20

// Fetcher performs plugin network requests over HTTP.
type Fetcher struct {
	client *http.Client
}

var _ plugin.Network = (*Fetcher)(nil)

// NewFetcher wraps client. A nil client gets DefaultFetchTimeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &Fetcher{client: client}
}

// Fetch sends req. Non-2xx statuses are returned, not treated as errors.
func (f *Fetcher) Fetch(ctx context.Context, req plugin.Request) (*plugin.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, oops.In("hostapi").With("url", req.URL).Wrap(err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, oops.In("hostapi").With("url", req.URL).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, oops.In("hostapi").With("url", req.URL).Wrap(err)
	}
	if len(data) > MaxResponseBytes {
		return nil, oops.In("hostapi").With("url", req.URL).Errorf("response body exceeds %d bytes", MaxResponseBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &plugin.Response{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}
