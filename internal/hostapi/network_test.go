// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Token", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	resp, err := f.Fetch(context.Background(), plugin.Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "abc"},
		Body:    []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "HELLO", string(resp.Body))
	assert.Equal(t, "POST", resp.Headers["X-Method"])
	assert.Equal(t, "abc", resp.Headers["X-Token"])
}

func TestFetcher_DefaultsToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(r.Method))
	}))
	defer srv.Close()

	resp, err := NewFetcher(srv.Client()).Fetch(context.Background(), plugin.Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "GET", string(resp.Body))
}

func TestFetcher_Errors(t *testing.T) {
	f := NewFetcher(nil)
	_, err := f.Fetch(context.Background(), plugin.Request{URL: "://bad"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	_, err = NewFetcher(srv.Client()).Fetch(ctx, plugin.Request{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}
