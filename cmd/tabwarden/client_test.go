package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, h http.HandlerFunc) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return newAPIClient(srv.URL)
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	c := newAPIClient("127.0.0.1:8190/")
	assert.Equal(t, "http://127.0.0.1:8190", c.http.BaseURL)

	c = newAPIClient("https://example.test")
	assert.Equal(t, "https://example.test", c.http.BaseURL)
}

func TestClientSetLimit(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]int
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"max_tabs_per_window":7}`))
	})

	view, err := c.SetLimit(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, view.MaxTabsPerWindow)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/v1/settings", gotPath)
	assert.Equal(t, map[string]int{"max_tabs_per_window": 7}, gotBody)
}

func TestClientReturnsProblemDetail(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"title":"Not Found","status":404,"detail":"tab gone"}`))
	})

	_, err := c.CloseTab(context.Background(), "ABC")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Contains(t, err.Error(), "tab gone")
}

func TestClientEscapesTabID(t *testing.T) {
	var gotPath string
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tab_id":"a/b","status":"activated"}`))
	})

	st, err := c.ActivateTab(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "activated", st.Status)
	assert.Equal(t, "/api/v1/tabs/a%2Fb/activate", gotPath)
}

func TestClientHistoryPassesLimit(t *testing.T) {
	var gotLimit string
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"1","feed":"admission","at":"2026-01-02T03:04:05Z","payload":{"kind":"tab_removed"}}]}`))
	})

	records, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)
	require.Len(t, records, 1)
	assert.Equal(t, "admission", records[0].Feed)
	assert.JSONEq(t, `{"kind":"tab_removed"}`, string(records[0].Payload))
}

func TestPrintWindows(t *testing.T) {
	var buf bytes.Buffer
	printWindows(&buf, []cdpcontrol.WindowTabs{{
		WindowID: 3,
		Tabs:     []tabs.Tab{
			{ID: "T1", WindowID: 3, URL: "https://a.test", Title: "A", Active: true},
			{ID: "T2", WindowID: 3, URL: "https://b.test"},
		},
	}})

	out := buf.String()
	assert.Contains(t, out, "window 3 (2 tabs)")
	assert.Contains(t, out, "T1")
	assert.Contains(t, out, "https://b.test")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "*")
}
