package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
)

type stubService struct {
	limit    int
	closeErr error
	closed   []string
	opened   int
}

func (s *stubService) Health(ctx context.Context) (controller.Health, error) {
	return controller.Health{Status: "ok", Browser: "Chrome/126.0.0.0", Connected: true, Limit: s.limit}, nil
}

func (s *stubService) GetSettings(ctx context.Context) (controller.SettingsView, error) {
	return controller.SettingsView{MaxTabsPerWindow: s.limit}, nil
}

func (s *stubService) SetMaxTabs(ctx context.Context, n int) (controller.SettingsView, error) {
	s.limit = n
	return controller.SettingsView{MaxTabsPerWindow: n}, nil
}

func (s *stubService) ListTabs(ctx context.Context) ([]cdpcontrol.WindowTabs, error) {
	return []cdpcontrol.WindowTabs{{WindowID: 7, Tabs: []tabs.Tab{{ID: "t1", WindowID: 7, URL: "https://example.com", Active: true}}}}, nil
}

func (s *stubService) CloseTab(ctx context.Context, id string) error {
	s.closed = append(s.closed, id)
	return s.closeErr
}

func (s *stubService) ActivateTab(ctx context.Context, id string) error { return nil }

func (s *stubService) OpenOptions(ctx context.Context) (tabs.ID, error) {
	s.opened++
	return "opts-1", nil
}

func (s *stubService) History(ctx context.Context, limit int) ([]storage.Record, error) {
	return []storage.Record{{ID: "r1", Feed: relay.FeedAdmission, Payload: json.RawMessage(`{"kind":"tab_removed"}`)}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsLinksOptions(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `apiDescriptionUrl="/openapi.json"`) {
		t.Fatalf("docs missing openapi reference")
	}
	if !strings.Contains(body, `href="/options"`) {
		t.Fatalf("docs missing options link")
	}
}

func TestOptionsPage(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/options", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Maximum tabs per window") {
		t.Fatalf("options page missing limit field")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	svc := &stubService{limit: 10}
	h := NewServer(svc, nil)

	w := do(t, h, http.MethodPut, "/api/v1/settings", `{"max_tabs_per_window":4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/settings", "")
	var got controller.SettingsView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxTabsPerWindow != 4 {
		t.Fatalf("max_tabs_per_window = %d; want 4", got.MaxTabsPerWindow)
	}
}

func TestSettingsRejectsZero(t *testing.T) {
	svc := &stubService{limit: 10}
	h := NewServer(svc, nil)
	w := do(t, h, http.MethodPut, "/api/v1/settings", `{"max_tabs_per_window":0}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d; want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if svc.limit != 10 {
		t.Fatalf("limit changed to %d", svc.limit)
	}
}

func TestListTabs(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		Windows []cdpcontrol.WindowTabs `json:"windows"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Windows) != 1 || got.Windows[0].WindowID != 7 || !got.Windows[0].Tabs[0].Active {
		t.Fatalf("windows = %+v", got.Windows)
	}
}

func TestCloseTabMapsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "not found", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeTabNotFound, Message: "close tab failed"}, want: http.StatusNotFound},
		{name: "cdp down", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "not connected"}, want: http.StatusBadGateway},
		{name: "plain", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{closeErr: tt.err}
			w := do(t, NewServer(svc, nil), http.MethodDelete, "/api/v1/tabs/t1", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d", w.Code, tt.want)
			}
			if len(svc.closed) != 1 || svc.closed[0] != "t1" {
				t.Fatalf("closed = %v", svc.closed)
			}
		})
	}
}

func TestOpenOptionsAndHistory(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := do(t, h, http.MethodPost, "/api/v1/options/open", "")
	if w.Code != http.StatusOK || svc.opened != 1 {
		t.Fatalf("open options status = %d opened = %d", w.Code, svc.opened)
	}
	if !strings.Contains(w.Body.String(), "opts-1") {
		t.Fatalf("open options body = %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/history?limit=5", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tab_removed") {
		t.Fatalf("history status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Fatalf("mapErr(nil) != nil")
	}
	tests := []struct {
		code string
		want int
	}{
		{cdpcontrol.CodeValidation, http.StatusBadRequest},
		{cdpcontrol.CodeTabNotFound, http.StatusNotFound},
		{cdpcontrol.CodeEvalTimeout, http.StatusGatewayTimeout},
		{cdpcontrol.CodeAgentUnavailable, http.StatusBadGateway},
		{cdpcontrol.CodeEvalFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := mapErr(&cdpcontrol.CodedError{Code: tt.code, Message: "x"})
		var se huma.StatusError
		if !errors.As(err, &se) || se.GetStatus() != tt.want {
			t.Fatalf("mapErr(%s) = %v; want status %d", tt.code, err, tt.want)
		}
	}
}

func TestEventsRouteMountedWithBroker(t *testing.T) {
	h := NewServer(&stubService{}, relay.NewBroker())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	cancel()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q; want text/event-stream", ct)
	}
}
