package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/settings"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
)

// Browser is the tab control surface used by the popup and health routes.
type Browser interface {
	ListWindows(ctx context.Context) ([]cdpcontrol.WindowTabs, error)
	Remove(ctx context.Context, id tabs.ID) error
	Activate(ctx context.Context, id tabs.ID) error
	Version(ctx context.Context) (string, error)
	Connected() bool
}

// Settings reads and writes the tab limit.
type Settings interface {
	MaxTabs() (int, error)
	SetMaxTabs(n int) error
}

// Admission exposes the admission controller state and the guarded
// options-page open.
type Admission interface {
	Limit() int
	PendingCount() int
	OpeningOptionsPage() bool
	OpenOptionsPage(ctx context.Context) (tabs.ID, error)
}

// History returns recently journaled activity.
type History interface {
	Recent(n int) []storage.Record
}

// Health summarises daemon state.
type Health struct {
	Status             string `json:"status"`
	Browser            string `json:"browser,omitempty"`
	Connected          bool   `json:"connected"`
	Limit              int    `json:"limit"`
	PendingChecks      int    `json:"pending_checks"`
	OpeningOptionsPage bool   `json:"opening_options_page"`
}

// SettingsView is the settings document served to the options page.
type SettingsView struct {
	MaxTabsPerWindow int `json:"max_tabs_per_window"`
}

// Service wraps the operations behind the options page, the popup listing
// and the CLI.
type Service struct {
	browser   Browser
	settings  Settings
	admission Admission
	history   History
}

func NewService(browser Browser, store Settings, admission Admission, history History) *Service {
	return &Service{browser: browser, settings: store, admission: admission, history: history}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// Health reports browser connectivity and admission state. A failed version
// probe degrades the status instead of failing the call.
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{
		Status:             "ok",
		Connected:          s.browser.Connected(),
		Limit:              s.admission.Limit(),
		PendingChecks:      s.admission.PendingCount(),
		OpeningOptionsPage: s.admission.OpeningOptionsPage(),
	}
	if !h.Connected {
		h.Status = "degraded"
		return h, nil
	}
	product, err := s.browser.Version(ctx)
	if err != nil {
		slog.Debug("health version probe failed", "error", err)
		h.Status = "degraded"
		return h, nil
	}
	h.Browser = product
	return h, nil
}

func (s *Service) GetSettings(_ context.Context) (SettingsView, error) {
	n, err := s.settings.MaxTabs()
	if err != nil {
		slog.Warn("settings read failed, reporting default", "error", err)
	}
	return SettingsView{MaxTabsPerWindow: n}, nil
}

func (s *Service) SetMaxTabs(_ context.Context, n int) (SettingsView, error) {
	if err := s.settings.SetMaxTabs(n); err != nil {
		if errors.Is(err, settings.ErrInvalidLimit) {
			return SettingsView{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "max_tabs_per_window must be at least 1"}
		}
		return SettingsView{}, err
	}
	return SettingsView{MaxTabsPerWindow: n}, nil
}

func (s *Service) ListTabs(ctx context.Context) ([]cdpcontrol.WindowTabs, error) {
	return s.browser.ListWindows(ctx)
}

func (s *Service) CloseTab(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "tab_id"); err != nil {
		return err
	}
	return s.browser.Remove(ctx, tabs.ID(strings.TrimSpace(id)))
}

func (s *Service) ActivateTab(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "tab_id"); err != nil {
		return err
	}
	return s.browser.Activate(ctx, tabs.ID(strings.TrimSpace(id)))
}

func (s *Service) OpenOptions(ctx context.Context) (tabs.ID, error) {
	return s.admission.OpenOptionsPage(ctx)
}

func (s *Service) History(_ context.Context, limit int) ([]storage.Record, error) {
	if s.history == nil {
		return []storage.Record{}, nil
	}
	return s.history.Recent(limit), nil
}
