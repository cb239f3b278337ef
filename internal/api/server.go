package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Health(ctx context.Context) (controller.Health, error)
	GetSettings(ctx context.Context) (controller.SettingsView, error)
	SetMaxTabs(ctx context.Context, n int) (controller.SettingsView, error)
	ListTabs(ctx context.Context) ([]cdpcontrol.WindowTabs, error)
	CloseTab(ctx context.Context, id string) error
	ActivateTab(ctx context.Context, id string) error
	OpenOptions(ctx context.Context) (tabs.ID, error)
	History(ctx context.Context, limit int) ([]storage.Record, error)
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"CDP target ID of the tab"`
}

type healthOutput struct {
	Body controller.Health
}

type settingsOutput struct {
	Body controller.SettingsView
}

type settingsInput struct {
	Body struct {
		MaxTabsPerWindow int `json:"max_tabs_per_window" minimum:"1" doc:"Maximum tabs allowed per window"`
	}
}

type tabsOutput struct {
	Body struct {
		Windows []cdpcontrol.WindowTabs `json:"windows"`
	}
}

type tabStatusOutput struct {
	Body struct {
		TabID  string `json:"tab_id"`
		Status string `json:"status"`
	}
}

type historyInput struct {
	Limit int `query:"limit" default:"50" minimum:"0" maximum:"1000" doc:"Newest records to return (0 = all kept)"`
}

type historyOutput struct {
	Body struct {
		Records []storage.Record `json:"records"`
	}
}

func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabwarden API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, docsHTML)
	})
	router.Get("/options", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, optionsHTML)
	})
	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/events/ws", relay.WSHandler(broker))
	}

	registerHealthHandlers(api, svc)
	registerSettingsHandlers(api, svc)
	registerTabHandlers(api, svc)

	return router
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Debug("html response write failed", "error", err)
	}
}

func registerHealthHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Browser, limit and pending-check status", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			h, err := svc.Health(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &healthOutput{Body: h}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "history", Method: http.MethodGet, Path: "/api/v1/history", Summary: "Recent removals, notifications and limit changes", Tags: []string{"Health"}},
		func(ctx context.Context, input *historyInput) (*historyOutput, error) {
			recs, err := svc.History(ctx, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &historyOutput{}
			out.Body.Records = recs
			return out, nil
		})
}

func registerSettingsHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Get the tab limit", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			view, err := svc.GetSettings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "put-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Set the tab limit", Tags: []string{"Settings"}},
		func(ctx context.Context, input *settingsInput) (*settingsOutput, error) {
			view, err := svc.SetMaxTabs(ctx, input.Body.MaxTabsPerWindow)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "open-options", Method: http.MethodPost, Path: "/api/v1/options/open", Summary: "Open the options page in a new tab", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*tabStatusOutput, error) {
			id, err := svc.OpenOptions(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabStatusOutput{}
			out.Body.TabID = string(id)
			out.Body.Status = "opened"
			return out, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tabs grouped by window", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			windows, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Windows = windows
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}", Summary: "Close a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabStatusOutput, error) {
			if err := svc.CloseTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &tabStatusOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "closed"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "activate-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/activate", Summary: "Focus a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabStatusOutput, error) {
			if err := svc.ActivateTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &tabStatusOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "activated"
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable, cdpcontrol.CodeAgentUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
