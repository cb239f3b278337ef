package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

const (
	clientTimeout = 15 * time.Second
	userAgent     = "tabwarden-cli/1.0"
)

// apiError is the problem body the daemon returns on failure.
type apiError struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

type tabStatus struct {
	TabID  string `json:"tab_id"`
	Status string `json:"status"`
}

type apiClient struct {
	http *resty.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(clientTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	return &apiClient{http: c}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx).SetError(&apiError{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Status != 0 {
			return apiErr
		}
		return &apiError{Status: resp.StatusCode(), Title: strings.TrimSpace(resp.Status())}
	}
	return nil
}

func (c *apiClient) Settings(ctx context.Context) (controller.SettingsView, error) {
	var out controller.SettingsView
	err := c.do(ctx, resty.MethodGet, "/api/v1/settings", nil, &out)
	return out, err
}

func (c *apiClient) SetLimit(ctx context.Context, n int) (controller.SettingsView, error) {
	var out controller.SettingsView
	err := c.do(ctx, resty.MethodPut, "/api/v1/settings", controller.SettingsView{MaxTabsPerWindow: n}, &out)
	return out, err
}

func (c *apiClient) Tabs(ctx context.Context) ([]cdpcontrol.WindowTabs, error) {
	var out struct {
		Windows []cdpcontrol.WindowTabs `json:"windows"`
	}
	err := c.do(ctx, resty.MethodGet, "/api/v1/tabs", nil, &out)
	return out.Windows, err
}

func (c *apiClient) CloseTab(ctx context.Context, id string) (tabStatus, error) {
	var out tabStatus
	err := c.do(ctx, resty.MethodDelete, "/api/v1/tabs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) ActivateTab(ctx context.Context, id string) (tabStatus, error) {
	var out tabStatus
	err := c.do(ctx, resty.MethodPost, "/api/v1/tabs/"+url.PathEscape(id)+"/activate", nil, &out)
	return out, err
}

func (c *apiClient) OpenOptions(ctx context.Context) (tabStatus, error) {
	var out tabStatus
	err := c.do(ctx, resty.MethodPost, "/api/v1/options/open", nil, &out)
	return out, err
}

func (c *apiClient) History(ctx context.Context, limit int) ([]storage.Record, error) {
	var out struct {
		Records []storage.Record `json:"records"`
	}
	err := c.do(ctx, resty.MethodGet, "/api/v1/history?limit="+strconv.Itoa(limit), nil, &out)
	return out.Records, err
}

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Show or change the per-window tab limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := newAPIClient(apiAddr).Settings(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "max tabs per window: %d\n", view.MaxTabsPerWindow)
		return nil
	},
}

var limitSetCmd = &cobra.Command{
	Use:   "set N",
	Short: "Set the per-window tab limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return errors.New("limit must be a positive integer")
		}
		view, err := newAPIClient(apiAddr).SetLimit(cmd.Context(), n)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "max tabs per window: %d\n", view.MaxTabsPerWindow)
		return nil
	},
}

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List open tabs grouped by window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		windows, err := newAPIClient(apiAddr).Tabs(cmd.Context())
		if err != nil {
			return err
		}
		printWindows(cmd.OutOrStdout(), windows)
		return nil
	},
}

var tabsCloseCmd = &cobra.Command{
	Use:   "close ID",
	Short: "Close a tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAPIClient(apiAddr).CloseTab(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.TabID, st.Status)
		return nil
	},
}

var tabsActivateCmd = &cobra.Command{
	Use:   "activate ID",
	Short: "Focus a tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAPIClient(apiAddr).ActivateTab(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.TabID, st.Status)
		return nil
	},
}

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Open the options page in the browser",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAPIClient(apiAddr).OpenOptions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "options page %s in tab %s\n", st.Status, st.TabID)
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent removals, notifications and limit changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newAPIClient(apiAddr).History(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.At.Local().Format(time.DateTime), r.Feed, string(r.Payload))
		}
		return w.Flush()
	},
}

func init() {
	limitCmd.AddCommand(limitSetCmd)
	tabsCmd.AddCommand(tabsCloseCmd, tabsActivateCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show")
}

func printWindows(out io.Writer, windows []cdpcontrol.WindowTabs) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, win := range windows {
		fmt.Fprintf(w, "window %d (%d tabs)\n", win.WindowID, len(win.Tabs))
		for _, t := range win.Tabs {
			marker := " "
			if t.Active {
				marker = "*"
			}
			title := t.Title
			if title == "" {
				title = t.URL
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", marker, t.ID, title)
		}
	}
	_ = w.Flush()
}
