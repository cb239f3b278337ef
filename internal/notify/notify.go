// Package notify delivers system-level notifications outside the browser.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notification is a basic title/message notice.
type Notification struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier is one system notification surface. Available is a feature
// probe; callers skip notifiers that report false.
type Notifier interface {
	Name() string
	Available() bool
	Notify(ctx context.Context, n Notification) error
}

// NTFY pushes notifications to an ntfy topic endpoint.
type NTFY struct {
	Endpoint string
	Client   *http.Client
}

// NewNTFY returns an ntfy notifier for endpoint. An empty endpoint yields a
// notifier that reports itself unavailable.
func NewNTFY(endpoint string, client *http.Client) *NTFY {
	return &NTFY{Endpoint: strings.TrimSpace(endpoint), Client: client}
}

func (n *NTFY) Name() string { return "ntfy" }

func (n *NTFY) Available() bool { return n != nil && n.Endpoint != "" }

func (n *NTFY) Notify(ctx context.Context, msg Notification) error {
	return Send(ctx, n.Client, n.Endpoint, msg)
}

// Send posts msg to the requested ntfy endpoint.
func Send(ctx context.Context, client *http.Client, endpoint string, msg Notification) error {
	if endpoint == "" {
		return errors.New("ntfy notification failed: missing endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	req.Header.Set("Tags", "no_entry")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
