// Package admission enforces the per-window tab limit. It watches tab
// lifecycle events, closes tabs that push a window over the limit and asks
// the dispatcher to tell the user.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/dispatch"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/settings"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"github.com/gobwas/glob"
)

const defaultOptionsGuardTimeout = 5 * time.Second

// Browser is the subset of tab control the controller needs.
type Browser interface {
	QueryWindow(ctx context.Context, windowID tabs.WindowID) ([]tabs.Tab, error)
	Remove(ctx context.Context, id tabs.ID) error
	Open(ctx context.Context, url string) (tabs.ID, error)
}

// Injector (re-)installs the page agent into a tab.
type Injector interface {
	Inject(ctx context.Context, id tabs.ID) error
}

// Notifier tells the user that a tab was closed.
type Notifier interface {
	Notify(ctx context.Context, removed tabs.ID, limit int) dispatch.Result
}

// SettingsSource supplies the limit and its change notifications.
type SettingsSource interface {
	MaxTabs() (int, error)
	Subscribe(fn func(settings.Change)) func()
}

// Publisher receives admission activity.
type Publisher interface {
	Publish(evt relay.Event)
}

// Config holds controller tunables.
type Config struct {
	// OptionsURL is the daemon's own settings page. Navigations to it are
	// never counted against the limit.
	OptionsURL string
	// ExemptURLs are glob patterns for pages that skip the deferred check.
	ExemptURLs []string
	// OptionsGuardTimeout bounds how long OpenOptionsPage keeps the guard
	// flag raised while waiting for the settings tab to navigate.
	OptionsGuardTimeout time.Duration
}

// Deps are the collaborators of a Controller. Injector and Publisher are
// optional.
type Deps struct {
	Settings  SettingsSource
	Browser   Browser
	Injector  Injector
	Notifier  Notifier
	Publisher Publisher
}

// Controller owns the limit, the pending-check set and the options-page
// guard flag.
type Controller struct {
	browser   Browser
	injector  Injector
	notifier  Notifier
	publisher Publisher

	optionsURL   string
	exempt       []glob.Glob
	guardTimeout time.Duration

	limit          atomic.Int64
	openingOptions atomic.Bool

	pendingMu sync.Mutex
	pending   map[tabs.ID]struct{}

	openMu      sync.Mutex
	optionsSeen chan struct{}
	optionsTab  atomic.Value // tabs.ID of the tab being opened as settings

	unsubscribe func()
}

// New builds a controller. The limit is loaded before the settings
// subscription is registered; a read failure falls back to the default.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Settings == nil || deps.Browser == nil || deps.Notifier == nil {
		return nil, errors.New("admission: settings, browser and notifier are required")
	}
	c := &Controller{
		browser:      deps.Browser,
		injector:     deps.Injector,
		notifier:     deps.Notifier,
		publisher:    deps.Publisher,
		optionsURL:   strings.TrimSpace(cfg.OptionsURL),
		guardTimeout: cfg.OptionsGuardTimeout,
		pending:      make(map[tabs.ID]struct{}),
		optionsSeen:  make(chan struct{}, 1),
	}
	if c.guardTimeout <= 0 {
		c.guardTimeout = defaultOptionsGuardTimeout
	}
	for _, pattern := range cfg.ExemptURLs {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("admission: exempt pattern %q: %w", pattern, err)
		}
		c.exempt = append(c.exempt, g)
	}

	limit, err := deps.Settings.MaxTabs()
	if err != nil {
		slog.Warn("admission limit load failed, using default", "default", settings.DefaultMaxTabs, "error", err)
		limit = settings.DefaultMaxTabs
	}
	if limit < 1 {
		limit = settings.DefaultMaxTabs
	}
	c.limit.Store(int64(limit))
	c.unsubscribe = deps.Settings.Subscribe(c.OnSettingsChanged)

	slog.Info("admission controller ready", "limit", limit, "options_url", c.optionsURL, "exempt_patterns", len(c.exempt))
	return c, nil
}

// Close detaches the controller from settings changes.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Limit returns the current per-window limit.
func (c *Controller) Limit() int { return int(c.limit.Load()) }

// PendingCount returns how many tabs await their deferred re-check.
func (c *Controller) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// IsPending reports whether id awaits its deferred re-check.
func (c *Controller) IsPending(id tabs.ID) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// OpeningOptionsPage reports whether the options-page guard is raised.
func (c *Controller) OpeningOptionsPage() bool { return c.openingOptions.Load() }

// OnTabCreated enforces the limit for a freshly created tab. Tabs that fit
// are queued for one re-check after their first navigation.
func (c *Controller) OnTabCreated(ctx context.Context, tab tabs.Tab) {
	if !tab.HasWindow() {
		slog.Debug("admission created tab has no window yet", "tab_id", tab.ID)
		return
	}
	if c.openingOptions.Load() && c.maybeOptionsTab(tab.ID, tab.URL) {
		// Possibly the settings tab before its first navigation; the
		// deferred re-check decides once the URL is known.
		c.addPending(tab.ID)
		return
	}

	count, err := c.windowCount(ctx, tab.WindowID)
	if err != nil {
		slog.Warn("admission window query failed", "tab_id", tab.ID, "window_id", tab.WindowID, "error", err)
		return
	}
	limit := c.Limit()
	if count > limit {
		c.enforce(ctx, tab, count, limit)
		return
	}
	c.addPending(tab.ID)
}

// OnTabUpdated re-injects the page agent into http pages and runs the
// deferred limit check on the first navigation of a pending tab.
func (c *Controller) OnTabUpdated(ctx context.Context, id tabs.ID, change tabs.ChangeInfo, tab tabs.Tab) {
	if tab.ID == "" {
		tab.ID = id
	}
	if change.URL != "" && c.openingOptions.Load() && c.isOptionsPage(change.URL) {
		select {
		case c.optionsSeen <- struct{}{}:
		default:
		}
	}

	if c.injector != nil && tabs.IsHTTP(tab.URL) {
		if err := c.injector.Inject(ctx, id); err != nil {
			slog.Debug("admission agent injection failed", "tab_id", id, "url", tab.URL, "error", err)
		}
	}

	if change.URL == "" {
		return
	}
	if c.openingOptions.Load() && isBlank(change.URL) {
		// Not a real navigation yet; keep the tab pending.
		return
	}
	if !c.takePending(id) {
		return
	}
	url := tab.URL
	if url == "" {
		url = change.URL
	}
	if c.isOptionsPage(url) || c.isOptionsTab(id) {
		slog.Debug("admission deferred check skipped for settings navigation", "tab_id", id, "url", url)
		return
	}
	if c.isExempt(url) {
		slog.Debug("admission deferred check skipped for exempt url", "tab_id", id, "url", url)
		return
	}
	if !tab.HasWindow() {
		slog.Debug("admission deferred check skipped, tab has no window", "tab_id", id)
		return
	}

	count, err := c.windowCount(ctx, tab.WindowID)
	if err != nil {
		slog.Warn("admission window query failed", "tab_id", id, "window_id", tab.WindowID, "error", err)
		return
	}
	limit := c.Limit()
	if count > limit {
		c.enforce(ctx, tab, count, limit)
	}
}

// OnTabRemoved forgets a pending tab closed by other means.
func (c *Controller) OnTabRemoved(_ context.Context, id tabs.ID) {
	c.takePending(id)
}

// OnSettingsChanged applies a new limit. It is the only writer of the limit.
func (c *Controller) OnSettingsChanged(change settings.Change) {
	if change.Namespace != settings.Namespace || change.Key != settings.KeyMaxTabs {
		return
	}
	if change.NewValue < 1 {
		slog.Warn("admission ignoring invalid limit", "limit", change.NewValue)
		return
	}
	old := c.limit.Swap(int64(change.NewValue))
	slog.Info("admission limit changed", "old", old, "limit", change.NewValue)
	c.publish(relay.Activity{Kind: relay.KindLimitChanged, Limit: change.NewValue})
}

// OpenOptionsPage opens the settings page in a new tab with the guard flag
// raised, so that tab is never closed for exceeding the limit. The flag is
// lowered once the tab has navigated or the guard timeout passes.
func (c *Controller) OpenOptionsPage(ctx context.Context) (tabs.ID, error) {
	if c.optionsURL == "" {
		return "", errors.New("admission: options url not configured")
	}
	c.openMu.Lock()
	defer c.openMu.Unlock()

	select {
	case <-c.optionsSeen:
	default:
	}
	c.optionsTab.Store(tabs.ID(""))
	c.openingOptions.Store(true)
	defer func() {
		c.openingOptions.Store(false)
		c.optionsTab.Store(tabs.ID(""))
	}()

	id, err := c.browser.Open(ctx, c.optionsURL)
	if err != nil {
		return "", fmt.Errorf("admission: open options page: %w", err)
	}
	c.optionsTab.Store(id)

	timer := time.NewTimer(c.guardTimeout)
	defer timer.Stop()
	select {
	case <-c.optionsSeen:
	case <-timer.C:
		slog.Debug("admission options guard timed out", "tab_id", id)
	case <-ctx.Done():
	}
	slog.Info("admission options page opened", "tab_id", id)
	return id, nil
}

func (c *Controller) enforce(ctx context.Context, tab tabs.Tab, count, limit int) {
	slog.Info("admission limit exceeded, removing tab", "tab_id", tab.ID, "window_id", tab.WindowID, "count", count, "limit", limit)
	if err := c.browser.Remove(ctx, tab.ID); err != nil {
		slog.Warn("admission tab removal failed", "tab_id", tab.ID, "error", err)
	} else {
		c.publish(relay.Activity{
			Kind:     relay.KindTabRemoved,
			TabID:    tab.ID,
			WindowID: tab.WindowID,
			URL:      tab.URL,
			Limit:    limit,
			Count:    count,
		})
	}

	res := c.notifier.Notify(ctx, tab.ID, limit)
	if res.Delivered {
		c.publish(relay.Activity{Kind: relay.KindNotified, TabID: res.Target, Limit: limit, Strategy: res.Strategy})
	}
}

func (c *Controller) windowCount(ctx context.Context, windowID tabs.WindowID) (int, error) {
	list, err := c.browser.QueryWindow(ctx, windowID)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (c *Controller) addPending(id tabs.ID) {
	c.pendingMu.Lock()
	c.pending[id] = struct{}{}
	c.pendingMu.Unlock()
}

// takePending removes id and reports whether it was present.
func (c *Controller) takePending(id tabs.ID) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Controller) isOptionsPage(url string) bool {
	return c.optionsURL != "" && strings.HasPrefix(url, c.optionsURL)
}

// isOptionsTab reports whether id is the tab OpenOptionsPage is waiting on.
func (c *Controller) isOptionsTab(id tabs.ID) bool {
	if !c.openingOptions.Load() {
		return false
	}
	cur, _ := c.optionsTab.Load().(tabs.ID)
	return cur != "" && cur == id
}

// maybeOptionsTab reports whether a tab created while the guard is raised
// could be the settings tab. Tabs already showing another page cannot be.
func (c *Controller) maybeOptionsTab(id tabs.ID, url string) bool {
	return c.isOptionsTab(id) || c.isOptionsPage(url) || isBlank(url)
}

func isBlank(url string) bool {
	return url == "" || url == "about:blank"
}

func (c *Controller) isExempt(url string) bool {
	for _, g := range c.exempt {
		if g.Match(url) {
			return true
		}
	}
	return false
}

func (c *Controller) publish(a relay.Activity) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(relay.NewEvent(relay.FeedAdmission, a))
}
