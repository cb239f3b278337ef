package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"golang.org/x/sync/errgroup"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"target closed",
	"session closed",
	"session with given id not found",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection closed",
}

const (
	windowLookupParallelism = 8
	minReconnectDelay       = time.Second
	maxReconnectDelay       = 30 * time.Second
)

type pageState struct {
	url       string
	title     string
	sessionID string // CDP session ID from Target.attachToTarget
	injected  bool
}

// Client is the daemon's view of the browser: tab discovery and events,
// tab control, and script evaluation in page targets.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration
	httpClient  *http.Client

	mu         sync.Mutex
	cdp        *rawCDP
	pages      map[target.ID]*pageState
	sessions   map[string]target.ID
	observers  []TabObserver
	bindings   map[string]BindingHandler
	unregister []func()
	eventCtx   context.Context

	queue *serialQueue
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		httpClient:  http.DefaultClient,
		pages:       make(map[target.ID]*pageState),
		sessions:    make(map[string]target.ID),
		bindings:    make(map[string]BindingHandler),
		eventCtx:    context.Background(),
		queue:       newSerialQueue(),
	}
}

// Observe adds a tab lifecycle observer. Observers are called in the order
// they were added.
func (c *Client) Observe(obs TabObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// OnBinding routes calls of the named page binding to fn.
func (c *Client) OnBinding(name string, fn BindingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = fn
}

// Connect dials the browser, seeds the known tabs and enables target
// discovery. Event handlers take c.mu, so discovery is enabled only after
// the lock is released.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	conn, err := c.dialLocked(ctx)
	if err == nil {
		c.registerHandlersLocked()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := conn.setDiscoverTargets(ctx); err != nil {
		_ = c.Close()
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", c.TabCount())
	return nil
}

func (c *Client) dialLocked(ctx context.Context) (*rawCDP, error) {
	if c.cdpURL == "" {
		return nil, newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL, c.httpClient)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	// Seed existing tabs before discovery so they are not reported as new.
	if err := c.seedPagesLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	return c.cdp, nil
}

// TabCount returns the number of known page targets.
func (c *Client) TabCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Run keeps the client connected until ctx is cancelled, reconnecting with
// backoff when the browser goes away. Tab events are handled with ctx.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.eventCtx = ctx
	c.mu.Unlock()

	delay := minReconnectDelay
	for {
		if err := c.Connect(ctx); err != nil {
			slog.Warn("cdpcontrol connect failed", "error", err, "retry_in", delay)
		} else {
			delay = minReconnectDelay
			select {
			case <-c.disconnected():
				slog.Warn("cdpcontrol connection lost")
				continue
			case <-ctx.Done():
			}
		}

		select {
		case <-ctx.Done():
			_ = c.Close()
			c.queue.wait()
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (c *Client) disconnected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.cdp.closed()
}

// Connected reports whether a browser connection is up.
func (c *Client) Connected() bool {
	select {
	case <-c.disconnected():
		return false
	default:
		return true
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	for _, fn := range c.unregister {
		fn()
	}
	c.unregister = nil

	// Flat sessions end with the socket; targets stay open.
	if c.cdp != nil {
		if n := len(c.sessions); n > 0 {
			slog.Debug("cdpcontrol dropping sessions", "count", n)
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.pages = make(map[target.ID]*pageState)
	c.sessions = make(map[string]target.ID)
}

func (c *Client) seedPagesLocked(ctx context.Context) error {
	infos, err := c.cdp.getTargets(ctx)
	if err != nil {
		slog.Warn("cdpcontrol getTargets failed, falling back to /json/list", "error", err)
		infos, err = c.cdp.listTargets(ctx)
		if err != nil {
			return err
		}
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		c.pages[info.TargetID] = &pageState{url: info.URL, title: info.Title}
	}
	return nil
}

func (c *Client) conn() (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return c.cdp, nil
}

// resolveTab builds a Tab, looking up its window. An unresolvable window is
// reported as tabs.NoWindow.
func (c *Client) resolveTab(ctx context.Context, id target.ID, url, title string) tabs.Tab {
	tab := tabs.Tab{ID: tabs.ID(id), URL: url, Title: title}
	conn, err := c.conn()
	if err != nil {
		return tab
	}
	windowID, err := conn.getWindowForTarget(ctx, id)
	if err != nil {
		slog.Debug("cdpcontrol window lookup failed", "tab_id", id, "error", err)
		return tab
	}
	tab.WindowID = tabs.WindowID(windowID)
	return tab
}

// pageTabs lists page targets with their windows resolved. Targets that
// vanish during the lookup are skipped.
func (c *Client) pageTabs(ctx context.Context) ([]tabs.Tab, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	infos, err := conn.getTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	pages := make([]*target.Info, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}

	out := make([]tabs.Tab, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(windowLookupParallelism)
	for i, info := range pages {
		i, info := i, info
		g.Go(func() error {
			out[i] = c.resolveTab(gctx, info.TargetID, info.URL, info.Title)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueryWindow returns the page targets hosted by windowID, ordered by ID.
func (c *Client) QueryWindow(ctx context.Context, windowID tabs.WindowID) ([]tabs.Tab, error) {
	all, err := c.pageTabs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tabs.Tab, 0, len(all))
	for _, t := range all {
		if t.WindowID == windowID && t.HasWindow() {
			out = append(out, t)
		}
	}
	slog.Debug("cdpcontrol query window", "window_id", windowID, "count", len(out))
	return out, nil
}

// ListWindows groups every page target by window.
func (c *Client) ListWindows(ctx context.Context) ([]WindowTabs, error) {
	all, err := c.pageTabs(ctx)
	if err != nil {
		return nil, err
	}
	active, _, activeErr := c.ActiveTab(ctx)
	if activeErr != nil {
		slog.Debug("cdpcontrol active tab lookup failed", "error", activeErr)
	}

	byWindow := make(map[tabs.WindowID][]tabs.Tab)
	for _, t := range all {
		t.Active = t.ID == active.ID
		byWindow[t.WindowID] = append(byWindow[t.WindowID], t)
	}
	out := make([]WindowTabs, 0, len(byWindow))
	for id, list := range byWindow {
		out = append(out, WindowTabs{WindowID: id, Tabs: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowID < out[j].WindowID })
	return out, nil
}

// Remove closes a tab.
func (c *Client) Remove(ctx context.Context, id tabs.ID) error {
	if err := requireTabID(id); err != nil {
		return err
	}
	conn, err := c.conn()
	if err != nil {
		return err
	}
	if err := conn.closeTarget(ctx, target.ID(id)); err != nil {
		return classifyTargetError("close tab failed", err)
	}
	slog.Debug("cdpcontrol tab closed", "tab_id", id)
	return nil
}

// Activate focuses a tab.
func (c *Client) Activate(ctx context.Context, id tabs.ID) error {
	if err := requireTabID(id); err != nil {
		return err
	}
	conn, err := c.conn()
	if err != nil {
		return err
	}
	if err := conn.activateTarget(ctx, target.ID(id)); err != nil {
		return classifyTargetError("activate tab failed", err)
	}
	return nil
}

// Open creates a tab at url and returns its ID.
func (c *Client) Open(ctx context.Context, url string) (tabs.ID, error) {
	if strings.TrimSpace(url) == "" {
		return "", newError(CodeValidation, "url is required", nil)
	}
	conn, err := c.conn()
	if err != nil {
		return "", err
	}
	id, err := conn.createTarget(ctx, url)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "open tab failed", err)
	}
	return tabs.ID(id), nil
}

// ActiveTab returns the tab whose document is visible and focused, falling
// back to the first visible tab.
func (c *Client) ActiveTab(ctx context.Context) (tabs.Tab, bool, error) {
	all, err := c.pageTabs(ctx)
	if err != nil {
		return tabs.Tab{}, false, err
	}

	type probe struct {
		Visible bool `json:"visible"`
		Focused bool `json:"focused"`
	}
	results := make([]probe, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(windowLookupParallelism)
	for i, t := range all {
		i, t := i, t
		g.Go(func() error {
			if err := c.Evaluate(gctx, t.ID, jsActiveProbe, &results[i]); err != nil {
				slog.Debug("cdpcontrol active probe failed", "tab_id", t.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	fallback := -1
	for i, r := range results {
		if r.Visible && r.Focused {
			all[i].Active = true
			return all[i], true, nil
		}
		if r.Visible && fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		all[fallback].Active = true
		return all[fallback], true, nil
	}
	return tabs.Tab{}, false, nil
}

// Inject installs script in the tab's current and future documents and
// exposes binding to it. Re-injecting is safe when script guards itself.
func (c *Client) Inject(ctx context.Context, id tabs.ID, script, binding string) error {
	if err := requireTabID(id); err != nil {
		return err
	}
	conn, err := c.conn()
	if err != nil {
		return err
	}
	sessionID, err := c.ensureSession(ctx, conn, target.ID(id))
	if err != nil {
		return err
	}

	c.mu.Lock()
	p := c.pages[target.ID(id)]
	installed := p != nil && p.injected
	c.mu.Unlock()

	if !installed {
		if err := conn.enableRuntime(ctx, sessionID); err != nil {
			return newError(CodeEvalFailure, "enable runtime failed", err)
		}
		if err := conn.addBinding(ctx, sessionID, binding); err != nil {
			return newError(CodeEvalFailure, "add binding failed", err)
		}
		if err := conn.addScriptOnNewDocument(ctx, sessionID, script); err != nil {
			return newError(CodeEvalFailure, "register agent script failed", err)
		}
		c.mu.Lock()
		if p := c.pages[target.ID(id)]; p != nil {
			p.injected = true
		}
		c.mu.Unlock()
	}

	evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()
	if _, err := conn.evaluate(evalCtx, sessionID, script); err != nil {
		return c.evalError(target.ID(id), evalCtx, err)
	}
	slog.Debug("cdpcontrol agent injected", "tab_id", id, "first", !installed)
	return nil
}

// Evaluate runs a function body in the tab and decodes the
// {ok,data,error_code,error_message} envelope it returns into out. The body
// must return JSON.stringify(envelope).
func (c *Client) Evaluate(ctx context.Context, id tabs.ID, body string, out any) error {
	err := c.evalOnce(ctx, id, body, out)
	if err == nil || !shouldRetry(err) {
		return err
	}
	slog.Debug("cdpcontrol eval retry after transient failure", "tab_id", id, "error", err)
	return c.evalOnce(ctx, id, body, out)
}

func (c *Client) evalOnce(ctx context.Context, id tabs.ID, body string, out any) error {
	if err := requireTabID(id); err != nil {
		return err
	}
	conn, err := c.conn()
	if err != nil {
		return err
	}
	sessionID, err := c.ensureSession(ctx, conn, target.ID(id))
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()

	raw, err := conn.evaluate(evalCtx, sessionID, wrapJSEval(body))
	if err != nil {
		return c.evalError(target.ID(id), evalCtx, err)
	}
	return decodeEnvelope(raw, out)
}

func (c *Client) evalError(id target.ID, evalCtx context.Context, err error) error {
	slog.Warn("cdpcontrol eval failed", "tab_id", id, "error", err)
	// Reset session so a fresh attach happens on retry.
	c.dropSession(id)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
		return newError(CodeEvalTimeout, "evaluation timed out", err)
	}
	return newError(CodeEvalFailure, "evaluation failed", err)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, conn *rawCDP, id target.ID) (string, error) {
	c.mu.Lock()
	p := c.pages[id]
	if p == nil {
		c.mu.Unlock()
		return "", newError(CodeTabNotFound, "tab not found: "+string(id), nil)
	}
	if p.sessionID != "" {
		sid := p.sessionID
		c.mu.Unlock()
		return sid, nil
	}
	c.mu.Unlock()

	sid, err := conn.attachToTarget(ctx, id)
	if err != nil {
		return "", classifyTargetError("attach to tab failed", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p = c.pages[id]
	if p == nil {
		return "", newError(CodeTabNotFound, "tab not found: "+string(id), nil)
	}
	if p.sessionID != "" {
		// Lost a race with a concurrent attach; keep the first session.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = conn.detachFromTarget(ctx, sid)
		}()
		return p.sessionID, nil
	}
	p.sessionID = sid
	c.sessions[sid] = id
	slog.Debug("cdpcontrol session attached", "tab_id", id, "session_id", sid)
	return sid, nil
}

func (c *Client) dropSession(id target.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pages[id]
	if p == nil || p.sessionID == "" {
		return
	}
	delete(c.sessions, p.sessionID)
	p.sessionID = ""
	p.injected = false
}

// Version returns the browser product string, e.g. "Chrome/126.0.0.0".
func (c *Client) Version(ctx context.Context) (string, error) {
	conn, err := c.conn()
	if err != nil {
		return "", err
	}
	wsURL, err := conn.browserWSURL(ctx)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "browser endpoint lookup failed", err)
	}

	browserCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	b, err := chromedp.NewBrowser(browserCtx, wsURL)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "browser connect failed", err)
	}
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(browserCtx, b))
	if err != nil {
		return "", newError(CodeCDPUnavailable, "browser version failed", err)
	}
	return product, nil
}

func requireTabID(id tabs.ID) error {
	if strings.TrimSpace(string(id)) == "" {
		return newError(CodeValidation, "tab id is required", nil)
	}
	return nil
}

func classifyTargetError(msg string, err error) error {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "no target with given id") || strings.Contains(lower, "not found") {
		return newError(CodeTabNotFound, msg, err)
	}
	return newError(CodeCDPUnavailable, msg, err)
}

func shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	if coded.Code != CodeEvalFailure || coded.Cause == nil {
		return false
	}
	cause := strings.ToLower(coded.Cause.Error())
	for _, hint := range transientHints {
		if strings.Contains(cause, hint) {
			return true
		}
	}
	return false
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// JSON encodes v as a JavaScript literal.
func JSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:` + jsString(CodeEvalFailure) + `,error_message:String(err && err.message || err)});
}
})()`
}

const jsActiveProbe = `return JSON.stringify({ok:true,data:{visible:document.visibilityState === "visible",focused:document.hasFocus()}});`
