package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
)

// TabObserver receives tab lifecycle events. Calls for one tab are
// serialized; calls for different tabs may run concurrently.
type TabObserver interface {
	OnTabCreated(ctx context.Context, tab tabs.Tab)
	OnTabUpdated(ctx context.Context, id tabs.ID, change tabs.ChangeInfo, tab tabs.Tab)
	OnTabRemoved(ctx context.Context, id tabs.ID)
}

// BindingHandler receives payloads passed to a page binding.
type BindingHandler func(ctx context.Context, id tabs.ID, payload string)

// serialQueue runs functions in FIFO order per key, one goroutine per busy
// key, so a slow tab never delays another.
type serialQueue struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{queues: make(map[string][]func())}
}

func (q *serialQueue) enqueue(key string, fn func()) {
	q.mu.Lock()
	if pending, busy := q.queues[key]; busy {
		q.queues[key] = append(pending, fn)
		q.mu.Unlock()
		return
	}
	q.queues[key] = []func(){fn}
	q.wg.Add(1)
	q.mu.Unlock()
	go q.run(key)
}

func (q *serialQueue) run(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		fns := q.queues[key]
		if len(fns) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		fn := fns[0]
		q.queues[key] = fns[1:]
		q.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued function has run.
func (q *serialQueue) wait() {
	q.wg.Wait()
}

// registerHandlersLocked subscribes the client to target and binding events
// on the current connection.
func (c *Client) registerHandlersLocked() {
	c.unregister = append(c.unregister,
		c.cdp.registerEventHandler("Target.targetCreated", c.onTargetCreated),
		c.cdp.registerEventHandler("Target.targetInfoChanged", c.onTargetInfoChanged),
		c.cdp.registerEventHandler("Target.targetDestroyed", c.onTargetDestroyed),
		c.cdp.registerEventHandler("Runtime.bindingCalled", c.onBindingCalled),
	)
}

func (c *Client) onTargetCreated(_ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		slog.Debug("cdpcontrol target created decode failed", "error", err)
		return
	}
	info := ev.TargetInfo
	if info.Type != "page" {
		return
	}

	c.mu.Lock()
	if _, known := c.pages[info.TargetID]; known {
		c.mu.Unlock()
		return
	}
	c.pages[info.TargetID] = &pageState{url: info.URL, title: info.Title}
	c.mu.Unlock()

	slog.Debug("cdpcontrol tab created", "tab_id", info.TargetID, "url", info.URL)
	c.enqueue(info.TargetID, func(ctx context.Context) {
		tab := c.resolveTab(ctx, info.TargetID, info.URL, info.Title)
		for _, obs := range c.observerList() {
			obs.OnTabCreated(ctx, tab)
		}
	})
}

func (c *Client) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil {
		slog.Debug("cdpcontrol target changed decode failed", "error", err)
		return
	}
	info := ev.TargetInfo
	if info.Type != "page" {
		return
	}

	var change tabs.ChangeInfo
	c.mu.Lock()
	p := c.pages[info.TargetID]
	if p == nil {
		p = &pageState{}
		c.pages[info.TargetID] = p
	}
	if info.URL != p.url {
		change.URL = info.URL
		p.url = info.URL
	}
	if info.Title != p.title {
		change.Title = info.Title
		p.title = info.Title
	}
	c.mu.Unlock()

	if change == (tabs.ChangeInfo{}) {
		return
	}
	c.enqueue(info.TargetID, func(ctx context.Context) {
		tab := c.resolveTab(ctx, info.TargetID, info.URL, info.Title)
		for _, obs := range c.observerList() {
			obs.OnTabUpdated(ctx, tab.ID, change, tab)
		}
	})
}

func (c *Client) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	c.mu.Lock()
	p, known := c.pages[ev.TargetID]
	if known {
		delete(c.pages, ev.TargetID)
		if p.sessionID != "" {
			delete(c.sessions, p.sessionID)
		}
	}
	c.mu.Unlock()
	if !known {
		return
	}

	slog.Debug("cdpcontrol tab destroyed", "tab_id", ev.TargetID)
	c.enqueue(ev.TargetID, func(ctx context.Context) {
		for _, obs := range c.observerList() {
			obs.OnTabRemoved(ctx, tabs.ID(ev.TargetID))
		}
	})
}

func (c *Client) onBindingCalled(sessionID string, params json.RawMessage) {
	var ev runtime.EventBindingCalled
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	c.mu.Lock()
	targetID, ok := c.sessions[sessionID]
	handler := c.bindings[ev.Name]
	c.mu.Unlock()
	if !ok || handler == nil {
		slog.Debug("cdpcontrol binding call dropped", "name", ev.Name, "session_id", sessionID)
		return
	}

	payload := ev.Payload
	c.enqueue(targetID, func(ctx context.Context) {
		handler(ctx, tabs.ID(targetID), payload)
	})
}

func (c *Client) enqueue(id target.ID, fn func(ctx context.Context)) {
	c.mu.Lock()
	ctx := c.eventCtx
	c.mu.Unlock()
	c.queue.enqueue(string(id), func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cdpcontrol event handler panicked", "tab_id", id, "panic", r)
			}
		}()
		fn(ctx)
	})
}

func (c *Client) observerList() []TabObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TabObserver, len(c.observers))
	copy(out, c.observers)
	return out
}
