package admission

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/dispatch"
	"github.com/dgnsrekt/tabwarden/internal/notify"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/settings"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const optionsURL = "http://127.0.0.1:8190/options"

type fakeBrowser struct {
	mu        sync.Mutex
	windows   map[tabs.WindowID][]tabs.Tab
	queryErr  error
	removeErr error
	removed   []tabs.ID
	opened    []string
	queries   int
	onOpen    func(id tabs.ID)
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{windows: make(map[tabs.WindowID][]tabs.Tab)}
}

func (b *fakeBrowser) add(window tabs.WindowID, ids ...tabs.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.windows[window] = append(b.windows[window], tabs.Tab{ID: id, WindowID: window, URL: "https://example.com/" + string(id)})
	}
}

func (b *fakeBrowser) count(window tabs.WindowID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows[window])
}

func (b *fakeBrowser) QueryWindow(_ context.Context, windowID tabs.WindowID) ([]tabs.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries++
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return append([]tabs.Tab(nil), b.windows[windowID]...), nil
}

func (b *fakeBrowser) Remove(_ context.Context, id tabs.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, id)
	if b.removeErr != nil {
		return b.removeErr
	}
	for w, list := range b.windows {
		kept := list[:0]
		for _, t := range list {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		b.windows[w] = kept
	}
	return nil
}

func (b *fakeBrowser) Open(_ context.Context, url string) (tabs.ID, error) {
	b.mu.Lock()
	b.opened = append(b.opened, url)
	id := tabs.ID("opened")
	b.windows[1] = append(b.windows[1], tabs.Tab{ID: id, WindowID: 1})
	onOpen := b.onOpen
	b.mu.Unlock()
	if onOpen != nil {
		onOpen(id)
	}
	return id, nil
}

func (b *fakeBrowser) removedIDs() []tabs.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tabs.ID(nil), b.removed...)
}

type notifyCall struct {
	removed tabs.ID
	limit   int
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	res   dispatch.Result
}

func (n *fakeNotifier) Notify(_ context.Context, removed tabs.ID, limit int) dispatch.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{removed: removed, limit: limit})
	return n.res
}

func (n *fakeNotifier) callList() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

type fakeInjector struct {
	mu       sync.Mutex
	injected []tabs.ID
	err      error
}

func (f *fakeInjector) Inject(_ context.Context, id tabs.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, id)
	return f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []relay.Event
}

func (p *fakePublisher) Publish(evt relay.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *fakePublisher) kinds(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, evt := range p.events {
		var a relay.Activity
		require.NoError(t, json.Unmarshal([]byte(evt.Payload), &a))
		out = append(out, a.Kind)
	}
	return out
}

type brokenSettings struct{}

func (brokenSettings) MaxTabs() (int, error) { return 0, errors.New("disk on fire") }

func (brokenSettings) Subscribe(func(settings.Change)) func() { return func() {} }

type harness struct {
	ctrl     *Controller
	store    *settings.Store
	browser  *fakeBrowser
	notifier *fakeNotifier
	injector *fakeInjector
	pub      *fakePublisher
}

func newHarness(t *testing.T, limit int, cfg Config) *harness {
	t.Helper()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	if limit > 0 {
		require.NoError(t, store.SetMaxTabs(limit))
	}
	h := &harness{
		store:    store,
		browser:  newFakeBrowser(),
		notifier: &fakeNotifier{},
		injector: &fakeInjector{},
		pub:      &fakePublisher{},
	}
	if cfg.OptionsURL == "" {
		cfg.OptionsURL = optionsURL
	}
	h.ctrl, err = New(cfg, Deps{
		Settings:  store,
		Browser:   h.browser,
		Injector:  h.injector,
		Notifier:  h.notifier,
		Publisher: h.pub,
	})
	require.NoError(t, err)
	t.Cleanup(h.ctrl.Close)
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestNewRejectsBadExemptPattern(t *testing.T) {
	store, err := settings.Open("")
	require.NoError(t, err)
	_, err = New(Config{ExemptURLs: []string{"[unclosed"}}, Deps{
		Settings: store,
		Browser:  newFakeBrowser(),
		Notifier: &fakeNotifier{},
	})
	require.Error(t, err)
}

func TestLimitDefaultsWhenKeyAbsentAndFollowsChanges(t *testing.T) {
	h := newHarness(t, 0, Config{})
	assert.Equal(t, settings.DefaultMaxTabs, h.ctrl.Limit())

	require.NoError(t, h.store.SetMaxTabs(5))
	assert.Equal(t, 5, h.ctrl.Limit())

	h.browser.add(1, "a", "b", "c", "d", "e", "f")
	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "f", WindowID: 1})
	assert.Equal(t, []tabs.ID{"f"}, h.browser.removedIDs())
	assert.Contains(t, h.pub.kinds(t), relay.KindLimitChanged)
}

func TestLimitFallsBackWhenSettingsUnreadable(t *testing.T) {
	ctrl, err := New(Config{}, Deps{Settings: brokenSettings{}, Browser: newFakeBrowser(), Notifier: &fakeNotifier{}})
	require.NoError(t, err)
	assert.Equal(t, settings.DefaultMaxTabs, ctrl.Limit())
}

func TestSettingsChangeFilters(t *testing.T) {
	h := newHarness(t, 4, Config{})

	h.ctrl.OnSettingsChanged(settings.Change{Namespace: "sync", Key: settings.KeyMaxTabs, NewValue: 7})
	h.ctrl.OnSettingsChanged(settings.Change{Namespace: settings.Namespace, Key: "other", NewValue: 7})
	h.ctrl.OnSettingsChanged(settings.Change{Namespace: settings.Namespace, Key: settings.KeyMaxTabs, NewValue: 0})
	assert.Equal(t, 4, h.ctrl.Limit())

	h.ctrl.OnSettingsChanged(settings.Change{Namespace: settings.Namespace, Key: settings.KeyMaxTabs, OldValue: 4, NewValue: 7})
	assert.Equal(t, 7, h.ctrl.Limit())
}

func TestCreatedWithoutWindowIsIgnored(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "x"})
	assert.Zero(t, h.browser.queries)
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestFourthTabOverLimitOfThreeIsRemovedAndNotified(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.notifier.res = dispatch.Result{Target: "a", Delivered: true, Strategy: "desktop"}
	h.browser.add(1, "a", "b", "c", "d")

	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "d", WindowID: 1, URL: "https://new.example"})

	assert.Equal(t, []tabs.ID{"d"}, h.browser.removedIDs())
	assert.Equal(t, []notifyCall{{removed: "d", limit: 3}}, h.notifier.callList())
	assert.Equal(t, 3, h.browser.count(1))
	assert.False(t, h.ctrl.IsPending("d"))
	assert.Equal(t, []string{relay.KindTabRemoved, relay.KindNotified}, h.pub.kinds(t))
}

func TestRemovalFailureStillNotifies(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.browser.removeErr = errors.New("no such target")
	h.browser.add(1, "a", "b")

	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "b", WindowID: 1})

	assert.Equal(t, []tabs.ID{"b"}, h.browser.removedIDs())
	assert.Len(t, h.notifier.callList(), 1)
	assert.NotContains(t, h.pub.kinds(t), relay.KindTabRemoved)
}

func TestQueryFailureAbandonsEvent(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.browser.queryErr = errors.New("socket closed")

	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "a", WindowID: 1})

	assert.Empty(t, h.browser.removedIDs())
	assert.Empty(t, h.notifier.callList())
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestUnderLimitTabIsRecheckedOnceAfterNavigation(t *testing.T) {
	h := newHarness(t, 2, Config{})
	ctx := context.Background()
	h.browser.add(1, "a", "b")

	h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "b", WindowID: 1})
	require.True(t, h.ctrl.IsPending("b"))

	// Title-only updates leave the pending entry alone.
	h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{Title: "Loading"}, tabs.Tab{ID: "b", WindowID: 1})
	require.True(t, h.ctrl.IsPending("b"))

	// A third tab lands in the window before b finishes navigating.
	h.browser.add(1, "c")
	tab := tabs.Tab{ID: "b", WindowID: 1, URL: "https://example.com/b"}
	h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{URL: tab.URL}, tab)

	assert.False(t, h.ctrl.IsPending("b"))
	assert.Equal(t, []tabs.ID{"b"}, h.browser.removedIDs())
	assert.Len(t, h.notifier.callList(), 1)

	queries := h.browser.queries
	for i := 0; i < 3; i++ {
		h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{URL: "https://example.com/b?" + string(rune('0'+i))}, tab)
		h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{Title: "again"}, tab)
	}
	assert.Equal(t, queries, h.browser.queries)
	assert.Len(t, h.browser.removedIDs(), 1)
}

func TestDeferredCheckWithinLimitKeepsTab(t *testing.T) {
	h := newHarness(t, 3, Config{})
	ctx := context.Background()
	h.browser.add(1, "a", "b")

	h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "b", WindowID: 1})
	h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{URL: "https://example.com"}, tabs.Tab{ID: "b", WindowID: 1, URL: "https://example.com"})

	assert.Empty(t, h.browser.removedIDs())
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestConcurrentNavigationUpdatesRecheckOnce(t *testing.T) {
	h := newHarness(t, 1, Config{})
	ctx := context.Background()
	h.browser.add(1, "a")
	h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "a", WindowID: 1})
	h.browser.add(1, "z")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.OnTabUpdated(ctx, "a", tabs.ChangeInfo{URL: "https://example.com"}, tabs.Tab{ID: "a", WindowID: 1, URL: "https://example.com"})
		}()
	}
	wg.Wait()

	assert.Equal(t, []tabs.ID{"a"}, h.browser.removedIDs())
}

func TestRemovedTabLeavesPendingSet(t *testing.T) {
	h := newHarness(t, 5, Config{})
	h.browser.add(1, "a")
	h.ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "a", WindowID: 1})
	require.Equal(t, 1, h.ctrl.PendingCount())

	h.ctrl.OnTabRemoved(context.Background(), "a")
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestInjectsAgentIntoHTTPPagesOnly(t *testing.T) {
	h := newHarness(t, 5, Config{})
	h.injector.err = errors.New("restricted page")
	ctx := context.Background()

	h.ctrl.OnTabUpdated(ctx, "a", tabs.ChangeInfo{Title: "x"}, tabs.Tab{ID: "a", URL: "https://example.com"})
	h.ctrl.OnTabUpdated(ctx, "b", tabs.ChangeInfo{URL: "chrome://settings"}, tabs.Tab{ID: "b", URL: "chrome://settings"})
	h.ctrl.OnTabUpdated(ctx, "c", tabs.ChangeInfo{URL: "http://plain.example"}, tabs.Tab{ID: "c", URL: "http://plain.example"})

	assert.Equal(t, []tabs.ID{"a", "c"}, h.injector.injected)
}

func TestOptionsPageNavigationIsNeverRemoved(t *testing.T) {
	h := newHarness(t, 1, Config{})
	ctx := context.Background()
	h.browser.add(1, "a")

	h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "a", WindowID: 1})
	h.browser.add(1, "b")
	h.ctrl.OnTabUpdated(ctx, "a", tabs.ChangeInfo{URL: optionsURL}, tabs.Tab{ID: "a", WindowID: 1, URL: optionsURL})

	assert.Empty(t, h.browser.removedIDs())
	assert.False(t, h.ctrl.IsPending("a"))
}

func TestExemptURLSkipsDeferredCheck(t *testing.T) {
	h := newHarness(t, 1, Config{ExemptURLs: []string{"https://*.internal.example/*"}})
	ctx := context.Background()
	h.browser.add(1, "a")
	h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "a", WindowID: 1})
	h.browser.add(1, "b")

	url := "https://wiki.internal.example/page"
	h.ctrl.OnTabUpdated(ctx, "a", tabs.ChangeInfo{URL: url}, tabs.Tab{ID: "a", WindowID: 1, URL: url})

	assert.Empty(t, h.browser.removedIDs())
	assert.False(t, h.ctrl.IsPending("a"))
}

func TestOpenOptionsPageGuardsSettingsTab(t *testing.T) {
	h := newHarness(t, 1, Config{OptionsGuardTimeout: 2 * time.Second})
	ctx := context.Background()
	h.browser.add(1, "a")

	var sawFlag bool
	h.browser.onOpen = func(id tabs.ID) {
		sawFlag = h.ctrl.OpeningOptionsPage()
		// The browser reports the new tab and its navigation while the
		// flag is raised; the window is already over the limit.
		h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: id, WindowID: 1})
		h.ctrl.OnTabUpdated(ctx, id, tabs.ChangeInfo{URL: optionsURL}, tabs.Tab{ID: id, WindowID: 1, URL: optionsURL})
	}

	start := time.Now()
	id, err := h.ctrl.OpenOptionsPage(ctx)
	require.NoError(t, err)

	assert.Equal(t, tabs.ID("opened"), id)
	assert.True(t, sawFlag)
	assert.False(t, h.ctrl.OpeningOptionsPage())
	assert.Less(t, time.Since(start), time.Second, "navigation should release the guard early")
	assert.Empty(t, h.browser.removedIDs())
	assert.Equal(t, []string{optionsURL}, h.browser.opened)
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestUserTabsAreEnforcedWhileOptionsPageOpens(t *testing.T) {
	h := newHarness(t, 1, Config{OptionsGuardTimeout: 2 * time.Second})
	ctx := context.Background()
	h.browser.add(2, "existing")

	h.browser.onOpen = func(id tabs.ID) {
		// A page opened by the user in another window.
		h.browser.add(2, "user")
		h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "user", WindowID: 2, URL: "https://example.com/user"})
		// A blank tab that only later navigates away.
		h.browser.add(2, "blank")
		h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: "blank", WindowID: 2})
		h.ctrl.OnTabUpdated(ctx, "blank", tabs.ChangeInfo{URL: "https://example.com/later"}, tabs.Tab{ID: "blank", WindowID: 2, URL: "https://example.com/later"})

		h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: id, WindowID: 1})
		h.ctrl.OnTabUpdated(ctx, id, tabs.ChangeInfo{URL: optionsURL}, tabs.Tab{ID: id, WindowID: 1, URL: optionsURL})
	}

	_, err := h.ctrl.OpenOptionsPage(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []tabs.ID{"user", "blank"}, h.browser.removedIDs())
	assert.Equal(t, 1, h.browser.count(2))
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestBlankUpdateKeepsTabPendingWhileOptionsPageOpens(t *testing.T) {
	h := newHarness(t, 1, Config{OptionsGuardTimeout: 2 * time.Second})
	ctx := context.Background()
	h.browser.add(1, "a")

	h.browser.onOpen = func(id tabs.ID) {
		h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: id, WindowID: 1})
		h.ctrl.OnTabUpdated(ctx, id, tabs.ChangeInfo{URL: "about:blank"}, tabs.Tab{ID: id, WindowID: 1, URL: "about:blank"})
		assert.True(t, h.ctrl.IsPending(id))
		h.ctrl.OnTabUpdated(ctx, id, tabs.ChangeInfo{URL: optionsURL}, tabs.Tab{ID: id, WindowID: 1, URL: optionsURL})
	}

	_, err := h.ctrl.OpenOptionsPage(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.browser.removedIDs())
	assert.Zero(t, h.ctrl.PendingCount())
}

func TestOpenOptionsPageTimesOut(t *testing.T) {
	h := newHarness(t, 5, Config{OptionsGuardTimeout: 20 * time.Millisecond})
	_, err := h.ctrl.OpenOptionsPage(context.Background())
	require.NoError(t, err)
	assert.False(t, h.ctrl.OpeningOptionsPage())
}

func TestOpenOptionsPageRequiresURL(t *testing.T) {
	store, err := settings.Open("")
	require.NoError(t, err)
	ctrl, err := New(Config{}, Deps{Settings: store, Browser: newFakeBrowser(), Notifier: &fakeNotifier{}})
	require.NoError(t, err)
	_, err = ctrl.OpenOptionsPage(context.Background())
	require.Error(t, err)
}

func TestWindowSettlesAtLimit(t *testing.T) {
	const limit = 3
	h := newHarness(t, limit, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := tabs.ID(string(rune('a' + i)))
		h.browser.add(1, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.OnTabCreated(ctx, tabs.Tab{ID: id, WindowID: 1})
			url := "https://example.com/" + string(id)
			h.ctrl.OnTabUpdated(ctx, id, tabs.ChangeInfo{URL: url}, tabs.Tab{ID: id, WindowID: 1, URL: url})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, h.browser.count(1), limit)
	assert.Zero(t, h.ctrl.PendingCount())
}

type failingMessenger struct{}

func (failingMessenger) SendMessage(context.Context, tabs.ID, tabs.Message) (tabs.Reply, error) {
	return tabs.Reply{}, errors.New("no agent listening")
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) Available() bool { return true }

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

type activeTab struct{ tab tabs.Tab }

func (a activeTab) ActiveTab(context.Context) (tabs.Tab, bool, error) { return a.tab, true, nil }

func TestOverLimitFallsBackToSystemNotification(t *testing.T) {
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	require.NoError(t, store.SetMaxTabs(3))

	browser := newFakeBrowser()
	browser.add(1, "a", "b", "c", "d")
	system := &recordingNotifier{}
	disp := dispatch.New(activeTab{tab: tabs.Tab{ID: "a", WindowID: 1}}, dispatch.ModeChallenge,
		[]dispatch.Strategy{dispatch.Page(failingMessenger{}), dispatch.System(system)})

	ctrl, err := New(Config{OptionsURL: optionsURL}, Deps{Settings: store, Browser: browser, Notifier: disp})
	require.NoError(t, err)
	defer ctrl.Close()

	ctrl.OnTabCreated(context.Background(), tabs.Tab{ID: "d", WindowID: 1})

	assert.Equal(t, []tabs.ID{"d"}, browser.removedIDs())
	require.Len(t, system.sent, 1)
	assert.Equal(t, "basic", system.sent[0].Type)
	assert.Contains(t, system.sent[0].Message, "3")
}
