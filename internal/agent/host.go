// Package agent hosts the page-level UI shown in the active tab: the passive
// limit notice and the reaction challenge. The embedded script only renders
// panels and reports user actions; the state lives here.
package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/challenge"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
)

// Script is the page agent installed in http(s) tabs.
//
//go:embed agent.js
var Script string

const (
	// BindingName is the page function the agent calls to report actions.
	BindingName = "__tabwardenEmit"

	PanelNotice    = "tab-limit-notification"
	PanelChallenge = "reaction-challenge"

	NoticeTitle   = "Tab Limit Reached"
	NoticeTimeout = 10 * time.Second

	defaultRenderTimeout = 2 * time.Second
)

// User actions reported by the page.
const (
	ActionClick        = "click"
	ActionRetry        = "retry"
	ActionClose        = "close"
	ActionOpenSettings = "open_settings"
	ActionPanelRemoved = "panel_removed"
)

// Browser is the subset of the CDP client the host needs.
type Browser interface {
	Inject(ctx context.Context, id tabs.ID, script, binding string) error
	Evaluate(ctx context.Context, id tabs.ID, body string, out any) error
}

// Publisher receives agent events.
type Publisher interface {
	Publish(evt relay.Event)
}

type noticePanel struct {
	limit int
}

type challengePanel struct {
	session *challenge.Session
}

type tabPanels struct {
	notice    *noticePanel
	noticeEnd challenge.Timer
	challenge *challengePanel
}

// Host tracks the panels shown in each tab.
type Host struct {
	browser       Browser
	clock         challenge.Clock
	rand          func() float64
	publisher     Publisher
	renderTimeout time.Duration

	mu           sync.Mutex
	panels       map[tabs.ID]*tabPanels
	openSettings func(ctx context.Context) error
}

// Option customises a Host.
type Option func(*Host)

func WithClock(c challenge.Clock) Option { return func(h *Host) { h.clock = c } }

func WithRand(fn func() float64) Option { return func(h *Host) { h.rand = fn } }

func WithPublisher(p Publisher) Option { return func(h *Host) { h.publisher = p } }

func WithRenderTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.renderTimeout = d
		}
	}
}

func New(browser Browser, opts ...Option) *Host {
	h := &Host{
		browser:       browser,
		clock:         challenge.SystemClock(),
		renderTimeout: defaultRenderTimeout,
		panels:        make(map[tabs.ID]*tabPanels),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSettingsOpener sets the handler for the notice's "Open Settings" button.
func (h *Host) SetSettingsOpener(fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openSettings = fn
}

// Inject installs the page agent in a tab.
func (h *Host) Inject(ctx context.Context, id tabs.ID) error {
	return h.browser.Inject(ctx, id, Script, BindingName)
}

// NoticeMessage is the text of the passive notice.
func NoticeMessage(limit int) string {
	return fmt.Sprintf("You've reached the maximum of %d tabs allowed in this window. You can still open the settings page to change this limit.", limit)
}

// SendMessage delivers a dispatch message to the agent in tab id and opens
// the requested panel. A panel that is already showing is acknowledged
// with Duplicate set and left untouched.
func (h *Host) SendMessage(ctx context.Context, id tabs.ID, msg tabs.Message) (tabs.Reply, error) {
	if msg.Action != tabs.ActionShowLimitPopup && msg.Action != tabs.ActionTriggerQuizChallenge {
		return tabs.Reply{}, fmt.Errorf("agent: unknown action %q", msg.Action)
	}

	var reply tabs.Reply
	if err := h.browser.Evaluate(ctx, id, jsReceive(msg), &reply); err != nil {
		return tabs.Reply{}, err
	}
	if !reply.Success {
		return reply, nil
	}

	if msg.Action == tabs.ActionShowLimitPopup {
		reply.Duplicate = !h.openNotice(id, msg.MaxTabs)
	} else {
		reply.Duplicate = !h.openChallenge(id)
	}
	slog.Debug("agent message delivered", "tab_id", id, "action", msg.Action, "duplicate", reply.Duplicate)
	return reply, nil
}

func (h *Host) openNotice(id tabs.ID, limit int) bool {
	h.mu.Lock()
	p := h.panelsLocked(id)
	if p.notice != nil {
		h.mu.Unlock()
		return false
	}
	n := &noticePanel{limit: limit}
	p.notice = n
	p.noticeEnd = h.clock.AfterFunc(NoticeTimeout, func() { h.expireNotice(id, n) })
	h.mu.Unlock()

	h.render(id, renderPayload{
		Panel: PanelNotice,
		Kind:  "notice",
		Title: NoticeTitle,
		View:  challenge.View{Seq: 1, Message: NoticeMessage(limit)},
	})
	return true
}

func (h *Host) openChallenge(id tabs.ID) bool {
	h.mu.Lock()
	p := h.panelsLocked(id)
	if p.challenge != nil {
		h.mu.Unlock()
		return false
	}
	slot := &challengePanel{}
	p.challenge = slot
	h.mu.Unlock()

	session := challenge.Start(challenge.Config{
		Clock: h.clock,
		Rand:  h.rand,
		OnRender: func(v challenge.View) {
			h.render(id, renderPayload{Panel: PanelChallenge, Kind: "challenge", View: v})
		},
		OnPassed: func(elapsed time.Duration) { h.challengePassed(id, elapsed) },
		OnExpire: func() { h.endChallenge(id, slot) },
	})

	h.mu.Lock()
	slot.session = session
	p = h.panels[id]
	forgotten := p == nil || p.challenge != slot
	h.mu.Unlock()
	if forgotten {
		session.Close()
	}
	return true
}

// HandleBinding processes an action reported by the page agent of tab id.
func (h *Host) HandleBinding(ctx context.Context, id tabs.ID, payload string) {
	var ev struct {
		Panel  string `json:"panel"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Debug("agent binding payload invalid", "tab_id", id, "error", err)
		return
	}

	switch ev.Action {
	case ActionClick:
		if s := h.session(id); s != nil {
			state, elapsed := s.Click()
			slog.Debug("agent challenge click", "tab_id", id, "state", state, "elapsed_ms", elapsed.Milliseconds())
		}
	case ActionRetry:
		if s := h.session(id); s != nil {
			s.Retry()
		}
	case ActionClose:
		h.closePanel(id, ev.Panel)
		h.removeDOM(id, ev.Panel)
	case ActionOpenSettings:
		h.closePanel(id, PanelNotice)
		h.removeDOM(id, PanelNotice)
		h.mu.Lock()
		open := h.openSettings
		h.mu.Unlock()
		if open == nil {
			return
		}
		if err := open(ctx); err != nil {
			slog.Warn("agent open settings failed", "tab_id", id, "error", err)
		}
	case ActionPanelRemoved:
		h.closePanel(id, ev.Panel)
	default:
		slog.Debug("agent binding action unknown", "tab_id", id, "action", ev.Action)
	}
}

// Panels lists the panels currently open in tab id.
func (h *Host) Panels(id tabs.ID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.panels[id]
	if p == nil {
		return nil
	}
	var out []string
	if p.notice != nil {
		out = append(out, PanelNotice)
	}
	if p.challenge != nil {
		out = append(out, PanelChallenge)
	}
	return out
}

// Forget drops every panel of tab id without touching the page.
func (h *Host) Forget(id tabs.ID) {
	h.mu.Lock()
	p := h.panels[id]
	delete(h.panels, id)
	h.mu.Unlock()
	if p == nil {
		return
	}
	if p.noticeEnd != nil {
		p.noticeEnd.Stop()
	}
	if p.challenge != nil && p.challenge.session != nil {
		p.challenge.session.Close()
	}
}

// OnTabCreated implements the tab observer; new tabs have no panels.
func (h *Host) OnTabCreated(context.Context, tabs.Tab) {}

// OnTabUpdated drops the state of panels that did not survive a URL change.
// Same-document navigations (history API, fragments) keep the page and its
// panels; a new document starts empty.
func (h *Host) OnTabUpdated(ctx context.Context, id tabs.ID, change tabs.ChangeInfo, _ tabs.Tab) {
	if change.URL == "" {
		return
	}
	for _, panel := range h.Panels(id) {
		if h.panelInPage(ctx, id, panel) {
			continue
		}
		slog.Debug("agent panel gone after navigation", "tab_id", id, "panel", panel, "url", change.URL)
		h.closePanel(id, panel)
	}
}

func (h *Host) OnTabRemoved(_ context.Context, id tabs.ID) {
	h.Forget(id)
}

func (h *Host) panelsLocked(id tabs.ID) *tabPanels {
	p := h.panels[id]
	if p == nil {
		p = &tabPanels{}
		h.panels[id] = p
	}
	return p
}

func (h *Host) session(id tabs.ID) *challenge.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.panels[id]
	if p == nil || p.challenge == nil {
		return nil
	}
	return p.challenge.session
}

// closePanel ends the Go-side state of one panel.
func (h *Host) closePanel(id tabs.ID, panel string) {
	h.mu.Lock()
	p := h.panels[id]
	if p == nil {
		h.mu.Unlock()
		return
	}
	var (
		timer   challenge.Timer
		session *challenge.Session
	)
	switch panel {
	case PanelNotice:
		timer = p.noticeEnd
		p.notice, p.noticeEnd = nil, nil
	case PanelChallenge:
		if p.challenge != nil {
			session = p.challenge.session
		}
		p.challenge = nil
	}
	h.pruneLocked(id, p)
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if session != nil {
		session.Close()
	}
}

func (h *Host) expireNotice(id tabs.ID, n *noticePanel) {
	h.mu.Lock()
	p := h.panels[id]
	if p == nil || p.notice != n {
		h.mu.Unlock()
		return
	}
	p.notice, p.noticeEnd = nil, nil
	h.pruneLocked(id, p)
	h.mu.Unlock()

	slog.Debug("agent notice expired", "tab_id", id)
	h.removeDOM(id, PanelNotice)
}

func (h *Host) endChallenge(id tabs.ID, slot *challengePanel) {
	h.mu.Lock()
	p := h.panels[id]
	if p == nil || p.challenge != slot {
		h.mu.Unlock()
		return
	}
	p.challenge = nil
	h.pruneLocked(id, p)
	h.mu.Unlock()

	h.removeDOM(id, PanelChallenge)
}

func (h *Host) pruneLocked(id tabs.ID, p *tabPanels) {
	if p.notice == nil && p.challenge == nil {
		delete(h.panels, id)
	}
}

func (h *Host) challengePassed(id tabs.ID, elapsed time.Duration) {
	slog.Info("agent challenge passed", "tab_id", id, "elapsed_ms", elapsed.Milliseconds())
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(relay.NewEvent(relay.FeedAgent, relay.Activity{
		Kind:      relay.KindChallengePassed,
		TabID:     id,
		ElapsedMS: elapsed.Milliseconds(),
	}))
}

type renderPayload struct {
	Panel string `json:"panel"`
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
	challenge.View
}

func (h *Host) render(id tabs.ID, payload renderPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), h.renderTimeout)
	defer cancel()
	if err := h.browser.Evaluate(ctx, id, jsRender(payload), nil); err != nil {
		slog.Debug("agent render failed", "tab_id", id, "panel", payload.Panel, "error", err)
	}
}

// panelInPage reports whether the panel element is still in the tab's
// document. An unreachable agent means the document was replaced.
func (h *Host) panelInPage(ctx context.Context, id tabs.ID, panel string) bool {
	ctx, cancel := context.WithTimeout(ctx, h.renderTimeout)
	defer cancel()
	var present bool
	if err := h.browser.Evaluate(ctx, id, jsHas(panel), &present); err != nil {
		return false
	}
	return present
}

func (h *Host) removeDOM(id tabs.ID, panel string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.renderTimeout)
	defer cancel()
	if err := h.browser.Evaluate(ctx, id, jsRemove(panel), nil); err != nil {
		slog.Debug("agent remove failed", "tab_id", id, "panel", panel, "error", err)
	}
}

var jsAgentPreamble = `var agent = window.__tabwarden;
if (!agent) return JSON.stringify({ok:false,error_code:` + cdpcontrol.JSON(cdpcontrol.CodeAgentUnavailable) + `,error_message:"page agent not installed"});
`

func jsReceive(msg tabs.Message) string {
	return jsAgentPreamble + `return JSON.stringify({ok:true,data:agent.receive(` + cdpcontrol.JSON(msg) + `)});`
}

func jsRender(payload renderPayload) string {
	return jsAgentPreamble + `agent.render(` + cdpcontrol.JSON(payload) + `);
return JSON.stringify({ok:true});`
}

func jsHas(panel string) string {
	return jsAgentPreamble + `return JSON.stringify({ok:true,data:agent.has(` + cdpcontrol.JSON(panel) + `)});`
}

func jsRemove(panel string) string {
	return jsAgentPreamble + `agent.remove(` + cdpcontrol.JSON(panel) + `);
return JSON.stringify({ok:true});`
}
