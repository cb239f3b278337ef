// Package dispatch delivers the "limit reached" notice through the best
// available channel, trying strategies in order until one succeeds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/notify"
	"github.com/dgnsrekt/tabwarden/internal/tabs"
)

// Mode selects what the page agent is asked to show.
type Mode string

const (
	ModePopup     Mode = "popup"
	ModeChallenge Mode = "challenge"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePopup, "":
		return ModePopup, nil
	case ModeChallenge:
		return ModeChallenge, nil
	default:
		return "", fmt.Errorf("dispatch: unknown notify mode %q", s)
	}
}

// Action returns the page message action for the mode.
func (m Mode) Action() tabs.Action {
	if m == ModeChallenge {
		return tabs.ActionTriggerQuizChallenge
	}
	return tabs.ActionShowLimitPopup
}

const (
	NoticeTitle = "Tab Limit Reached"

	defaultAttemptTimeout = 2 * time.Second
)

// NoticeMessage is the text used by system notifications.
func NoticeMessage(limit int) string {
	return fmt.Sprintf("You've reached the maximum of %d tabs in this window.", limit)
}

// ActiveTabFinder locates the active tab of the current window.
type ActiveTabFinder interface {
	ActiveTab(ctx context.Context) (tabs.Tab, bool, error)
}

// Strategy is one delivery channel.
type Strategy interface {
	Name() string
	Available() bool
	Deliver(ctx context.Context, target tabs.Tab, msg tabs.Message) error
}

// Attempt records the outcome of one strategy.
type Attempt struct {
	Strategy string
	Skipped  bool
	Err      error
}

// Result summarises a Notify call.
type Result struct {
	// Target is the active tab the notice was aimed at; empty when none.
	Target    tabs.ID
	Delivered bool
	Strategy  string
	Attempts  []Attempt
}

// Dispatcher tries its strategies in order.
type Dispatcher struct {
	finder         ActiveTabFinder
	strategies     []Strategy
	mode           Mode
	attemptTimeout time.Duration
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithAttemptTimeout bounds each delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.attemptTimeout = d
		}
	}
}

// New builds a dispatcher that tries strategies in the given order.
func New(finder ActiveTabFinder, mode Mode, strategies []Strategy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		finder:         finder,
		strategies:     strategies,
		mode:           mode,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode returns the configured page message mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Notify tells the user that removed was closed for exceeding limit. It
// never returns an error; failures degrade to the next strategy or to a
// logged no-op.
func (d *Dispatcher) Notify(ctx context.Context, removed tabs.ID, limit int) Result {
	var res Result

	active, ok, err := d.finder.ActiveTab(ctx)
	if err != nil {
		slog.Warn("dispatch active tab query failed", "removed_tab_id", removed, "error", err)
		return res
	}
	if !ok {
		slog.Debug("dispatch skipped, no active tab", "removed_tab_id", removed)
		return res
	}
	res.Target = active.ID

	msg := tabs.Message{Action: d.mode.Action(), MaxTabs: limit}
	for _, s := range d.strategies {
		if !s.Available() {
			res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Skipped: true})
			continue
		}
		err := d.attempt(ctx, s, active, msg)
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Err: err})
		if err == nil {
			res.Delivered = true
			res.Strategy = s.Name()
			slog.Info("dispatch delivered", "strategy", s.Name(), "tab_id", active.ID, "limit", limit)
			return res
		}
		slog.Warn("dispatch strategy failed", "strategy", s.Name(), "tab_id", active.ID, "error", err)
	}

	slog.Warn("dispatch exhausted all strategies", "removed_tab_id", removed, "attempts", len(res.Attempts))
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, s Strategy, target tabs.Tab, msg tabs.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: strategy %s panicked: %v", s.Name(), r)
		}
	}()
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	return s.Deliver(attemptCtx, target, msg)
}

// Messenger sends a message to the page agent of a tab.
type Messenger interface {
	SendMessage(ctx context.Context, id tabs.ID, msg tabs.Message) (tabs.Reply, error)
}

// ErrNotAcknowledged is returned when the page agent answered without success.
var ErrNotAcknowledged = errors.New("dispatch: page agent did not acknowledge")

type pageStrategy struct {
	messenger Messenger
}

// Page delivers the message to the page agent running in the active tab.
func Page(m Messenger) Strategy { return &pageStrategy{messenger: m} }

func (p *pageStrategy) Name() string { return "page" }

func (p *pageStrategy) Available() bool { return p.messenger != nil }

func (p *pageStrategy) Deliver(ctx context.Context, target tabs.Tab, msg tabs.Message) error {
	reply, err := p.messenger.SendMessage(ctx, target.ID, msg)
	if err != nil {
		return err
	}
	if !reply.Success {
		return ErrNotAcknowledged
	}
	return nil
}

type systemStrategy struct {
	notifier notify.Notifier
}

// System delivers a basic notification through n.
func System(n notify.Notifier) Strategy { return &systemStrategy{notifier: n} }

func (s *systemStrategy) Name() string { return s.notifier.Name() }

func (s *systemStrategy) Available() bool { return s.notifier.Available() }

func (s *systemStrategy) Deliver(ctx context.Context, _ tabs.Tab, msg tabs.Message) error {
	return s.notifier.Notify(ctx, notify.Notification{
		Type:    "basic",
		Title:   NoticeTitle,
		Message: NoticeMessage(msg.MaxTabs),
	})
}
