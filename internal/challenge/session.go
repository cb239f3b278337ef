// Package challenge implements the reaction-time challenge shown to a user
// whose tab was closed for exceeding the window limit.
package challenge

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// State is the phase of a challenge round.
type State int

const (
	// Idle: box not ready, arming pending.
	Idle State = iota
	// Armed: box ready, reaction clock running.
	Armed
	// Success: reacted within the threshold; box locked.
	Success
	// TooSoon: clicked before arming; retry required.
	TooSoon
	// TooSlow: reacted after the threshold; retry required.
	TooSlow
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Success:
		return "success"
	case TooSoon:
		return "too_soon"
	case TooSlow:
		return "too_slow"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	MinArmDelay      = 1500 * time.Millisecond
	MaxArmDelay      = 3000 * time.Millisecond
	SuccessThreshold = 600 * time.Millisecond
	SuccessLinger    = 2500 * time.Millisecond
	HistorySize      = 5
)

// Box colours understood by the page agent.
const (
	BoxNotReady = "not_ready"
	BoxReady    = "ready"
	BoxPassed   = "passed"
)

// View is the render state pushed to the page for one session.
type View struct {
	Seq       uint64  `json:"seq"`
	State     string  `json:"state"`
	Box       string  `json:"box"`
	Message   string  `json:"message"`
	Retry     bool    `json:"retry"`
	Locked    bool    `json:"locked"`
	HistoryMS []int64 `json:"history_ms"`
}

// Config wires a session to its clock and observers. Nil callbacks are
// ignored.
type Config struct {
	Clock Clock
	// Rand returns a value in [0,1) used to pick the arming delay.
	Rand func() float64

	OnRender func(View)
	OnPassed func(elapsed time.Duration)
	// OnExpire fires once the success linger elapses; the host removes the
	// panel in response.
	OnExpire func()
}

// Session is one run of the reaction challenge, from arming to removal.
type Session struct {
	cfg Config

	mu       sync.Mutex
	state    State
	round    uint64
	seq      uint64
	armedAt  time.Time
	history  []time.Duration
	message  string
	closed   bool
	armTimer Timer
	endTimer Timer
}

// Start creates a session in Idle and schedules its first arming.
func Start(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	s := &Session{cfg: cfg}

	s.mu.Lock()
	view := s.resetLocked()
	s.mu.Unlock()
	s.render(view)
	return s
}

// ArmDelay maps r in [0,1) onto the arming window.
func ArmDelay(r float64) time.Duration {
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	return MinArmDelay + time.Duration(r*float64(MaxArmDelay-MinArmDelay))
}

// resetLocked enters Idle for a new round and schedules arming.
func (s *Session) resetLocked() View {
	s.round++
	s.state = Idle
	s.armedAt = time.Time{}
	s.message = "Wait for green..."
	s.stopTimer(&s.armTimer)

	round := s.round
	s.armTimer = s.cfg.Clock.AfterFunc(ArmDelay(s.cfg.Rand()), func() { s.arm(round) })
	return s.viewLocked()
}

func (s *Session) arm(round uint64) {
	s.mu.Lock()
	if s.closed || s.round != round || s.state != Idle {
		s.mu.Unlock()
		return
	}
	s.state = Armed
	s.armedAt = s.cfg.Clock.Now()
	s.armTimer = nil
	view := s.viewLocked()
	s.mu.Unlock()
	s.render(view)
}

// Click registers a click on the box and returns the resulting state and,
// for armed clicks, the measured reaction time.
func (s *Session) Click() (State, time.Duration) {
	s.mu.Lock()
	if s.closed {
		state := s.state
		s.mu.Unlock()
		return state, 0
	}

	var (
		elapsed time.Duration
		passed  bool
	)
	switch s.state {
	case Idle:
		// Invalidate the pending arming; the user must retry.
		s.round++
		s.stopTimer(&s.armTimer)
		s.state = TooSoon
		s.message = "Too soon! Wait for green."
	case Armed:
		elapsed = s.cfg.Clock.Now().Sub(s.armedAt)
		s.recordLocked(elapsed)
		if elapsed <= SuccessThreshold {
			s.state = Success
			s.message = fmt.Sprintf("Great! Reaction Time: %dms.", elapsed.Milliseconds())
			passed = true
			s.endTimer = s.cfg.Clock.AfterFunc(SuccessLinger, s.expire)
		} else {
			s.state = TooSlow
			s.message = fmt.Sprintf("Too slow (%dms). Try again!", elapsed.Milliseconds())
		}
	default:
		state := s.state
		s.mu.Unlock()
		return state, 0
	}
	state := s.state
	view := s.viewLocked()
	s.mu.Unlock()

	s.render(view)
	if passed && s.cfg.OnPassed != nil {
		s.cfg.OnPassed(elapsed)
	}
	return state, elapsed
}

// Retry restarts the round at Idle. It is only honoured after TooSoon or
// TooSlow.
func (s *Session) Retry() bool {
	s.mu.Lock()
	if s.closed || (s.state != TooSoon && s.state != TooSlow) {
		s.mu.Unlock()
		return false
	}
	view := s.resetLocked()
	s.mu.Unlock()
	s.render(view)
	return true
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked()
	s.mu.Unlock()
	if s.cfg.OnExpire != nil {
		s.cfg.OnExpire()
	}
}

// Close ends the session. Pending timers are stopped and later callbacks
// become no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	s.closed = true
	s.stopTimer(&s.armTimer)
	s.stopTimer(&s.endTimer)
}

// Present reports whether the session is still on screen.
func (s *Session) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the recent reaction times, oldest first.
func (s *Session) History() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.history))
	copy(out, s.history)
	return out
}

// View returns the current render state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) recordLocked(d time.Duration) {
	s.history = append(s.history, d)
	if len(s.history) > HistorySize {
		s.history = s.history[len(s.history)-HistorySize:]
	}
}

func (s *Session) viewLocked() View {
	s.seq++
	v := View{
		Seq:       s.seq,
		State:     s.state.String(),
		Box:       BoxNotReady,
		Message:   s.message,
		Retry:     s.state == TooSoon || s.state == TooSlow,
		Locked:    s.state == Success,
		HistoryMS: make([]int64, 0, len(s.history)),
	}
	switch s.state {
	case Armed:
		v.Box = BoxReady
	case Success:
		v.Box = BoxPassed
	}
	for _, d := range s.history {
		v.HistoryMS = append(v.HistoryMS, d.Milliseconds())
	}
	return v
}

func (s *Session) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) render(v View) {
	if s.cfg.OnRender != nil {
		s.cfg.OnRender(v)
	}
}
