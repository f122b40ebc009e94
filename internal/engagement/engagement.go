// Package engagement accumulates the whole seconds a visitor spends actively
// engaged with a page.
//
// The clock starts on the first activity, counts one second per tick while
// running, and goes idle when no activity arrives within the idle timeout or
// when the page is hidden. Only a new activity resumes it; elapsed seconds
// carry across idle periods.
package engagement

import (
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/clock"
)

const (
	// DefaultIdleTimeout applies when Enable is given zero.
	DefaultIdleTimeout = 30 * time.Second

	tickInterval = time.Second
	// idleGrace keeps the idle deadline clear of a tick due at the same instant.
	idleGrace = 100 * time.Millisecond
)

// Phase is the clock's state.
type Phase int

const (
	NotStarted Phase = iota
	Running
	Idle
	Off
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Idle:
		return "idle"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// ErrInvalidConfig represents a configuration error.
type ErrInvalidConfig struct {
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "engagement: invalid config: " + e.Message
}

// Clock is the engagement state machine. It is not safe for concurrent use;
// all calls and timer callbacks must be serialized by the clock.Clock driving it.
type Clock struct {
	sched       clock.Clock
	logger      *zap.Logger
	idleTimeout time.Duration
	createdAt   time.Time

	phase      Phase
	off        bool
	elapsed    int
	everActive bool

	ticker   clock.Timer
	deadline clock.Timer

	onTick         func(elapsed int)
	onIdle         func(elapsed int)
	onReport       func(elapsed int)
	reportInterval int
	onFirst        func(delay time.Duration)
}

// Option configures a Clock.
type Option func(*Clock)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Clock) { c.logger = l }
}

// WithTickHandler is called after every counted second.
func WithTickHandler(fn func(elapsed int)) Option {
	return func(c *Clock) { c.onTick = fn }
}

// WithIdleHandler is called whenever a running clock goes idle.
func WithIdleHandler(fn func(elapsed int)) Option {
	return func(c *Clock) { c.onIdle = fn }
}

// WithReportInterval calls fn each time elapsed reaches a multiple of every seconds.
func WithReportInterval(every int, fn func(elapsed int)) Option {
	return func(c *Clock) {
		c.reportInterval = every
		c.onReport = fn
	}
}

// WithFirstInteractionHandler is called once, on the first activity, with the
// time since the clock was created.
func WithFirstInteractionHandler(fn func(delay time.Duration)) Option {
	return func(c *Clock) { c.onFirst = fn }
}

// New returns a clock in the NotStarted phase.
func New(sched clock.Clock, opts ...Option) *Clock {
	c := &Clock{
		sched:       sched,
		logger:      zap.NewNop(),
		idleTimeout: DefaultIdleTimeout,
		createdAt:   sched.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enable sets the idle timeout. It does not start the clock.
func (c *Clock) Enable(idleTimeout time.Duration) error {
	if idleTimeout < 0 {
		return ErrInvalidConfig{"idle timeout cannot be negative"}
	}
	if c.reportInterval < 0 {
		return ErrInvalidConfig{"report interval cannot be negative"}
	}
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	c.idleTimeout = idleTimeout
	return nil
}

// IdleTimeout returns the configured idle timeout.
func (c *Clock) IdleTimeout() time.Duration {
	return c.idleTimeout
}

// NotifyActivity starts or resumes the clock and pushes the idle deadline out.
func (c *Clock) NotifyActivity() {
	if c.off {
		return
	}

	if !c.everActive {
		c.everActive = true
		if c.onFirst != nil {
			c.onFirst(c.sched.Now().Sub(c.createdAt))
		}
	}

	if c.phase != Running {
		c.startTicking()
		c.phase = Running
	}

	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.deadline = c.sched.AfterFunc(c.idleTimeout+idleGrace, c.onIdleTimeout)
}

func (c *Clock) startTicking() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.ticker = c.sched.Every(tickInterval, c.tick)
}

func (c *Clock) tick() {
	if c.phase != Running {
		return
	}
	c.elapsed++
	if c.onTick != nil {
		c.onTick(c.elapsed)
	}
	if c.onReport != nil && c.reportInterval > 0 && c.elapsed%c.reportInterval == 0 {
		c.onReport(c.elapsed)
	}
}

func (c *Clock) onIdleTimeout() {
	c.deadline = nil
	c.SetIdle()
}

// SetIdle stops counting until the next activity.
func (c *Clock) SetIdle() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.phase != Running {
		return
	}
	c.phase = Idle
	c.logger.Debug("engagement idle", zap.Int("elapsed_seconds", c.elapsed))
	if c.onIdle != nil {
		c.onIdle(c.elapsed)
	}
}

// VisibilityChanged handles page visibility. Hiding the page ends engagement
// immediately; showing it changes nothing until the next activity.
func (c *Clock) VisibilityChanged(hidden bool) {
	if hidden {
		c.SetIdle()
	}
}

// TurnOff goes idle and ignores activity until TurnOn.
func (c *Clock) TurnOff() {
	c.SetIdle()
	c.off = true
	c.phase = Off
}

// TurnOn re-enables a clock that was turned off. The clock stays stopped
// until the next activity.
func (c *Clock) TurnOn() {
	if !c.off {
		return
	}
	c.off = false
	if c.everActive {
		c.phase = Idle
	} else {
		c.phase = NotStarted
	}
}

// Elapsed returns the engaged seconds counted so far.
func (c *Clock) Elapsed() int {
	return c.elapsed
}

// Phase returns the current phase.
func (c *Clock) Phase() Phase {
	return c.phase
}
