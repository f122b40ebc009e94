// Package activity decides when a page view is still engaged and emits page
// pings to a sink.
//
// A Scheduler is enabled, then installed once per page view. After install it
// listens to its Source, keeps the last activity time and the scroll extents,
// and on every heartbeat emits a ping when the visitor was active during the
// elapsed interval and the minimum visit time has passed. Because activity is
// only sampled at heartbeat granularity, the visit duration implied by pings
// overstates active time by half an interval on average.
package activity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/clock"
	"github.com/vincentbai/pageping/internal/engagement"
	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/monitoring"
	"github.com/vincentbai/pageping/internal/scroll"
)

// Heartbeat outcomes, as recorded in metrics.
const (
	ResultEmitted  = "emitted"
	ResultInactive = "inactive"
	ResultMinVisit = "min_visit"
)

// ErrInvalidConfig represents a configuration error.
type ErrInvalidConfig struct {
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "activity: invalid config: " + e.Message
}

// PageView identifies the page view pings belong to.
type PageView struct {
	ID       string
	LoadedAt time.Time
}

// Page is what Install attaches to every ping.
type Page struct {
	URL      string
	Title    string
	Referrer string
	Context  map[string]any
	View     PageView
}

// Scheduler is the page ping state machine. Its methods and its timer
// callbacks must be serialized by the clock it was built with.
type Scheduler struct {
	clk     clock.Clock
	source  Source
	offsets OffsetQuery
	sink    Sink
	logger  *zap.Logger
	metrics *monitoring.Metrics
	legacy  bool

	ctx    context.Context
	cancel context.CancelFunc

	enabled   bool
	installed bool
	closed    bool

	minimumVisit         time.Duration
	heartbeatInterval    time.Duration
	minimumVisitDeadline time.Time

	engagementEnabled bool
	engagementOpts    []engagement.Option
	engagement        *engagement.Clock

	page           Page
	installedAt    time.Time
	lastActivityAt time.Time
	lastOffset     scroll.Offset
	extents        scroll.Tracker

	heartbeat   clock.Timer
	unsubscribe func()

	outboxSize int
	outbox     chan models.PagePing
	delivered  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLegacyPings emits the reduced ping shape without load extents,
// current offsets, page view or engaged time.
func WithLegacyPings() Option {
	return func(s *Scheduler) { s.legacy = true }
}

// WithDeliveryQueue hands pings to a background goroutine through a queue
// of the given size, so a slow sink never holds the clock. A ping that does
// not fit is dropped and counted as a sink error. Close waits for queued
// pings to reach the sink.
func WithDeliveryQueue(size int) Option {
	return func(s *Scheduler) { s.outboxSize = size }
}

// WithEngagementOptions passes options to the engagement clock. The tick
// handler is owned by the scheduler and cannot be replaced.
func WithEngagementOptions(opts ...engagement.Option) Option {
	return func(s *Scheduler) { s.engagementOpts = append(s.engagementOpts, opts...) }
}

// New returns a Scheduler. It does nothing until Enable and Install.
func New(clk clock.Clock, source Source, offsets OffsetQuery, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clk:     clk,
		source:  source,
		offsets: offsets,
		sink:    sink,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.outboxSize > 0 {
		s.outbox = make(chan models.PagePing, s.outboxSize)
		s.delivered = make(chan struct{})
		go s.deliverQueued()
	}

	engOpts := append([]engagement.Option{engagement.WithLogger(s.logger)}, s.engagementOpts...)
	engOpts = append(engOpts, engagement.WithTickHandler(s.onEngagedTick))
	s.engagement = engagement.New(clk, engOpts...)
	return s
}

// Enable sets the minimum visit time and heartbeat interval. The minimum
// visit deadline is measured from this call. Calls after Install are ignored.
func (s *Scheduler) Enable(minimumVisit, heartbeatInterval time.Duration) error {
	if minimumVisit < 0 {
		return ErrInvalidConfig{"minimum visit time cannot be negative"}
	}
	if heartbeatInterval <= 0 {
		return ErrInvalidConfig{"heartbeat interval must be positive"}
	}
	if s.installed {
		s.logger.Debug("enable after install ignored")
		return nil
	}

	s.minimumVisit = minimumVisit
	s.heartbeatInterval = heartbeatInterval
	s.minimumVisitDeadline = s.clk.Now().Add(minimumVisit)
	s.enabled = true
	return nil
}

// EnableEngagementTracking turns on the engagement clock with the given idle
// timeout. Calls after Install are ignored.
func (s *Scheduler) EnableEngagementTracking(idleTimeout time.Duration) error {
	if idleTimeout < 0 {
		return fmt.Errorf("failed to enable engagement tracking: %w",
			engagement.ErrInvalidConfig{Message: "idle timeout cannot be negative"})
	}
	if s.installed {
		s.logger.Debug("engagement enable after install ignored")
		return nil
	}
	if err := s.engagement.Enable(idleTimeout); err != nil {
		return fmt.Errorf("failed to enable engagement tracking: %w", err)
	}
	s.engagementEnabled = true
	return nil
}

// Install starts tracking the page. It runs at most once, and only after
// Enable; it reports whether this call performed the installation.
func (s *Scheduler) Install(page Page) bool {
	if !s.enabled || s.installed || s.closed {
		return false
	}
	s.installed = true

	now := s.clk.Now()
	if page.View.LoadedAt.IsZero() {
		page.View.LoadedAt = now
	}
	s.page = page
	s.installedAt = now

	offset := s.currentOffset()
	s.extents.Reset(scroll.SincePing, offset)
	s.extents.Reset(scroll.SinceLoad, offset)

	if s.source != nil {
		s.unsubscribe = s.source.Subscribe(s)
	}
	s.lastActivityAt = now
	s.heartbeat = s.clk.Every(s.heartbeatInterval, s.onHeartbeat)

	s.logger.Info("activity tracking installed",
		zap.String("url", page.URL),
		zap.String("page_view_id", page.View.ID),
		zap.Duration("minimum_visit", s.minimumVisit),
		zap.Duration("heartbeat", s.heartbeatInterval),
		zap.Bool("engagement", s.engagementEnabled),
	)
	return true
}

// NotifyActivity records activity now. It is called for every qualifying
// input event and does constant work.
func (s *Scheduler) NotifyActivity() {
	if !s.installed || s.closed {
		return
	}
	s.lastActivityAt = s.clk.Now()
	if s.engagementEnabled {
		s.engagement.NotifyActivity()
	}
}

// NotifyScroll widens both scroll extents, then records activity.
func (s *Scheduler) NotifyScroll(offset scroll.Offset) {
	if !s.installed || s.closed {
		return
	}
	s.lastOffset = offset
	s.extents.Update(scroll.SinceLoad, offset)
	s.extents.Update(scroll.SincePing, offset)
	s.NotifyActivity()
}

// NotifyVisibility forwards page visibility to the engagement clock. It is
// not activity.
func (s *Scheduler) NotifyVisibility(hidden bool) {
	if !s.installed || s.closed || !s.engagementEnabled {
		return
	}
	s.engagement.VisibilityChanged(hidden)
}

// Close releases the heartbeat, the engagement timers and the source
// subscription, then waits for queued pings to reach the sink. No callback
// runs after Close returns.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.engagement.TurnOff()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.outbox != nil {
		close(s.outbox)
		<-s.delivered
	}
	s.cancel()
	if s.installed {
		s.logger.Info("activity tracking closed",
			zap.String("page_view_id", s.page.View.ID),
			zap.Int("engaged_seconds", s.EngagedSeconds()),
		)
	}
}

// Installed reports whether Install has run.
func (s *Scheduler) Installed() bool {
	return s.installed
}

// LastActivity returns the time of the most recent activity.
func (s *Scheduler) LastActivity() time.Time {
	return s.lastActivityAt
}

// Extent returns the scroll extent for a scope.
func (s *Scheduler) Extent(scope scroll.Scope) scroll.Extent {
	return s.extents.Extent(scope)
}

// EngagedSeconds returns the engaged time, or zero without engagement tracking.
func (s *Scheduler) EngagedSeconds() int {
	if !s.engagementEnabled {
		return 0
	}
	return s.engagement.Elapsed()
}

// EngagementPhase returns the engagement clock's phase.
func (s *Scheduler) EngagementPhase() engagement.Phase {
	return s.engagement.Phase()
}

// A counted engagement second is activity too.
func (s *Scheduler) onEngagedTick(int) {
	if s.installed && !s.closed && s.engagementEnabled {
		s.lastActivityAt = s.clk.Now()
	}
}

func (s *Scheduler) onHeartbeat() {
	if s.closed {
		return
	}
	now := s.clk.Now()

	if !s.lastActivityAt.Add(s.heartbeatInterval).After(now) {
		s.metrics.IncHeartbeat(ResultInactive)
		return
	}
	if !now.After(s.minimumVisitDeadline) {
		s.metrics.IncHeartbeat(ResultMinVisit)
		return
	}

	s.emit(now)
	s.metrics.IncHeartbeat(ResultEmitted)
}

func (s *Scheduler) emit(now time.Time) {
	offset := s.currentOffset()
	since := s.extents.Extent(scroll.SincePing)

	ping := models.PagePing{
		TSUTC:       now.UnixMilli(),
		URL:         s.page.URL,
		Title:       s.page.Title,
		ReferrerURL: s.page.Referrer,
		MinXOffset:  since.MinX,
		MaxXOffset:  since.MaxX,
		MinYOffset:  since.MinY,
		MaxYOffset:  since.MaxY,
		Context:     s.page.Context,
	}
	if !s.legacy {
		load := s.extents.Extent(scroll.SinceLoad)
		ping.Engagement = &models.Engagement{
			LoadMinXOffset: load.MinX,
			LoadMaxXOffset: load.MaxX,
			LoadMinYOffset: load.MinY,
			LoadMaxYOffset: load.MaxY,
			XOffset:        offset.X,
			YOffset:        offset.Y,
			PageViewID:     s.page.View.ID,
			PageLoadTime:   s.page.View.LoadedAt.UnixMilli(),
			EngagedSeconds: s.EngagedSeconds(),
		}
		s.metrics.SetEngagedSeconds(ping.Engagement.EngagedSeconds)
	}

	s.send(ping)
	s.extents.Reset(scroll.SincePing, offset)
}

func (s *Scheduler) send(ping models.PagePing) {
	if s.outbox == nil {
		s.deliver(ping)
		return
	}
	select {
	case s.outbox <- ping:
	default:
		s.metrics.IncSinkErrors()
		s.logger.Warn("ping delivery queue full, dropping ping", zap.String("url", ping.URL))
	}
}

func (s *Scheduler) deliverQueued() {
	defer close(s.delivered)
	for ping := range s.outbox {
		s.deliver(ping)
	}
}

func (s *Scheduler) deliver(ping models.PagePing) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncSinkErrors()
			s.logger.Error("ping sink panicked", zap.Any("panic", r))
		}
	}()
	if s.sink == nil {
		return
	}
	if err := s.sink.TrackPagePing(s.ctx, ping); err != nil {
		s.metrics.IncSinkErrors()
		s.logger.Warn("failed to deliver page ping", zap.String("url", ping.URL), zap.Error(err))
	}
}

// currentOffset queries the viewport, falling back to the last good sample.
func (s *Scheduler) currentOffset() scroll.Offset {
	if s.offsets == nil {
		return s.lastOffset
	}
	offset, err := s.offsets.PageOffset()
	if err != nil {
		s.logger.Debug("offset query failed, using last known offset", zap.Error(err))
		return s.lastOffset
	}
	s.lastOffset = offset
	return offset
}
