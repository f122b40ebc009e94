package activity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pageping/internal/clock"
	"github.com/vincentbai/pageping/internal/engagement"
	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/monitoring"
	"github.com/vincentbai/pageping/internal/scroll"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSink struct {
	pings []models.PagePing
	err   error
}

func (r *recordingSink) TrackPagePing(_ context.Context, p models.PagePing) error {
	r.pings = append(r.pings, p)
	return r.err
}

type viewport struct {
	offset scroll.Offset
	err    error
	calls  int
}

func (v *viewport) PageOffset() (scroll.Offset, error) {
	v.calls++
	return v.offset, v.err
}

type harness struct {
	clock    *clock.Fake
	feed     *Feed
	viewport *viewport
	sink     *recordingSink
	metrics  *monitoring.Metrics
	s        *Scheduler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(epoch),
		feed:     NewFeed(),
		viewport: &viewport{},
		sink:     &recordingSink{},
		metrics:  monitoring.NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	h.s = New(h.clock, h.feed, h.viewport, h.sink, opts...)
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) at(d time.Duration) {
	h.clock.AdvanceTo(epoch.Add(d))
}

func testPage() Page {
	return Page{
		URL:      "https://example.com/article",
		Title:    "Article",
		Referrer: "https://news.example.com",
		Context:  map[string]any{"section": "news"},
		View:     PageView{ID: "pv-1", LoadedAt: epoch.Add(-2 * time.Second)},
	}
}

func TestEnableValidation(t *testing.T) {
	tests := []struct {
		name      string
		minVisit  time.Duration
		heartbeat time.Duration
		wantErr   bool
	}{
		{name: "valid", minVisit: 10 * time.Second, heartbeat: 10 * time.Second},
		{name: "zero minimum visit", minVisit: 0, heartbeat: time.Second},
		{name: "negative minimum visit", minVisit: -time.Second, heartbeat: time.Second, wantErr: true},
		{name: "zero heartbeat", minVisit: time.Second, heartbeat: 0, wantErr: true},
		{name: "negative heartbeat", minVisit: time.Second, heartbeat: -time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.s.Enable(tt.minVisit, tt.heartbeat)
			if tt.wantErr {
				var cfgErr ErrInvalidConfig
				require.True(t, errors.As(err, &cfgErr))
				assert.False(t, h.s.Install(testPage()))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEngagementValidationWraps(t *testing.T) {
	h := newHarness(t)
	err := h.s.EnableEngagementTracking(-time.Second)

	var cfgErr engagement.ErrInvalidConfig
	assert.True(t, errors.As(err, &cfgErr))
}

func TestInstallRequiresEnable(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.s.Install(testPage()))
	assert.Equal(t, 0, h.feed.Subscribers())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestInstallAtMostOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))

	assert.True(t, h.s.Install(testPage()))
	assert.False(t, h.s.Install(testPage()))

	assert.Equal(t, 1, h.feed.Subscribers())
	assert.Equal(t, 1, h.clock.Pending())

	h.at(3 * time.Second)
	h.feed.Activity()
	assert.Equal(t, epoch.Add(3*time.Second), h.s.LastActivity())

	h.at(10 * time.Second)
	assert.Len(t, h.sink.pings, 1)
}

func TestEnableAfterInstallIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	require.NoError(t, h.s.Enable(time.Hour, time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(5*time.Second))

	h.at(5 * time.Second)
	h.feed.Activity()
	h.at(10 * time.Second)

	assert.Len(t, h.sink.pings, 1)
	assert.Equal(t, 0, h.s.EngagedSeconds())
}

func TestHeartbeatGating(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(10*time.Second, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(10 * time.Second)
	assert.Empty(t, h.sink.pings, "no ping at the minimum visit boundary")

	h.at(15 * time.Second)
	h.feed.Activity()
	h.at(20 * time.Second)
	require.Len(t, h.sink.pings, 1)
	assert.Equal(t, epoch.Add(20*time.Second).UnixMilli(), h.sink.pings[0].TSUTC)

	// no activity since the last tick
	h.at(30 * time.Second)
	assert.Len(t, h.sink.pings, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Heartbeats.WithLabelValues(ResultEmitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Heartbeats.WithLabelValues(ResultInactive)))
}

func TestMinimumVisitIsStrict(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(10*time.Second, 5*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(9 * time.Second)
	h.feed.Activity()
	h.at(10 * time.Second)
	assert.Empty(t, h.sink.pings)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Heartbeats.WithLabelValues(ResultMinVisit)))

	h.at(12 * time.Second)
	h.feed.Activity()
	h.at(15 * time.Second)
	assert.Len(t, h.sink.pings, 1)
}

func TestActivityMustFallWithinInterval(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	// the tick at t=10 runs first, then activity lands exactly one interval
	// before the next tick
	h.at(10 * time.Second)
	h.feed.Activity()
	h.at(20 * time.Second)

	assert.Empty(t, h.sink.pings)
}

func TestPingCarriesPageAndExtents(t *testing.T) {
	h := newHarness(t)
	h.viewport.offset = scroll.Offset{X: 0, Y: 100}
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(2 * time.Second)
	h.feed.Scroll(scroll.Offset{X: 0, Y: 600})
	h.at(4 * time.Second)
	h.feed.Scroll(scroll.Offset{X: 0, Y: 450})
	h.viewport.offset = scroll.Offset{X: 0, Y: 450}

	h.at(10 * time.Second)
	require.Len(t, h.sink.pings, 1)
	p := h.sink.pings[0]

	assert.Equal(t, "https://example.com/article", p.URL)
	assert.Equal(t, "Article", p.Title)
	assert.Equal(t, "https://news.example.com", p.ReferrerURL)
	assert.Equal(t, map[string]any{"section": "news"}, p.Context)
	assert.Equal(t, []float64{0, 0, 100, 600}, []float64{p.MinXOffset, p.MaxXOffset, p.MinYOffset, p.MaxYOffset})

	require.NotNil(t, p.Engagement)
	assert.Equal(t, 100.0, p.Engagement.LoadMinYOffset)
	assert.Equal(t, 600.0, p.Engagement.LoadMaxYOffset)
	assert.Equal(t, 450.0, p.Engagement.YOffset)
	assert.Equal(t, "pv-1", p.Engagement.PageViewID)
	assert.Equal(t, epoch.Add(-2*time.Second).UnixMilli(), p.Engagement.PageLoadTime)
	assert.Equal(t, 0, p.Engagement.EngagedSeconds)
	assert.Len(t, p.Fields(), 17)
}

func TestScrollScopeResetOnPing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(3 * time.Second)
	h.feed.Scroll(scroll.Offset{X: 40, Y: 900})
	h.viewport.offset = scroll.Offset{X: 40, Y: 700}
	before := h.s.Extent(scroll.SinceLoad)

	h.at(10 * time.Second)
	require.Len(t, h.sink.pings, 1)

	assert.Equal(t, scroll.Extent{MinX: 40, MaxX: 40, MinY: 700, MaxY: 700}, h.s.Extent(scroll.SincePing))
	assert.Equal(t, before, h.s.Extent(scroll.SinceLoad))
}

func TestLegacyPings(t *testing.T) {
	h := newHarness(t, WithLegacyPings())
	require.NoError(t, h.s.Enable(0, 5*time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(30*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.feed.Activity()
	h.at(5 * time.Second)

	require.Len(t, h.sink.pings, 1)
	assert.True(t, h.sink.pings[0].Legacy())
	assert.Len(t, h.sink.pings[0].Fields(), 8)
}

func TestEngagedSecondsInPings(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(30*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(time.Second)
	h.feed.Activity()
	h.at(60 * time.Second)

	var engaged []int
	for _, p := range h.sink.pings {
		engaged = append(engaged, p.Engagement.EngagedSeconds)
	}
	// engaged ticks keep the visit active until the idle deadline at 31.1s
	assert.Equal(t, []int{8, 18, 28, 30}, engaged)
	assert.Equal(t, engagement.Idle, h.s.EngagementPhase())
	assert.Equal(t, 30.0, testutil.ToFloat64(h.metrics.EngagedSeconds))
}

func TestVisibilityHiddenStopsEngagement(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(30*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.feed.Activity()
	h.at(2 * time.Second)
	h.feed.Visibility(true)
	h.at(10 * time.Second)

	require.Len(t, h.sink.pings, 1)
	assert.Equal(t, 2, h.sink.pings[0].Engagement.EngagedSeconds)

	h.feed.Visibility(false)
	assert.Equal(t, engagement.Idle, h.s.EngagementPhase())
	assert.Equal(t, epoch.Add(2*time.Second), h.s.LastActivity())
}

func TestOffsetQueryFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.viewport.offset = scroll.Offset{X: 0, Y: 50}
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(time.Second)
	h.feed.Scroll(scroll.Offset{X: 0, Y: 300})
	h.viewport.err = errors.New("page navigated")

	h.at(10 * time.Second)
	require.Len(t, h.sink.pings, 1)
	assert.Equal(t, 300.0, h.sink.pings[0].Engagement.YOffset)
	assert.Equal(t, scroll.Extent{MinX: 0, MaxX: 0, MinY: 300, MaxY: 300}, h.s.Extent(scroll.SincePing))
}

func TestSinkErrorDoesNotStopHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errors.New("collector down")
	require.NoError(t, h.s.Enable(0, 5*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(time.Second)
	h.feed.Activity()
	h.at(5 * time.Second)
	h.at(6 * time.Second)
	h.feed.Activity()
	h.at(10 * time.Second)

	assert.Len(t, h.sink.pings, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SinkErrors))
}

func TestSinkPanicIsContained(t *testing.T) {
	clk := clock.NewFake(epoch)
	feed := NewFeed()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	sink := SinkFunc(func(context.Context, models.PagePing) error { panic("boom") })
	s := New(clk, feed, nil, sink, WithMetrics(metrics))
	defer s.Close()

	require.NoError(t, s.Enable(0, time.Second))
	require.True(t, s.Install(testPage()))

	clk.Advance(500 * time.Millisecond)
	feed.Activity()
	assert.NotPanics(t, func() { clk.Advance(500 * time.Millisecond) })
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SinkErrors))
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 5*time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(30*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.feed.Activity()
	h.at(2 * time.Second)
	h.s.Close()
	h.s.Close()

	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 0, h.feed.Subscribers())

	h.s.NotifyActivity()
	h.at(time.Minute)
	assert.Empty(t, h.sink.pings)
	assert.Equal(t, engagement.Off, h.s.EngagementPhase())
	assert.False(t, h.s.Install(testPage()))
}

func TestNotificationsBeforeInstallIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 5*time.Second))

	h.s.NotifyScroll(scroll.Offset{X: 0, Y: 999})
	assert.True(t, h.s.LastActivity().IsZero())

	require.True(t, h.s.Install(testPage()))
	assert.Equal(t, scroll.Extent{}, h.s.Extent(scroll.SinceLoad))
}

func TestEngagementEnableAfterInstallKeepsIdleTimeout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Enable(0, 10*time.Second))
	require.NoError(t, h.s.EnableEngagementTracking(30*time.Second))
	require.True(t, h.s.Install(testPage()))

	require.NoError(t, h.s.EnableEngagementTracking(2*time.Second))
	assert.Error(t, h.s.EnableEngagementTracking(-time.Second))

	h.feed.Activity()
	h.at(5 * time.Second)

	assert.Equal(t, engagement.Running, h.s.EngagementPhase())
	assert.Equal(t, 5, h.s.EngagedSeconds())
}

func TestDeliveryQueue(t *testing.T) {
	h := newHarness(t, WithDeliveryQueue(4))
	require.NoError(t, h.s.Enable(0, 5*time.Second))
	require.True(t, h.s.Install(testPage()))

	h.at(time.Second)
	h.feed.Activity()
	h.at(5 * time.Second)
	h.s.Close()

	// Close waits for the queued ping
	require.Len(t, h.sink.pings, 1)
	assert.Equal(t, "https://example.com/article", h.sink.pings[0].URL)
}

func TestDeliveryQueueFullDropsPing(t *testing.T) {
	clk := clock.NewFake(epoch)
	feed := NewFeed()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	release := make(chan struct{})
	var delivered atomic.Int32
	sink := SinkFunc(func(context.Context, models.PagePing) error {
		<-release
		delivered.Add(1)
		return nil
	})
	s := New(clk, feed, nil, sink, WithMetrics(metrics), WithDeliveryQueue(1))

	require.NoError(t, s.Enable(0, time.Second))
	require.True(t, s.Install(testPage()))

	// the first ping blocks in the sink, the second waits in the queue
	for i := 0; i < 4; i++ {
		clk.Advance(500 * time.Millisecond)
		feed.Activity()
		clk.Advance(500 * time.Millisecond)
		if i == 0 {
			require.Eventually(t, func() bool { return len(s.outbox) == 0 }, time.Second, time.Millisecond)
		}
	}

	close(release)
	s.Close()
	assert.Equal(t, int32(2), delivered.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SinkErrors))
}

func TestSlowSinkDoesNotStallEngagement(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on the wall clock")
	}

	loop := clock.NewReal()
	feed := NewFeed()
	release := make(chan struct{})
	var calls atomic.Int32
	sink := SinkFunc(func(context.Context, models.PagePing) error {
		calls.Add(1)
		<-release
		return nil
	})
	s := New(loop, feed, nil, sink, WithDeliveryQueue(16))

	loop.Do(func() {
		require.NoError(t, s.Enable(0, 700*time.Millisecond))
		require.NoError(t, s.EnableEngagementTracking(30*time.Second))
		require.True(t, s.Install(testPage()))
		feed.Activity()
	})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	// the sink stays blocked for three seconds
	time.Sleep(3 * time.Second)
	var elapsed int
	loop.Do(func() { elapsed = s.EngagedSeconds() })
	assert.GreaterOrEqual(t, elapsed, 3)

	close(release)
	loop.Do(s.Close)
}
