// Package browser hosts a page in Chrome and turns what happens on it into
// activity notifications.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/activity"
	"github.com/vincentbai/pageping/internal/clock"
	"github.com/vincentbai/pageping/internal/scroll"
)

const (
	bindingName  = "__pagepingNotify"
	queueSize    = 1024
	queryTimeout = 2 * time.Second
)

// Event kinds posted by the injected script.
const (
	kindActivity   = "activity"
	kindScroll     = "scroll"
	kindVisibility = "visibility"
)

// activityEvents are the DOM events that count as the visitor doing something.
var activityEvents = []string{
	"click", "mousedown", "mouseup", "mousemove", "wheel", "DOMMouseScroll",
	"keypress", "keydown", "keyup", "resize", "focus", "blur",
}

const offsetExpr = `({
  x: document.documentElement.scrollLeft || window.pageXOffset || 0,
  y: document.documentElement.scrollTop || window.pageYOffset || 0
})`

// listenerScript installs the DOM listeners on every document the tab loads.
func listenerScript() string {
	events, _ := json.Marshal(activityEvents)
	return fmt.Sprintf(`(function () {
  if (window.__pagepingInstalled) { return; }
  window.__pagepingInstalled = true;
  var send = function (msg) {
    try { window.%[1]s(JSON.stringify(msg)); } catch (e) {}
  };
  var offset = function () { return %[2]s; };
  %[3]s.forEach(function (type) {
    window.addEventListener(type, function () { send({type: %[4]q}); }, true);
  });
  window.addEventListener('scroll', function () {
    var o = offset();
    send({type: %[5]q, x: o.x, y: o.y});
  }, true);
  document.addEventListener('visibilitychange', function () {
    send({type: %[6]q, hidden: document.hidden});
  });
})();`, bindingName, offsetExpr, events, kindActivity, kindScroll, kindVisibility)
}

type event struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Hidden bool    `json:"hidden"`
}

func decodeEvent(payload string) (event, error) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return event{}, fmt.Errorf("failed to decode binding payload: %w", err)
	}
	switch ev.Type {
	case kindActivity, kindScroll, kindVisibility:
		return ev, nil
	default:
		return event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// Host owns one browser tab. Page notifications reach Feed() under the
// loop's serialization, so the feed's subscribers share the loop with their
// timers.
type Host struct {
	loop   clock.Loop
	feed   *activity.Feed
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
}

// Options selects how Chrome is launched.
type Options struct {
	Headless bool
	Logger   *zap.Logger
}

// NewHost launches Chrome. Close releases it.
func NewHost(parent context.Context, loop clock.Loop, opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocOpts...)
	sugar := logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)

	return newHost(tabCtx, func() {
		tabCancel()
		allocCancel()
	}, loop, logger)
}

func newHost(ctx context.Context, cancel context.CancelFunc, loop clock.Loop, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		loop:   loop,
		feed:   activity.NewFeed(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
	go h.pump()
	return h
}

// Feed is the activity source for this tab.
func (h *Host) Feed() *activity.Feed {
	return h.feed
}

// Open navigates to url with listeners installed and returns the page's
// metadata. It must be called once, before any scheduler is installed.
func (h *Host) Open(url string) (activity.Page, error) {
	chromedp.ListenTarget(h.ctx, h.onTargetEvent)

	var (
		info activity.Page
		html string
	)
	err := chromedp.Run(h.ctx,
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(listenerScript()).Do(ctx)
			return err
		}),
		chromedp.Navigate(url),
		chromedp.Location(&info.URL),
		chromedp.Title(&info.Title),
		chromedp.Evaluate(`document.referrer`, &info.Referrer),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return activity.Page{}, fmt.Errorf("failed to open %s: %w", url, err)
	}

	info.Context, err = PageContext(html)
	if err != nil {
		h.logger.Warn("failed to read page context", zap.Error(err))
		info.Context = map[string]any{}
	}

	h.logger.Info("page opened", zap.String("url", info.URL), zap.String("title", info.Title))
	return info, nil
}

// PageOffset reports the tab's current scroll offset.
func (h *Host) PageOffset() (scroll.Offset, error) {
	ctx, cancel := context.WithTimeout(h.ctx, queryTimeout)
	defer cancel()

	var offset struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := chromedp.Run(ctx, chromedp.Evaluate(offsetExpr, &offset)); err != nil {
		return scroll.Offset{}, fmt.Errorf("failed to read page offset: %w", err)
	}
	return scroll.Offset{X: offset.X, Y: offset.Y}, nil
}

// Done is closed when the tab goes away.
func (h *Host) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Host) Close() {
	h.cancel()
	<-h.done
}

// onTargetEvent runs on chromedp's event goroutine and must not block.
func (h *Host) onTargetEvent(ev any) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok || called.Name != bindingName {
		return
	}
	h.enqueue(called.Payload)
}

func (h *Host) enqueue(payload string) {
	ev, err := decodeEvent(payload)
	if err != nil {
		h.logger.Debug("ignoring binding call", zap.Error(err))
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("page event queue full, dropping event", zap.String("type", ev.Type))
	}
}

func (h *Host) pump() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.events:
			h.loop.Do(func() { h.dispatch(ev) })
		}
	}
}

func (h *Host) dispatch(ev event) {
	switch ev.Type {
	case kindActivity:
		h.feed.Activity()
	case kindScroll:
		h.feed.Scroll(scroll.Offset{X: ev.X, Y: ev.Y})
	case kindVisibility:
		h.feed.Visibility(ev.Hidden)
	}
}
