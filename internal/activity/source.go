package activity

import (
	"context"

	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/scroll"
)

// Listener receives normalized page notifications.
type Listener interface {
	NotifyActivity()
	NotifyScroll(offset scroll.Offset)
	NotifyVisibility(hidden bool)
}

// Source delivers notifications to subscribed listeners. The returned
// function removes the subscription.
type Source interface {
	Subscribe(l Listener) (unsubscribe func())
}

// OffsetQuery reports the current viewport offset.
type OffsetQuery interface {
	PageOffset() (scroll.Offset, error)
}

// OffsetFunc adapts a function to OffsetQuery.
type OffsetFunc func() (scroll.Offset, error)

func (f OffsetFunc) PageOffset() (scroll.Offset, error) {
	return f()
}

// Sink accepts emitted pings.
type Sink interface {
	TrackPagePing(ctx context.Context, ping models.PagePing) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ping models.PagePing) error

func (f SinkFunc) TrackPagePing(ctx context.Context, ping models.PagePing) error {
	return f(ctx, ping)
}

// Feed is an in-process Source. Its methods fan out to every subscriber and
// must be called from the goroutine, or under the lock, that serializes the
// subscribers' timers.
type Feed struct {
	next      int
	listeners map[int]Listener
	order     []int
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{listeners: make(map[int]Listener)}
}

func (f *Feed) Subscribe(l Listener) func() {
	id := f.next
	f.next++
	f.listeners[id] = l
	f.order = append(f.order, id)
	return func() {
		delete(f.listeners, id)
		for i, v := range f.order {
			if v == id {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	return len(f.listeners)
}

func (f *Feed) Activity() {
	for _, l := range f.snapshot() {
		l.NotifyActivity()
	}
}

func (f *Feed) Scroll(offset scroll.Offset) {
	for _, l := range f.snapshot() {
		l.NotifyScroll(offset)
	}
}

func (f *Feed) Visibility(hidden bool) {
	for _, l := range f.snapshot() {
		l.NotifyVisibility(hidden)
	}
}

func (f *Feed) snapshot() []Listener {
	out := make([]Listener, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.listeners[id])
	}
	return out
}
