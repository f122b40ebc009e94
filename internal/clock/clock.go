// Package clock is the scheduling substrate shared by the tracker components.
//
// Every callback scheduled through a Clock runs to completion before the next
// one starts, so the components driven by it keep plain fields without locks.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. A stopped timer never runs its callback again,
	// even if the callback was already due.
	Stop()
}

// Clock provides time and timers.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d, first at now+d.
	Every(d time.Duration, f func()) Timer
}

// Loop is a Clock that also accepts work from outside its own timers.
type Loop interface {
	Clock
	// Do runs f serialized with every timer callback.
	Do(f func())
}

// Real is a wall-clock Loop. Timer callbacks and Do share one mutex.
type Real struct {
	mu sync.Mutex
}

// NewReal returns a Real clock.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Now() time.Time {
	return time.Now()
}

func (r *Real) Do(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
}

type realTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	done    chan struct{}
}

func (t *realTimer) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.done != nil {
		close(t.done)
	}
}

func (r *Real) AfterFunc(d time.Duration, f func()) Timer {
	t := &realTimer{}
	t.timer = time.AfterFunc(d, func() {
		r.Do(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			f()
		})
	})
	return t
}

// Every runs f once for each elapsed period. Ticks missed while the mutex
// was held run back to back once it is released.
func (r *Real) Every(d time.Duration, f func()) Timer {
	t := &realTimer{done: make(chan struct{})}
	next := time.Now().Add(d)
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				r.Do(func() {
					for !t.stopped.Load() && !time.Now().Before(next) {
						next = next.Add(d)
						f()
					}
				})
			}
		}
	}()
	return t
}
