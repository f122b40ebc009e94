package clock

import (
	"sort"
	"time"
)

// Fake is a manually advanced Loop for tests. Callbacks run synchronously
// from Advance, ordered by deadline and then by scheduling order.
type Fake struct {
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	period  time.Duration
	seq     uint64
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.stopped = true
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	return c.now
}

func (c *Fake) Do(f func()) {
	f()
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, 0, f)
}

func (c *Fake) Every(d time.Duration, f func()) Timer {
	return c.schedule(d, d, f)
}

func (c *Fake) schedule(d, period time.Duration, f func()) *fakeTimer {
	c.seq++
	t := &fakeTimer{at: c.now.Add(d), period: period, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every callback that falls due.
// The clock reads each callback's deadline while that callback runs.
func (c *Fake) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		t := c.next(target)
		if t == nil {
			break
		}
		c.now = t.at
		if t.period > 0 {
			c.seq++
			t.at = t.at.Add(t.period)
			t.seq = c.seq
		} else {
			t.stopped = true
		}
		t.f()
	}
	c.now = target
}

// AdvanceTo moves the clock to an absolute instant.
func (c *Fake) AdvanceTo(at time.Time) {
	if at.After(c.now) {
		c.Advance(at.Sub(c.now))
	}
}

// Pending reports the number of live timers.
func (c *Fake) Pending() int {
	c.prune()
	return len(c.timers)
}

func (c *Fake) next(target time.Time) *fakeTimer {
	c.prune()
	if len(c.timers) == 0 {
		return nil
	}
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	if c.timers[0].at.After(target) {
		return nil
	}
	return c.timers[0]
}

func (c *Fake) prune() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
}
