// Package simdev provides simulated capture and playback devices that share
// one clock. With a virtual clock a whole recording runs as fast as the CPU
// allows and every timestamp is reproducible.
package simdev

import (
	"context"
	"sync"
	"time"
)

// Clock is the time base of the simulated devices.
//
// A real clock follows the wall clock. A virtual clock only moves when
// SleepUntil or Sleep advances it; WaitUntil blocks until some other
// goroutine has moved it far enough. Before a virtual clock moves, every
// function registered with OnAdvance runs on the advancing goroutine.
type Clock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	virtual bool
	now     time.Time
	hooks   []*advanceHook
}

type advanceHook struct {
	fn func()
}

// NewVirtualClock returns a virtual clock starting at start.
func NewVirtualClock(start time.Time) *Clock {
	c := &Clock{virtual: true, now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewRealClock returns a clock that follows time.Now.
func NewRealClock() *Clock {
	c := &Clock{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Virtual reports whether the clock is virtual.
func (c *Clock) Virtual() bool { return c.virtual }

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if !c.virtual {
		return time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// OnAdvance registers fn to run before a virtual clock moves forward. A
// device served by its own goroutine uses it to let that goroutine catch up
// with the time already reached. fn must not advance the clock. The returned
// func removes fn. A real clock never calls fn.
func (c *Clock) OnAdvance(fn func()) (remove func()) {
	h := &advanceHook{fn: fn}
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, x := range c.hooks {
			if x == h {
				c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
				return
			}
		}
	}
}

// Sleep waits for d, or advances a virtual clock by d.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.Now().Add(d))
}

// SleepUntil waits until t, or advances a virtual clock to t. A virtual
// clock never moves backwards.
func (c *Clock) SleepUntil(ctx context.Context, t time.Time) error {
	if !c.virtual {
		d := time.Until(t)
		if d <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !t.After(c.now) {
		c.mu.Unlock()
		return nil
	}
	hooks := append([]*advanceHook(nil), c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		h.fn()
	}

	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	return nil
}

// WaitUntil blocks until the clock reaches t. A virtual clock is not
// advanced by the waiter.
func (c *Clock) WaitUntil(ctx context.Context, t time.Time) error {
	if !c.virtual {
		return c.SleepUntil(ctx, t)
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.now.Before(t) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}
