package playback

import (
	"context"
	"time"
)

// HZ is the scheduler tick rate the soft frame wait plans around.
const HZ = 100

// FrameTimer paces software display. A sleep may overshoot by up to one
// scheduler tick, so Wait sleeps the time left minus one tick while more
// than a tick is left, then the small remainder.
type FrameTimer struct {
	clock   Clock
	period  time.Duration
	tick    time.Duration
	last    time.Time
	started bool
}

// NewFrameTimer creates a timer for frames of the given period.
func NewFrameTimer(clock Clock, period time.Duration) *FrameTimer {
	return &FrameTimer{clock: clock, period: period, tick: time.Second / HZ}
}

// Wait blocks until periods frame periods have passed since the previous
// completion and returns the new completion time. The first call returns
// at once.
func (t *FrameTimer) Wait(ctx context.Context, periods int) (time.Time, error) {
	if t.started {
		target := time.Duration(periods) * t.period
		for {
			since := t.clock.Now().Sub(t.last)
			if since < 0 || since > time.Second {
				since = time.Second
			}
			remain := target - since
			if remain <= t.tick {
				if remain > 0 {
					if err := t.clock.Sleep(ctx, remain); err != nil {
						return time.Time{}, err
					}
				}
				break
			}
			if err := t.clock.Sleep(ctx, remain-t.tick); err != nil {
				return time.Time{}, err
			}
		}
	}
	t.started = true
	t.last = t.clock.Now()
	return t.last, nil
}

// Reset makes the next Wait return at once.
func (t *FrameTimer) Reset() {
	t.started = false
}
