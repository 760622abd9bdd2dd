// Package ratelimit computes the pacing waits of the dispatch loop. Both
// functions are pure, so a config edit applies from the next computed delay.
package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"groupcast/internal/model"
)

// NextSendDelay is the wait between two channels of a cycle: the group delay
// inflated by the rate-limit buffer, rounded up to whole seconds.
func NextSendDelay(cfg model.RunConfig) time.Duration {
	base := cfg.GroupDelaySeconds
	if base < 0 {
		base = 0
	}
	buf := cfg.RateLimitBufferPercent
	if buf < 0 {
		buf = 0
	}
	// ceil(base * (100 + buf) / 100)
	secs := (base*(100+buf) + 99) / 100
	return time.Duration(secs) * time.Second
}

// NextCycleDelay is the cooldown after a cycle. No buffer is applied.
func NextCycleDelay(cfg model.RunConfig) time.Duration {
	m := cfg.CycleDelayMinutes
	if m < 0 {
		m = 0
	}
	return time.Duration(m) * time.Minute
}

// Sleep waits d on clock. It returns ctx.Err() as soon as ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
