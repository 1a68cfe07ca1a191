// Package retry is a bounded retry combinator with capped exponential backoff.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	// MaxTotalDelay caps the sum of all waits; a wait that would cross it
	// ends the loop instead.
	MaxTotalDelay time.Duration

	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Critical is the schedule for critical tools: one extra attempt after 1s,
// never more than 3s of added latency.
func Critical() Policy {
	return Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		Factor:         2,
		MaxTotalDelay:  3 * time.Second,
	}
}

type Stats struct {
	Attempts int
	Waited   time.Duration
}

// Do calls op until retryable reports false for its result, attempts run out
// or the delay budget is spent. The last result is always returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) T, retryable func(T) bool) (T, Stats) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var (
		st      Stats
		last    T
		backoff = p.InitialBackoff
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		st.Attempts = attempt
		last = op(ctx, attempt)
		if !retryable(last) || attempt == maxAttempts {
			break
		}

		if p.MaxTotalDelay > 0 && st.Waited+backoff > p.MaxTotalDelay {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			break
		}
		st.Waited += backoff
		backoff = next(backoff, p.Factor, p.MaxBackoff)
	}
	return last, st
}

func next(cur time.Duration, factor float64, max time.Duration) time.Duration {
	if factor < 1 {
		factor = 1
	}
	n := time.Duration(float64(cur) * factor)
	if max > 0 && n > max {
		return max
	}
	return n
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
