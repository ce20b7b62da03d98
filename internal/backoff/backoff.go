// Package backoff computes capped exponential delays with optional jitter
// and waits them out under a context.
package backoff

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBase = 250 * time.Millisecond
	DefaultMax  = 5 * time.Second
)

type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of each delay drawn at random, clamped to [0, 1].
	// Zero gives deterministic delays.
	Jitter float64
}

func (p Policy) limits() (time.Duration, time.Duration) {
	base, ceiling := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if ceiling < base {
		ceiling = base
	}
	return base, ceiling
}

// Delay returns the wait before retry number attempt (1-based): Base
// doubled per prior attempt, never above Max.
func (p Policy) Delay(attempt int) time.Duration {
	base, ceiling := p.limits()
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return p.jitter(d)
}

// After prefers a server Retry-After hint over the computed delay. Hints
// are capped at Max and never jittered.
func (p Policy) After(attempt int, retryAfter string, now time.Time) time.Duration {
	if hint, ok := RetryAfter(retryAfter, now); ok {
		_, ceiling := p.limits()
		return min(hint, ceiling)
	}
	return p.Delay(attempt)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	j := min(max(p.Jitter, 0), 1)
	spread := time.Duration(float64(d) * j)
	if spread <= 0 {
		return d
	}
	return d - spread + time.Duration(rand.Int63n(int64(spread)+1))
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Dates in the past and malformed values report false.
func RetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(header)
	if err != nil || !at.After(now) {
		return 0, false
	}
	return at.Sub(now), true
}

// Sleep blocks for d or until ctx is done, returning ctx.Err in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
