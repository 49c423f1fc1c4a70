// Package ratelimit gates outbound store calls to a configured request rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/casefile-hq/casefile/internal/debug"
	"github.com/casefile-hq/casefile/internal/telemetry"
)

const (
	// MinRPS and MaxRPS bound the configurable request rate.
	MinRPS = 0.1
	MaxRPS = 10.0
	// DefaultRPS is the default request rate.
	DefaultRPS = 3.0
)

// Stats exposes limiter counters for observability.
type Stats struct {
	Granted   int64 `json:"granted"`
	Waited    int64 `json:"waited"`
	Fallbacks int64 `json:"fallbacks"`
}

// Limiter admits one caller per 1/rps interval. Safe for concurrent use;
// credits are granted in order of Wait entry.
type Limiter struct {
	interval time.Duration

	mu       sync.Mutex
	nextFree time.Time

	granted   atomic.Int64
	waited    atomic.Int64
	fallbacks atomic.Int64

	shared sharedWindow // nil in local-only mode
}

// sharedWindow is the optional distributed counter behind a limiter. Take
// returns true when the current 1-second window still has credit.
type sharedWindow interface {
	Take(ctx context.Context, limit int) (bool, error)
}

// New creates a local limiter. rps outside [MinRPS, MaxRPS] is an error.
func New(rps float64) (*Limiter, error) {
	if rps < MinRPS || rps > MaxRPS {
		return nil, fmt.Errorf("requests per second %.2f out of range [%.1f, %.1f]", rps, MinRPS, MaxRPS)
	}
	limiterMetricsOnce.Do(initLimiterMetrics)
	return &Limiter{
		interval: time.Duration(float64(time.Second) / rps),
	}, nil
}

// RPS returns the configured request rate.
func (l *Limiter) RPS() float64 {
	return float64(time.Second) / float64(l.interval)
}

// Wait blocks until one request credit is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.shared != nil {
		if err := l.waitShared(ctx); err != nil {
			return err
		}
		// The shared window caps the aggregate rate across processes; the
		// local gate below still spaces this process's own requests.
	}

	l.mu.Lock()
	now := time.Now()
	grantAt := l.nextFree
	if grantAt.Before(now) {
		grantAt = now
	}
	l.nextFree = grantAt.Add(l.interval)
	l.mu.Unlock()

	if wait := time.Until(grantAt); wait > 0 {
		l.waited.Add(1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.granted.Add(1)
	if limiterMetrics.granted != nil {
		limiterMetrics.granted.Add(ctx, 1)
	}
	return nil
}

func (l *Limiter) waitShared(ctx context.Context) error {
	// Whole-second windows; a fractional rps still admits at least one
	// request per window, so the local gate enforces the sub-1 rates.
	limit := int(l.RPS())
	if limit < 1 {
		limit = 1
	}

	for {
		ok, err := l.shared.Take(ctx, limit)
		if err != nil {
			// Shared store unavailable: fall back to local-only pacing.
			l.fallbacks.Add(1)
			if limiterMetrics.fallbacks != nil {
				limiterMetrics.fallbacks.Add(ctx, 1)
			}
			debug.Logf("ratelimit: shared window unavailable, local fallback: %v\n", err)
			return nil
		}
		if ok {
			return nil
		}
		// Window exhausted: sleep to the next window boundary.
		sleep := time.Until(time.Now().Truncate(time.Second).Add(time.Second))
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Granted:   l.granted.Load(),
		Waited:    l.waited.Load(),
		Fallbacks: l.fallbacks.Load(),
	}
}

var limiterMetrics struct {
	granted   metric.Int64Counter
	fallbacks metric.Int64Counter
}

var limiterMetricsOnce sync.Once

func initLimiterMetrics() {
	m := telemetry.Meter("github.com/casefile-hq/casefile/ratelimit")
	limiterMetrics.granted, _ = m.Int64Counter("cf.rate.granted",
		metric.WithDescription("Request credits granted by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	limiterMetrics.fallbacks, _ = m.Int64Counter("cf.rate.fallback",
		metric.WithDescription("Shared-window failures that fell back to local pacing"),
		metric.WithUnit("{event}"),
	)
}
