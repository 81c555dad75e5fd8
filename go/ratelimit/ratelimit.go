// Package ratelimit provides a process-wide token bucket that coordinates
// upstream API requests across all worker goroutines, preventing 429s from
// the exchange. The bucket refills at a constant rate and dispenses tokens
// at fixed intervals when burst is 1 (the default).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Limiter is a token bucket. Mutations of bucket state are serialized by a
// mutex; waits happen outside the mutex so blocked callers don't convoy.
type Limiter struct {
	rate  float64
	burst float64

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time

	timeNow func() time.Time
}

// New returns a Limiter dispensing ratePerSec tokens per second with the
// given bucket capacity. A burst of 1 disables bursting entirely: tokens are
// dispensed at fixed intervals. The bucket starts empty, so the very first
// caller waits one refill interval.
func New(ratePerSec float64, burst int) (*Limiter, error) {
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	var l = &Limiter{
		rate:    ratePerSec,
		burst:   float64(burst),
		timeNow: time.Now,
	}
	l.lastUpdate = l.timeNow()

	log.WithFields(log.Fields{
		"ratePerSec": ratePerSec,
		"burst":      burst,
	}).Info("initialized rate limiter")
	return l, nil
}

// Acquire blocks until n tokens are available, or until the context is
// cancelled. The wait is scheduled proportional to the caller's token
// deficit, which keeps long waits from starving arbitrarily.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	for {
		var wait, ok = l.take(n)
		if ok {
			return nil
		}
		var timer = time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// TryAcquire consumes n tokens if they're immediately available and reports
// whether it did.
func (l *Limiter) TryAcquire(n int) bool {
	var _, ok = l.take(n)
	return ok
}

// take refills the bucket and attempts to consume n tokens. On failure it
// returns the duration until the deficit would refill.
func (l *Limiter) take(n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = l.timeNow()
	var elapsed = now.Sub(l.lastUpdate).Seconds()
	l.tokens = minf(l.burst, l.tokens+elapsed*l.rate)
	l.lastUpdate = now

	var need = float64(n)
	if l.tokens >= need {
		l.tokens -= need
		return 0, true
	}
	var deficit = need - l.tokens
	return time.Duration(deficit / l.rate * float64(time.Second)), false
}

// Tokens reports the current token count, for monitoring.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var elapsed = l.timeNow().Sub(l.lastUpdate).Seconds()
	return minf(l.burst, l.tokens+elapsed*l.rate)
}

// Reset refills the bucket. Intended for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.burst
	l.lastUpdate = l.timeNow()
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Limiter)
)

// DefaultRate is the request rate applied to exchanges without an explicit
// configuration. Coinbase allows 10 req/sec on both its public and
// authenticated endpoints.
const DefaultRate = 10.0

// For returns the process-wide Limiter for an exchange, creating it on first
// use. All goroutines talking to the same upstream share one instance.
func For(exchange string) *Limiter {
	registryMu.Lock()
	defer registryMu.Unlock()

	if l, ok := registry[exchange]; ok {
		return l
	}
	var l, err = New(DefaultRate, 1)
	if err != nil {
		panic(err) // DefaultRate is a positive constant
	}
	registry[exchange] = l
	return l
}

// ResetAll clears the registry. Intended for tests.
func ResetAll() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]*Limiter)
}
