package health

import (
	"context"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// Cooldowns double on each reopen, from baseCooldown up to maxCooldown.
	baseCooldown = 10 * time.Second
	maxCooldown  = 120 * time.Second
	// A caller that loses the half-open transition race backs off while the
	// winner's probe requests run.
	halfOpenLoserWait = 30 * time.Second

	// Smoothing factor for the response-time EMA.
	emaAlpha = 0.2
)

// MetricsSink receives circuit state changes and error rates, typically a
// CloudWatch publisher. All methods must be non-blocking.
type MetricsSink interface {
	CircuitState(exchange, state string)
	CircuitOpened(exchange string)
	ErrorRate(exchange string, rate float64)
}

// Breaker is a distributed circuit breaker over a health Tracker. Multiple
// processes coordinate through the tracker's conditional writes; only one
// wins the transition out of OPEN.
type Breaker struct {
	tracker *Tracker
	enabled bool
	metrics MetricsSink
	timeNow func() time.Time
}

// NewBreaker wires a Breaker over a tracker. A nil sink disables metric
// emission.
func NewBreaker(tracker *Tracker, enabled bool, metrics MetricsSink) *Breaker {
	return &Breaker{
		tracker: tracker,
		enabled: enabled,
		metrics: metrics,
		timeNow: time.Now,
	}
}

// NewBreakerFromEnv builds a Breaker honoring CIRCUIT_BREAKER_ENABLED.
func NewBreakerFromEnv(tracker *Tracker, metrics MetricsSink) *Breaker {
	var enabled = !strings.EqualFold(os.Getenv("CIRCUIT_BREAKER_ENABLED"), "false")
	return NewBreaker(tracker, enabled, metrics)
}

// cooldownFor returns the open-circuit cooldown given how many times the
// circuit has reopened: 10s, 20s, 40s, 80s, then capped at 120s.
func cooldownFor(reopenCount int64) time.Duration {
	var d = baseCooldown
	for i := int64(0); i < reopenCount && d < maxCooldown; i++ {
		d *= 2
	}
	if d > maxCooldown {
		d = maxCooldown
	}
	return d
}

// GetWaitTime reports how long the caller must wait before issuing a request
// to the exchange. Zero means proceed now. When an open circuit's cooldown
// has elapsed, exactly one caller wins the transition to half-open and
// proceeds immediately as the probe; losers wait out the probe window.
func (b *Breaker) GetWaitTime(ctx context.Context, exchange string) time.Duration {
	if !b.enabled {
		return 0
	}

	var h = b.tracker.GetHealth(ctx, exchange)
	switch h.CircuitState {
	case CircuitClosed:
		return 0
	case CircuitHalfOpen:
		// Probe traffic flows freely; successes will close the circuit.
		return 0
	case CircuitOpen:
		var cooldown = cooldownFor(h.ReopenCount)
		if h.LastFailureTS != "" {
			if lastFailure, err := time.Parse(time.RFC3339Nano, h.LastFailureTS); err == nil {
				var remaining = cooldown - b.timeNow().Sub(lastFailure)
				if remaining > 0 {
					log.WithFields(log.Fields{
						"exchange":  exchange,
						"remaining": remaining,
					}).Info("circuit open, waiting out cooldown")
					return remaining
				}
			}
		}
		if b.tracker.ConditionalTransition(ctx, exchange, CircuitOpen, CircuitHalfOpen) {
			log.WithField("exchange", exchange).Info("circuit half-open, probing")
			b.emitState(exchange, CircuitHalfOpen)
			return 0
		}
		return halfOpenLoserWait
	default:
		return 0
	}
}

// RecordSuccess folds a successful request into the exchange's health. Three
// consecutive successes close a half-open circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, exchange string, latency time.Duration) {
	if !b.enabled {
		return
	}

	var h = b.tracker.GetHealth(ctx, exchange)
	var errorRate = b.tracker.recordOutcome(exchange, true)

	h.ConsecutiveSuccesses++
	h.ConsecutiveFailures = 0
	h.LastSuccessTS = b.timeNow().UTC().Format(time.RFC3339Nano)
	h.RequestCount++
	h.ErrorRate = errorRate
	h.Status = statusFor(errorRate)

	var latencyMS = float64(latency) / float64(time.Millisecond)
	if h.AvgResponseTimeMS == 0 {
		h.AvgResponseTimeMS = latencyMS
	} else {
		h.AvgResponseTimeMS = emaAlpha*latencyMS + (1-emaAlpha)*h.AvgResponseTimeMS
	}

	if h.CircuitState == CircuitHalfOpen && h.ConsecutiveSuccesses >= SuccessThreshold {
		h.CircuitState = CircuitClosed
		h.ReopenCount = 0
		log.WithFields(log.Fields{
			"exchange":  exchange,
			"successes": h.ConsecutiveSuccesses,
		}).Info("circuit closed after successful probes")
		b.emitState(exchange, CircuitClosed)
	}

	b.tracker.UpdateHealth(ctx, &h)
	b.emitErrorRate(exchange, errorRate)
}

// RecordFailure folds a failed request into the exchange's health. Five
// consecutive failures open the circuit; a failure during half-open reopens
// it immediately with a doubled cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, exchange, errMsg string) {
	if !b.enabled {
		return
	}

	var h = b.tracker.GetHealth(ctx, exchange)
	var errorRate = b.tracker.recordOutcome(exchange, false)

	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastFailureTS = b.timeNow().UTC().Format(time.RFC3339Nano)
	h.LastErrorMessage = truncateError(errMsg)
	h.RequestCount++
	h.ErrorRate = errorRate
	h.Status = statusFor(errorRate)

	switch {
	case h.CircuitState == CircuitHalfOpen:
		// The probe failed; reopen with a longer cooldown.
		h.CircuitState = CircuitOpen
		h.ReopenCount++
		log.WithFields(log.Fields{
			"exchange": exchange,
			"cooldown": cooldownFor(h.ReopenCount),
		}).Warn("probe failed, circuit reopened")
		b.emitOpened(exchange)
	case h.CircuitState == CircuitClosed && h.ConsecutiveFailures >= MaxRetries:
		h.CircuitState = CircuitOpen
		log.WithFields(log.Fields{
			"exchange": exchange,
			"failures": h.ConsecutiveFailures,
			"error":    h.LastErrorMessage,
		}).Warn("failure threshold reached, circuit opened")
		b.emitOpened(exchange)
	}

	b.tracker.UpdateHealth(ctx, &h)
	b.emitErrorRate(exchange, errorRate)
}

func statusFor(errorRate float64) string {
	switch {
	case errorRate >= UnhealthyErrorRate:
		return StatusUnhealthy
	case errorRate >= DegradedErrorRate:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (b *Breaker) emitState(exchange, state string) {
	if b.metrics != nil {
		b.metrics.CircuitState(exchange, state)
	}
}

func (b *Breaker) emitOpened(exchange string) {
	if b.metrics != nil {
		b.metrics.CircuitOpened(exchange)
	}
	b.emitState(exchange, CircuitOpen)
}

func (b *Breaker) emitErrorRate(exchange string, rate float64) {
	if b.metrics != nil {
		b.metrics.ErrorRate(exchange, rate)
	}
}
