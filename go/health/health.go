// Package health tracks per-upstream API health in DynamoDB and gates
// requests through a circuit breaker. Health rows are an append-only time
// series keyed by (exchange_name, timestamp); the latest row is the
// authoritative state, and every row carries a seven-day TTL.
package health

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	log "github.com/sirupsen/logrus"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	// MaxRetries is the consecutive-failure count that opens the circuit.
	// Independent of the exchange client's per-request retry budget.
	MaxRetries = 5
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold = 3
	// RollingWindowSize bounds the in-process window used for error rate.
	RollingWindowSize = 100

	DegradedErrorRate  = 0.10
	UnhealthyErrorRate = 0.30

	recordTTL = 7 * 24 * time.Hour
	// Error messages are truncated before persisting.
	maxErrorMessageLen = 500
)

// Health is one upstream's health state as persisted to DynamoDB.
type Health struct {
	ExchangeName         string
	Timestamp            string
	Status               string
	CircuitState         string
	ConsecutiveFailures  int64
	ConsecutiveSuccesses int64
	LastSuccessTS        string
	LastFailureTS        string
	LastErrorMessage     string
	AvgResponseTimeMS    float64
	ErrorRate            float64
	RequestCount         int64
	TTL                  int64
	ReopenCount          int64
}

func defaultHealth(exchange string, now time.Time) Health {
	return Health{
		ExchangeName: exchange,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Status:       StatusHealthy,
		CircuitState: CircuitClosed,
	}
}

// API is the subset of the DynamoDB client the tracker uses.
type API interface {
	QueryWithContext(aws.Context, *dynamodb.QueryInput, ...request.Option) (*dynamodb.QueryOutput, error)
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
}

// Tracker reads and writes health rows, and owns the in-process rolling
// window of request outcomes per exchange. The window is not persisted; it
// re-warms after restarts while the persisted aggregates carry over.
type Tracker struct {
	db      API
	table   string
	enabled bool
	timeNow func() time.Time

	mu      sync.Mutex
	windows map[string][]bool
}

// NewTracker returns a Tracker over the given table. A disabled tracker
// (HEALTH_CHECK_ENABLED=false) reports healthy and persists nothing.
func NewTracker(db API, table string, enabled bool) *Tracker {
	return &Tracker{
		db:      db,
		table:   table,
		enabled: enabled,
		timeNow: time.Now,
		windows: make(map[string][]bool),
	}
}

// NewTrackerFromEnv builds a Tracker using DYNAMODB_HEALTH_TABLE and
// HEALTH_CHECK_ENABLED.
func NewTrackerFromEnv(db API) *Tracker {
	var table = os.Getenv("DYNAMODB_HEALTH_TABLE")
	if table == "" {
		table = "schemahub-exchange-health"
	}
	var enabled = !strings.EqualFold(os.Getenv("HEALTH_CHECK_ENABLED"), "false")
	return NewTracker(db, table, enabled)
}

// Enabled reports whether health persistence is active.
func (t *Tracker) Enabled() bool { return t.enabled }

// GetHealth returns the latest health row for an exchange, or a fresh
// healthy state if none exists. Read errors degrade to the healthy default
// so the pipeline keeps running without the health table.
func (t *Tracker) GetHealth(ctx context.Context, exchange string) Health {
	if !t.enabled {
		return defaultHealth(exchange, t.timeNow())
	}

	var out, err = t.db.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		KeyConditionExpression: aws.String("exchange_name = :exchange"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":exchange": {S: aws.String(exchange)},
		},
		ScanIndexForward: aws.Bool(false), // latest first
		Limit:            aws.Int64(1),
	})
	if err != nil {
		log.WithFields(log.Fields{"exchange": exchange, "error": err}).Error("failed to read health state")
		return defaultHealth(exchange, t.timeNow())
	}
	if len(out.Items) == 0 {
		log.WithField("exchange", exchange).Info("no health record found, initializing healthy state")
		return defaultHealth(exchange, t.timeNow())
	}
	return healthFromItem(out.Items[0])
}

// UpdateHealth appends a new health row stamped with the current time and a
// seven-day TTL. Write errors are logged, not returned: losing one health
// sample must not fail an ingest.
func (t *Tracker) UpdateHealth(ctx context.Context, h *Health) {
	if !t.enabled {
		return
	}
	var now = t.timeNow()
	h.Timestamp = now.UTC().Format(time.RFC3339Nano)
	h.TTL = now.Add(recordTTL).Unix()

	var _, err = t.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.table),
		Item:      healthToItem(h),
	})
	if err != nil {
		log.WithFields(log.Fields{"exchange": h.ExchangeName, "error": err}).Error("failed to update health state")
	}
}

// ConditionalTransition atomically moves the circuit between states using a
// conditional write predicated on the current state string. Exactly one
// concurrent caller wins; losers get false.
func (t *Tracker) ConditionalTransition(ctx context.Context, exchange, expected, next string) bool {
	if !t.enabled {
		return true
	}

	var h = t.GetHealth(ctx, exchange)
	var now = t.timeNow()
	h.CircuitState = next
	h.Timestamp = now.UTC().Format(time.RFC3339Nano)
	h.TTL = now.Add(recordTTL).Unix()

	var _, err = t.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.table),
		Item:                healthToItem(&h),
		ConditionExpression: aws.String("attribute_not_exists(#ts) OR circuit_state = :expected_state"),
		ExpressionAttributeNames: map[string]*string{
			"#ts": aws.String("timestamp"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":expected_state": {S: aws.String(expected)},
		},
	})
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && ae.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			log.WithField("exchange", exchange).Debug("circuit transition lost to another caller")
			return false
		}
		log.WithFields(log.Fields{"exchange": exchange, "error": err}).Error("conditional transition failed")
		return false
	}
	log.WithFields(log.Fields{
		"exchange": exchange,
		"from":     expected,
		"to":       next,
	}).Info("circuit transitioned")
	return true
}

// recordOutcome appends to the exchange's rolling window and returns the
// recomputed error rate.
func (t *Tracker) recordOutcome(exchange string, ok bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var w = append(t.windows[exchange], ok)
	if len(w) > RollingWindowSize {
		w = w[len(w)-RollingWindowSize:]
	}
	t.windows[exchange] = w

	var failures int
	for _, r := range w {
		if !r {
			failures++
		}
	}
	return float64(failures) / float64(len(w))
}

func healthToItem(h *Health) map[string]*dynamodb.AttributeValue {
	var item = map[string]*dynamodb.AttributeValue{
		"exchange_name":         {S: aws.String(h.ExchangeName)},
		"timestamp":             {S: aws.String(h.Timestamp)},
		"status":                {S: aws.String(h.Status)},
		"circuit_state":         {S: aws.String(h.CircuitState)},
		"consecutive_failures":  {N: aws.String(strconv.FormatInt(h.ConsecutiveFailures, 10))},
		"consecutive_successes": {N: aws.String(strconv.FormatInt(h.ConsecutiveSuccesses, 10))},
		"avg_response_time_ms":  {N: aws.String(strconv.FormatFloat(h.AvgResponseTimeMS, 'f', -1, 64))},
		"error_rate":            {N: aws.String(strconv.FormatFloat(h.ErrorRate, 'f', -1, 64))},
		"request_count":         {N: aws.String(strconv.FormatInt(h.RequestCount, 10))},
		"ttl":                   {N: aws.String(strconv.FormatInt(h.TTL, 10))},
		"reopen_count":          {N: aws.String(strconv.FormatInt(h.ReopenCount, 10))},
	}
	if h.LastSuccessTS != "" {
		item["last_success_ts"] = &dynamodb.AttributeValue{S: aws.String(h.LastSuccessTS)}
	}
	if h.LastFailureTS != "" {
		item["last_failure_ts"] = &dynamodb.AttributeValue{S: aws.String(h.LastFailureTS)}
	}
	if h.LastErrorMessage != "" {
		item["last_error_message"] = &dynamodb.AttributeValue{S: aws.String(h.LastErrorMessage)}
	}
	return item
}

func healthFromItem(item map[string]*dynamodb.AttributeValue) Health {
	var h = Health{
		ExchangeName:         itemString(item, "exchange_name"),
		Timestamp:            itemString(item, "timestamp"),
		Status:               itemString(item, "status"),
		CircuitState:         itemString(item, "circuit_state"),
		ConsecutiveFailures:  itemInt(item, "consecutive_failures"),
		ConsecutiveSuccesses: itemInt(item, "consecutive_successes"),
		LastSuccessTS:        itemString(item, "last_success_ts"),
		LastFailureTS:        itemString(item, "last_failure_ts"),
		LastErrorMessage:     itemString(item, "last_error_message"),
		AvgResponseTimeMS:    itemFloat(item, "avg_response_time_ms"),
		ErrorRate:            itemFloat(item, "error_rate"),
		RequestCount:         itemInt(item, "request_count"),
		TTL:                  itemInt(item, "ttl"),
		ReopenCount:          itemInt(item, "reopen_count"),
	}
	if h.Status == "" {
		h.Status = StatusHealthy
	}
	if h.CircuitState == "" {
		h.CircuitState = CircuitClosed
	}
	return h
}

func itemString(item map[string]*dynamodb.AttributeValue, key string) string {
	if v := item[key]; v != nil && v.S != nil {
		return *v.S
	}
	return ""
}

func itemInt(item map[string]*dynamodb.AttributeValue, key string) int64 {
	if v := item[key]; v != nil && v.N != nil {
		var n, _ = strconv.ParseInt(*v.N, 10, 64)
		return n
	}
	return 0
}

func itemFloat(item map[string]*dynamodb.AttributeValue, key string) float64 {
	if v := item[key]; v != nil && v.N != nil {
		var f, _ = strconv.ParseFloat(*v.N, 64)
		return f
	}
	return 0
}

// truncateError caps the persisted message at maxErrorMessageLen bytes
// without splitting a multi-byte rune.
func truncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	msg = msg[:maxErrorMessageLen]
	for len(msg) > 0 && !utf8.ValidString(msg) {
		msg = msg[:len(msg)-1]
	}
	return msg
}
