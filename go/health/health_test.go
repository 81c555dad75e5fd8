package health

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/require"
)

// fakeHealthDB implements API keeping only the newest row per exchange,
// which is all the tracker's Limit(1) descending query ever observes.
type fakeHealthDB struct {
	latest map[string]map[string]*dynamodb.AttributeValue
	puts   int
	// failTransition makes the next conditional put fail, simulating a
	// concurrent winner.
	failTransition bool
}

func newFakeHealthDB() *fakeHealthDB {
	return &fakeHealthDB{latest: make(map[string]map[string]*dynamodb.AttributeValue)}
}

func (f *fakeHealthDB) QueryWithContext(_ aws.Context, in *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	var exchange = *in.ExpressionAttributeValues[":exchange"].S
	var item, ok = f.latest[exchange]
	if !ok {
		return &dynamodb.QueryOutput{}, nil
	}
	return &dynamodb.QueryOutput{Items: []map[string]*dynamodb.AttributeValue{item}}, nil
}

func (f *fakeHealthDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	if in.ConditionExpression != nil {
		var exchange = *in.Item["exchange_name"].S
		var expected = *in.ExpressionAttributeValues[":expected_state"].S
		var existing, exists = f.latest[exchange]
		if f.failTransition || (exists && *existing["circuit_state"].S != expected) {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "the conditional request failed", nil)
		}
	}
	f.latest[*in.Item["exchange_name"].S] = in.Item
	f.puts++
	return &dynamodb.PutItemOutput{}, nil
}

func newTestBreaker(t *testing.T) (*Breaker, *Tracker, *fakeHealthDB) {
	t.Helper()
	var db = newFakeHealthDB()
	var tracker = NewTracker(db, "health", true)
	return NewBreaker(tracker, true, nil), tracker, db
}

func TestGetHealthDefaultsWhenMissing(t *testing.T) {
	var tracker = NewTracker(newFakeHealthDB(), "health", true)
	var h = tracker.GetHealth(context.Background(), "coinbase")
	require.Equal(t, StatusHealthy, h.Status)
	require.Equal(t, CircuitClosed, h.CircuitState)
	require.Zero(t, h.ConsecutiveFailures)
}

func TestDisabledTrackerPersistsNothing(t *testing.T) {
	var db = newFakeHealthDB()
	var tracker = NewTracker(db, "health", false)
	tracker.UpdateHealth(context.Background(), &Health{ExchangeName: "coinbase"})
	require.Zero(t, db.puts)
}

func TestHealthRoundTrip(t *testing.T) {
	var db = newFakeHealthDB()
	var tracker = NewTracker(db, "health", true)
	var ctx = context.Background()

	tracker.UpdateHealth(ctx, &Health{
		ExchangeName:        "coinbase",
		Status:              StatusDegraded,
		CircuitState:        CircuitClosed,
		ConsecutiveFailures: 2,
		LastErrorMessage:    "timeout",
		AvgResponseTimeMS:   41.5,
		ErrorRate:           0.15,
		RequestCount:        80,
	})

	var h = tracker.GetHealth(ctx, "coinbase")
	require.Equal(t, StatusDegraded, h.Status)
	require.EqualValues(t, 2, h.ConsecutiveFailures)
	require.Equal(t, "timeout", h.LastErrorMessage)
	require.InDelta(t, 41.5, h.AvgResponseTimeMS, 1e-9)
	require.InDelta(t, 0.15, h.ErrorRate, 1e-9)
	require.EqualValues(t, 80, h.RequestCount)
	require.Greater(t, h.TTL, time.Now().Add(6*24*time.Hour).Unix())
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries-1; i++ {
		b.RecordFailure(ctx, "coinbase", "connection refused")
		require.Equal(t, CircuitClosed, tracker.GetHealth(ctx, "coinbase").CircuitState)
	}
	b.RecordFailure(ctx, "coinbase", "connection refused")

	var h = tracker.GetHealth(ctx, "coinbase")
	require.Equal(t, CircuitOpen, h.CircuitState)
	require.EqualValues(t, MaxRetries, h.ConsecutiveFailures)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries-1; i++ {
		b.RecordFailure(ctx, "coinbase", "timeout")
	}
	b.RecordSuccess(ctx, "coinbase", 30*time.Millisecond)
	for i := 0; i < MaxRetries-1; i++ {
		b.RecordFailure(ctx, "coinbase", "timeout")
	}
	require.Equal(t, CircuitClosed, tracker.GetHealth(ctx, "coinbase").CircuitState)
}

func TestOpenCircuitWaitsOutCooldown(t *testing.T) {
	var b, _, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	var wait = b.GetWaitTime(ctx, "coinbase")
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, baseCooldown)
}

func TestCooldownElapsedTransitionsToHalfOpen(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	b.timeNow = func() time.Time { return time.Now().Add(baseCooldown + time.Second) }

	require.Zero(t, b.GetWaitTime(ctx, "coinbase"))
	require.Equal(t, CircuitHalfOpen, tracker.GetHealth(ctx, "coinbase").CircuitState)
}

func TestTransitionLoserWaits(t *testing.T) {
	var b, _, db = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	b.timeNow = func() time.Time { return time.Now().Add(baseCooldown + time.Second) }
	db.failTransition = true

	require.Equal(t, halfOpenLoserWait, b.GetWaitTime(ctx, "coinbase"))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	require.True(t, tracker.ConditionalTransition(ctx, "coinbase", CircuitOpen, CircuitHalfOpen))

	for i := 0; i < SuccessThreshold; i++ {
		b.RecordSuccess(ctx, "coinbase", 25*time.Millisecond)
	}
	var h = tracker.GetHealth(ctx, "coinbase")
	require.Equal(t, CircuitClosed, h.CircuitState)
	require.Zero(t, h.ReopenCount)
}

func TestHalfOpenFailureReopensWithLongerCooldown(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	for i := 0; i < MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	require.True(t, tracker.ConditionalTransition(ctx, "coinbase", CircuitOpen, CircuitHalfOpen))
	b.RecordFailure(ctx, "coinbase", "probe failed")

	var h = tracker.GetHealth(ctx, "coinbase")
	require.Equal(t, CircuitOpen, h.CircuitState)
	require.EqualValues(t, 1, h.ReopenCount)

	var wait = b.GetWaitTime(ctx, "coinbase")
	require.Greater(t, wait, baseCooldown)
	require.LessOrEqual(t, wait, 2*baseCooldown)
}

func TestCooldownDoublesAndCaps(t *testing.T) {
	require.Equal(t, 10*time.Second, cooldownFor(0))
	require.Equal(t, 20*time.Second, cooldownFor(1))
	require.Equal(t, 40*time.Second, cooldownFor(2))
	require.Equal(t, 80*time.Second, cooldownFor(3))
	require.Equal(t, 120*time.Second, cooldownFor(4))
	require.Equal(t, 120*time.Second, cooldownFor(50))
}

func TestErrorRateDrivesStatus(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	// 3 failures in a window of 10 crosses the unhealthy threshold.
	for i := 0; i < 7; i++ {
		b.RecordSuccess(ctx, "coinbase", 10*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "coinbase", "5xx")
	}
	var h = tracker.GetHealth(ctx, "coinbase")
	require.Equal(t, StatusUnhealthy, h.Status)
	require.InDelta(t, 0.3, h.ErrorRate, 1e-9)
}

func TestResponseTimeEMA(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	b.RecordSuccess(ctx, "coinbase", 100*time.Millisecond)
	require.InDelta(t, 100, tracker.GetHealth(ctx, "coinbase").AvgResponseTimeMS, 1e-9)

	b.RecordSuccess(ctx, "coinbase", 200*time.Millisecond)
	// 0.2*200 + 0.8*100
	require.InDelta(t, 120, tracker.GetHealth(ctx, "coinbase").AvgResponseTimeMS, 1e-9)
}

func TestErrorMessageTruncated(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	var long = make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	b.RecordFailure(ctx, "coinbase", string(long))
	require.Len(t, tracker.GetHealth(ctx, "coinbase").LastErrorMessage, maxErrorMessageLen)
}

func TestErrorMessageTruncationKeepsRunesWhole(t *testing.T) {
	var b, tracker, _ = newTestBreaker(t)
	var ctx = context.Background()

	// '€' is three bytes, so the 500-byte cap falls mid-rune.
	var long = strings.Repeat("€", 200)
	b.RecordFailure(ctx, "coinbase", long)

	var got = tracker.GetHealth(ctx, "coinbase").LastErrorMessage
	require.True(t, utf8.ValidString(got))
	require.Len(t, got, maxErrorMessageLen-2)
}

func TestDisabledBreakerIsTransparent(t *testing.T) {
	var db = newFakeHealthDB()
	var tracker = NewTracker(db, "health", true)
	var b = NewBreaker(tracker, false, nil)
	var ctx = context.Background()

	for i := 0; i < 2*MaxRetries; i++ {
		b.RecordFailure(ctx, "coinbase", "boom")
	}
	require.Zero(t, b.GetWaitTime(ctx, "coinbase"))
	require.Zero(t, db.puts)
}
