package locks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/require"
)

// fakeDynamo implements API over an in-memory table, honoring the small set
// of condition expressions the Manager uses.
type fakeDynamo struct {
	items map[string]map[string]*dynamodb.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]*dynamodb.AttributeValue)}
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "the conditional request failed", nil)
}

func (f *fakeDynamo) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	var name = *in.Item["lock_name"].S
	var existing, exists = f.items[name]

	switch cond := aws.StringValue(in.ConditionExpression); cond {
	case "attribute_not_exists(lock_name)":
		if exists {
			return nil, conditionFailed()
		}
	case "lock_id = :old_id":
		if !exists || *existing["lock_id"].S != *in.ExpressionAttributeValues[":old_id"].S {
			return nil, conditionFailed()
		}
	}
	f.items[name] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	var item = f.items[*in.Key["lock_name"].S]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	var name = *in.Key["lock_name"].S
	var existing, exists = f.items[name]
	if !exists || *existing["lock_id"].S != *in.ExpressionAttributeValues[":id"].S {
		return nil, conditionFailed()
	}
	existing["ttl"] = in.ExpressionAttributeValues[":ttl"]
	existing["renewed_at"] = in.ExpressionAttributeValues[":renewed"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	var name = *in.Key["lock_name"].S
	var existing, exists = f.items[name]
	if !exists || *existing["lock_id"].S != *in.ExpressionAttributeValues[":id"].S {
		return nil, conditionFailed()
	}
	delete(f.items, name)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) ttlOf(name string) int64 {
	var n, _ = strconv.ParseInt(*f.items[name]["ttl"].N, 10, 64)
	return n
}

func TestAcquireAndRelease(t *testing.T) {
	var db = newFakeDynamo()
	var m = NewManager(db, "locks", time.Hour)
	var ctx = context.Background()

	var ok, err = m.Acquire(ctx, "ingest", false, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, db.items, "ingest")
	require.Equal(t, m.LockID(), *db.items["ingest"]["lock_id"].S)

	ok, err = m.Release(ctx, "ingest")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, db.items, "ingest")
}

func TestAcquireContendedReturnsFalse(t *testing.T) {
	var db = newFakeDynamo()
	var ctx = context.Background()

	var first = NewManager(db, "locks", time.Hour)
	var ok, err = first.Acquire(ctx, "ingest", false, 0)
	require.NoError(t, err)
	require.True(t, ok)

	var second = NewManager(db, "locks", time.Hour)
	ok, err = second.Acquire(ctx, "ingest", false, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	var db = newFakeDynamo()
	var ctx = context.Background()

	var first = NewManager(db, "locks", time.Hour)
	var ok, _ = first.Acquire(ctx, "ingest", false, 0)
	require.True(t, ok)

	// Age the first holder's lease past its TTL.
	var second = NewManager(db, "locks", time.Hour)
	second.timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }

	ok, err := second.Acquire(ctx, "ingest", false, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.LockID(), *db.items["ingest"]["lock_id"].S)
}

func TestStealLosesCASToConcurrentHolder(t *testing.T) {
	var db = newFakeDynamo()
	var ctx = context.Background()

	// Seed an expired row belonging to some departed holder.
	db.items["ingest"] = map[string]*dynamodb.AttributeValue{
		"lock_name": {S: aws.String("ingest")},
		"lock_id":   {S: aws.String("departed-holder")},
		"ttl":       {N: aws.String("1")},
	}

	var m = NewManager(db, "locks", time.Hour)
	// Simulate a concurrent steal landing between our read and CAS by
	// mutating the row's lock_id mid-flight via a wrapped GetItem.
	var wrapped = &racingDynamo{fakeDynamo: db}
	m.db = wrapped

	var ok, err = m.Acquire(ctx, "ingest", false, 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "rival-holder", *db.items["ingest"]["lock_id"].S)
}

type racingDynamo struct {
	*fakeDynamo
}

func (r *racingDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	var out, err = r.fakeDynamo.GetItemWithContext(ctx, in, opts...)
	if err == nil && out.Item != nil {
		// Copy what the caller sees, then let a rival replace the row.
		var seen = make(map[string]*dynamodb.AttributeValue, len(out.Item))
		for k, v := range out.Item {
			seen[k] = v
		}
		r.items[*in.Key["lock_name"].S]["lock_id"] = &dynamodb.AttributeValue{S: aws.String("rival-holder")}
		out = &dynamodb.GetItemOutput{Item: seen}
	}
	return out, err
}

func TestRenewExtendsTTL(t *testing.T) {
	var db = newFakeDynamo()
	var m = NewManager(db, "locks", time.Hour)
	var ctx = context.Background()

	var ok, _ = m.Acquire(ctx, "transform", false, 0)
	require.True(t, ok)
	var before = db.ttlOf("transform")

	m.timeNow = func() time.Time { return time.Now().Add(30 * time.Minute) }
	renewed, err := m.Renew(ctx, "transform")
	require.NoError(t, err)
	require.True(t, renewed)
	require.Greater(t, db.ttlOf("transform"), before)
}

func TestRenewAfterLossDropsLock(t *testing.T) {
	var db = newFakeDynamo()
	var m = NewManager(db, "locks", time.Hour)
	var ctx = context.Background()

	var ok, _ = m.Acquire(ctx, "transform", false, 0)
	require.True(t, ok)

	// A rival replaces the row out from under us.
	db.items["transform"]["lock_id"] = &dynamodb.AttributeValue{S: aws.String("rival")}

	renewed, err := m.Renew(ctx, "transform")
	require.NoError(t, err)
	require.False(t, renewed)

	// Local state dropped it; a release is a no-op.
	released, err := m.Release(ctx, "transform")
	require.NoError(t, err)
	require.False(t, released)
}

func TestReleaseAll(t *testing.T) {
	var db = newFakeDynamo()
	var m = NewManager(db, "locks", time.Hour)
	var ctx = context.Background()

	for _, name := range []string{"ingest", "transform", "backfill"} {
		var ok, err = m.Acquire(ctx, name, false, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	m.ReleaseAll(ctx)
	require.Empty(t, db.items)
}

func TestReleaseNotHeldIsNotAnError(t *testing.T) {
	var m = NewManager(newFakeDynamo(), "locks", time.Hour)
	var ok, err = m.Release(context.Background(), "never-acquired")
	require.NoError(t, err)
	require.False(t, ok)
}
