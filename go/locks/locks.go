// Package locks implements a distributed lock manager backed by DynamoDB
// conditional writes. Locks carry a TTL so a crashed holder releases
// implicitly, and live holders renew in a background goroutine at half the
// TTL. Lock scopes used by the pipeline are "ingest" (covering incremental
// ingest and full-refresh), "backfill", and "transform".
package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// API is the subset of the DynamoDB client the lock manager uses.
type API interface {
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	UpdateItemWithContext(aws.Context, *dynamodb.UpdateItemInput, ...request.Option) (*dynamodb.UpdateItemOutput, error)
	DeleteItemWithContext(aws.Context, *dynamodb.DeleteItemInput, ...request.Option) (*dynamodb.DeleteItemOutput, error)
}

// DefaultTTL is the lock lifetime granted on acquire and on each renewal.
const DefaultTTL = 6 * time.Hour

// retryInterval is the sleep between acquire attempts when waiting on a
// held lock.
const retryInterval = 5 * time.Second

// Manager holds leases on named locks for one process. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	db      API
	table   string
	ttl     time.Duration
	lockID  string
	timeNow func() time.Time

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	stop chan struct{}
	done chan struct{}
}

// NewManager returns a Manager whose leases expire after ttl. Each Manager
// has a distinct holder identity (a UUID), so two Managers in one process
// still contend like separate processes.
func NewManager(db API, table string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		db:      db,
		table:   table,
		ttl:     ttl,
		lockID:  uuid.NewString(),
		timeNow: time.Now,
		held:    make(map[string]*heldLock),
	}
}

// LockID returns this manager's holder identity.
func (m *Manager) LockID() string { return m.lockID }

// Acquire attempts to take a named lock. If the lock is held but its TTL has
// elapsed, Acquire steals it. If it's legitimately held and wait is false,
// Acquire returns false immediately; otherwise it retries every five seconds
// until timeout expires. On success a renewal goroutine is started.
func (m *Manager) Acquire(ctx context.Context, name string, wait bool, timeout time.Duration) (bool, error) {
	var deadline = m.timeNow().Add(timeout)

	for {
		var expires = m.timeNow().Add(m.ttl).Unix()
		var _, err = m.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(m.table),
			Item: map[string]*dynamodb.AttributeValue{
				"lock_name":   {S: aws.String(name)},
				"lock_id":     {S: aws.String(m.lockID)},
				"acquired_at": {S: aws.String(m.timeNow().UTC().Format(time.RFC3339))},
				"ttl":         {N: aws.String(strconv.FormatInt(expires, 10))},
			},
			ConditionExpression: aws.String("attribute_not_exists(lock_name)"),
		})
		if err == nil {
			m.markHeld(name)
			log.WithFields(log.Fields{"lock": name, "lockId": m.lockID}).Info("acquired lock")
			return true, nil
		}
		if !isConditionFailed(err) {
			return false, fmt.Errorf("acquiring lock %q: %w", name, err)
		}

		// Lock row exists; steal it if its TTL has elapsed.
		stolen, err := m.steal(ctx, name, expires)
		if err != nil {
			return false, err
		}
		if stolen {
			m.markHeld(name)
			log.WithFields(log.Fields{"lock": name, "lockId": m.lockID}).Info("acquired expired lock")
			return true, nil
		}

		if !wait {
			log.WithField("lock", name).Warn("lock is held by another process")
			return false, nil
		}
		if !m.timeNow().Before(deadline) {
			log.WithField("lock", name).Warn("timed out waiting for lock")
			return false, nil
		}
		log.WithField("lock", name).Info("lock busy, retrying in 5s")

		var timer = time.NewTimer(retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
}

// steal replaces an expired lock row. The replacement is conditioned on the
// current holder's lock_id, so a concurrent steal loses the CAS and returns
// false.
func (m *Manager) steal(ctx context.Context, name string, newExpires int64) (bool, error) {
	var got, err = m.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key: map[string]*dynamodb.AttributeValue{
			"lock_name": {S: aws.String(name)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("reading lock %q: %w", name, err)
	}
	if got.Item == nil {
		// Released between our failed put and this read.
		return false, nil
	}

	var currentTTL int64
	if v := got.Item["ttl"]; v != nil && v.N != nil {
		currentTTL, _ = strconv.ParseInt(*v.N, 10, 64)
	}
	var currentID string
	if v := got.Item["lock_id"]; v != nil && v.S != nil {
		currentID = *v.S
	}
	if currentTTL >= m.timeNow().Unix() {
		return false, nil
	}

	_, err = m.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]*dynamodb.AttributeValue{
			"lock_name":   {S: aws.String(name)},
			"lock_id":     {S: aws.String(m.lockID)},
			"acquired_at": {S: aws.String(m.timeNow().UTC().Format(time.RFC3339))},
			"ttl":         {N: aws.String(strconv.FormatInt(newExpires, 10))},
		},
		ConditionExpression: aws.String("lock_id = :old_id"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":old_id": {S: aws.String(currentID)},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stealing lock %q: %w", name, err)
	}
	log.WithFields(log.Fields{"lock": name, "previousHolder": currentID}).Info("stole expired lock")
	return true, nil
}

// Renew extends the TTL on a held lock. A conditional-check failure means we
// no longer hold the lock; local state drops it and Renew returns false.
func (m *Manager) Renew(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	var _, holding = m.held[name]
	m.mu.Unlock()
	if !holding {
		return false, nil
	}

	var expires = m.timeNow().Add(m.ttl).Unix()
	var _, err = m.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(m.table),
		Key: map[string]*dynamodb.AttributeValue{
			"lock_name": {S: aws.String(name)},
		},
		UpdateExpression:    aws.String("SET #ttl = :ttl, renewed_at = :renewed"),
		ConditionExpression: aws.String("lock_id = :id"),
		ExpressionAttributeNames: map[string]*string{
			"#ttl": aws.String("ttl"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":ttl":     {N: aws.String(strconv.FormatInt(expires, 10))},
			":renewed": {S: aws.String(m.timeNow().UTC().Format(time.RFC3339))},
			":id":      {S: aws.String(m.lockID)},
		},
	})
	if isConditionFailed(err) {
		log.WithField("lock", name).Warn("cannot renew lock, no longer held")
		m.dropHeld(name)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("renewing lock %q: %w", name, err)
	}
	return true, nil
}

// Release stops the renewal goroutine and deletes the lock row, conditioned
// on our lock_id. An absent or mismatched row is not an error: the lock was
// already released or stolen.
func (m *Manager) Release(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	var h, holding = m.held[name]
	if holding {
		delete(m.held, name)
	}
	m.mu.Unlock()

	if !holding {
		log.WithField("lock", name).Warn("releasing a lock this instance does not hold")
		return false, nil
	}
	close(h.stop)
	<-h.done

	var _, err = m.db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.table),
		Key: map[string]*dynamodb.AttributeValue{
			"lock_name": {S: aws.String(name)},
		},
		ConditionExpression: aws.String("lock_id = :id"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":id": {S: aws.String(m.lockID)},
		},
	})
	if isConditionFailed(err) {
		log.WithField("lock", name).Warn("lock was already released or stolen")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("releasing lock %q: %w", name, err)
	}
	log.WithField("lock", name).Info("released lock")
	return true, nil
}

// ReleaseAll releases every lock this instance holds. Called on shutdown and
// on cancellation signals.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	var names = make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if _, err := m.Release(ctx, name); err != nil {
			log.WithFields(log.Fields{"lock": name, "error": err}).Error("failed to release lock")
		}
	}
}

// markHeld records the lease locally and starts its renewal goroutine.
func (m *Manager) markHeld(name string) {
	var h = &heldLock{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.held[name] = h
	m.mu.Unlock()

	go m.renewLoop(name, h)
}

func (m *Manager) dropHeld(name string) {
	// The renewal loop exits on its own when Renew reports the lock lost, so
	// only the local bookkeeping is cleared here.
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
}

// renewLoop renews the lease at half the TTL until stopped. Transient errors
// are logged and retried on the next tick; they never abort the holder.
func (m *Manager) renewLoop(name string, h *heldLock) {
	defer close(h.done)

	var interval = m.ttl / 2
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"lock": name, "interval": interval}).Info("started lock renewal")
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
			var renewed, err = m.Renew(ctx, name)
			cancel()
			if err != nil {
				log.WithFields(log.Fields{"lock": name, "error": err}).Error("failed to renew lock")
				continue
			}
			if !renewed {
				// Lost the lock; treated as an involuntary release.
				return
			}
		}
	}
}

func isConditionFailed(err error) bool {
	var ae awserr.Error
	return errors.As(err, &ae) && ae.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
