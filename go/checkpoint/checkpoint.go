// Package checkpoint persists per-product ingest cursors. Each pipeline mode
// (ingest, full_refresh, backfill) keeps its checkpoints in a disjoint key
// namespace, so a backfill never disturbs the incremental cursor.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
)

// Pipeline modes. Each gets its own checkpoint namespace.
const (
	ModeIngest      = "ingest"
	ModeFullRefresh = "full_refresh"
	ModeBackfill    = "backfill"
)

// Checkpoint records how far ingestion has progressed for one product. The
// cursor is the highest page boundary whose raw data is durably written, so
// resuming from it never loses trades.
type Checkpoint struct {
	Cursor         uint64 `json:"cursor"`
	LastUpdated    string `json:"last_updated"`
	LastIngestTime string `json:"last_ingest_time,omitempty"`
	LastTradeID    uint64 `json:"last_trade_id,omitempty"`
}

// Store loads and saves checkpoints. Load returns nil for a missing or
// unreadable checkpoint, which callers treat as a cold start.
type Store interface {
	Load(ctx context.Context, mode, product string) (*Checkpoint, error)
	Save(ctx context.Context, mode, product string, cp *Checkpoint) error
}

// Key returns the object key for a product's checkpoint under a mode.
func Key(prefix, mode, product string) string {
	return fmt.Sprintf("%s/checkpoints/%s/%s.json", prefix, mode, product)
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Store keeps checkpoints as small JSON objects in S3. Saves are a single
// PutObject, which S3 applies atomically.
type S3Store struct {
	s3      S3API
	bucket  string
	prefix  string
	timeNow func() time.Time
}

// NewS3Store returns a store rooted at s3://bucket/prefix.
func NewS3Store(api S3API, bucket, prefix string) *S3Store {
	return &S3Store{s3: api, bucket: bucket, prefix: prefix, timeNow: time.Now}
}

func (s *S3Store) Load(ctx context.Context, mode, product string) (*Checkpoint, error) {
	var key = Key(s.prefix, mode, product)
	var out, err = s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("loading checkpoint %s: %w", key, err)
	}
	defer out.Body.Close()

	var body, rerr = io.ReadAll(out.Body)
	if rerr != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", key, rerr)
	}
	return decode(body, key), nil
}

func (s *S3Store) Save(ctx context.Context, mode, product string, cp *Checkpoint) error {
	cp.LastUpdated = s.timeNow().UTC().Format(time.RFC3339)
	var body, err = json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	var key = Key(s.prefix, mode, product)
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", key, err)
	}
	log.WithFields(log.Fields{"product": product, "mode": mode, "cursor": cp.Cursor}).Debug("saved checkpoint")
	return nil
}

// LocalStore keeps checkpoints on the local filesystem for development runs.
// Saves write to a temp file and rename, so a crash never leaves a torn
// checkpoint.
type LocalStore struct {
	root    string
	timeNow func() time.Time
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root, timeNow: time.Now}
}

func (l *LocalStore) path(mode, product string) string {
	return filepath.Join(l.root, "checkpoints", mode, product+".json")
}

func (l *LocalStore) Load(_ context.Context, mode, product string) (*Checkpoint, error) {
	var body, err = os.ReadFile(l.path(mode, product))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return decode(body, l.path(mode, product)), nil
}

func (l *LocalStore) Save(_ context.Context, mode, product string, cp *Checkpoint) error {
	cp.LastUpdated = l.timeNow().UTC().Format(time.RFC3339)
	var body, err = json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	var path = l.path(mode, product)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	var tmp = path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// decode treats a malformed checkpoint as absent. Restarting a product from
// scratch is safe (raw writes are idempotent); failing the run is not.
func decode(body []byte, key string) *Checkpoint {
	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("malformed checkpoint, treating as absent")
		return nil
	}
	return &cp
}
