package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/coinbase"
)

// S3API is the subset of the S3 client the raw writer uses.
type S3API interface {
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
}

// RawObjectKey builds the immutable raw-layer object key. The timestamp is
// the product's session start, fixed for the whole run, so a retried window
// overwrites its earlier attempt byte-for-byte instead of duplicating it.
func RawObjectKey(prefix, source, product string, sessionStart time.Time, runID string, first, last uint64, count int) string {
	return fmt.Sprintf("%s/raw_%s_trades_%s_%s_%s_%d_%d_%d.jsonl",
		prefix, source, product,
		sessionStart.UTC().Format("20060102T150405Z"),
		runID, first, last, count)
}

// RawWriter lands batches of enriched trade records as NDJSON objects.
type RawWriter struct {
	s3     S3API
	bucket string
}

func NewRawWriter(api S3API, bucket string) *RawWriter {
	return &RawWriter{s3: api, bucket: bucket}
}

// WriteJSONL serializes records one JSON document per line and writes the
// object in a single put.
func (w *RawWriter) WriteJSONL(ctx context.Context, key string, records []coinbase.RawRecord) error {
	var buf bytes.Buffer
	var enc = json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding raw record %s: %w", rec.TradeID, err)
		}
	}

	var _, err = w.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("writing raw object %s: %w", key, err)
	}
	log.WithFields(log.Fields{
		"key":     key,
		"records": len(records),
		"bytes":   buf.Len(),
	}).Info("wrote raw object")
	return nil
}
