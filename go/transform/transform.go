// Package transform compacts raw NDJSON trade objects into the unified
// parquet layer. It is incremental by default, consulting the manifest for
// already-processed raw files, and tolerant of the field-name drift found in
// raw payloads from different capture eras.
package transform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/manifest"
)

// DefaultBatchSize is the record count per unified parquet file.
const DefaultBatchSize = 500000

// DefaultParallelFetch is how many raw objects are downloaded concurrently.
const DefaultParallelFetch = 5

// UnifiedRecord is one row of the unified trades schema. trade_id is a string
// column, matching its string serialization in the raw layer.
type UnifiedRecord struct {
	Exchange string    `parquet:"exchange" json:"exchange"`
	Symbol   string    `parquet:"symbol" json:"symbol"`
	TradeID  string    `parquet:"trade_id" json:"trade_id"`
	Side     string    `parquet:"side" json:"side"`
	Price    float64   `parquet:"price" json:"price"`
	Quantity float64   `parquet:"quantity" json:"quantity"`
	TradeTS  time.Time `parquet:"trade_ts,timestamp(microsecond)" json:"trade_ts"`
}

// RequiredColumns is the unified schema's column set, used by validation.
var RequiredColumns = []string{"exchange", "symbol", "trade_id", "side", "price", "quantity", "trade_ts"}

// S3API is the subset of the S3 client the engine uses.
type S3API interface {
	ListObjectsV2WithContext(aws.Context, *s3.ListObjectsV2Input, ...request.Option) (*s3.ListObjectsV2Output, error)
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
}

// Config parameterizes one transform run.
type Config struct {
	Bucket        string
	RawPrefix     string
	UnifiedPrefix string
	Version       int // unified layer version, v1 or v2
	BatchSize     int
	ParallelFetch int
	Rebuild       bool // reprocess everything, ignoring the manifest
}

func (c *Config) applyDefaults() {
	if c.BatchSize < 1 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ParallelFetch < 1 {
		c.ParallelFetch = DefaultParallelFetch
	}
	if c.Version < 1 {
		c.Version = 1
	}
}

// Result summarizes a transform run.
type Result struct {
	RunID             string
	FilesProcessed    int
	RecordsWritten    int64
	DuplicatesDropped int64
	MalformedDropped  int64
	OutputKeys        []string
	Rebuild           bool
}

// Engine runs the raw-to-unified transform.
type Engine struct {
	s3       S3API
	manifest *manifest.Store
	cfg      Config
	timeNow  func() time.Time
}

func NewEngine(api S3API, store *manifest.Store, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{s3: api, manifest: store, cfg: cfg, timeNow: time.Now}
}

// Run transforms all unprocessed raw files into unified parquet batches and
// records them in the manifest. A manifest that cannot be loaded forces a
// rebuild: reprocessing everything is safe, silently skipping files is not.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	var result = &Result{
		RunID:   uuid.NewString(),
		Rebuild: e.cfg.Rebuild,
	}

	var man, err = e.manifest.Load(ctx)
	if err != nil {
		log.WithField("error", err).Warn("manifest unreadable, rebuilding unified layer")
		man = manifest.New()
		result.Rebuild = true
	}

	rawKeys, err := e.listRawKeys(ctx)
	if err != nil {
		return nil, err
	}
	var todo []string
	for _, key := range rawKeys {
		if result.Rebuild || !man.IsProcessed(key) {
			todo = append(todo, key)
		}
	}
	log.WithFields(log.Fields{
		"runId":      result.RunID,
		"rawObjects": len(rawKeys),
		"toProcess":  len(todo),
		"rebuild":    result.Rebuild,
	}).Info("starting transform run")
	if len(todo) == 0 {
		return result, nil
	}

	var buffer []UnifiedRecord
	var seen = make(map[dedupeKey]struct{})

	var flush = func() error {
		if len(buffer) == 0 {
			return nil
		}
		var key, err = e.writeBatch(ctx, result.RunID, buffer)
		if err != nil {
			return err
		}
		result.OutputKeys = append(result.OutputKeys, key)
		result.RecordsWritten += int64(len(buffer))
		buffer = buffer[:0]
		seen = make(map[dedupeKey]struct{})
		return nil
	}

	for start := 0; start < len(todo); start += e.cfg.ParallelFetch {
		var end = start + e.cfg.ParallelFetch
		if end > len(todo) {
			end = len(todo)
		}
		batches, err := e.fetchFiles(ctx, todo[start:end])
		if err != nil {
			return nil, err
		}
		for i, body := range batches {
			var key = todo[start+i]
			var records, malformed = parseRawFile(key, body)
			result.MalformedDropped += malformed
			for _, rec := range records {
				var dk = dedupeKey{rec.Exchange, rec.Symbol, rec.TradeID}
				if _, dup := seen[dk]; dup {
					result.DuplicatesDropped++
					continue
				}
				seen[dk] = struct{}{}
				buffer = append(buffer, rec)
				if len(buffer) >= e.cfg.BatchSize {
					if err := flush(); err != nil {
						return nil, err
					}
				}
			}
			man.MarkProcessed(key)
			result.FilesProcessed++
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	man.RecordTransform(manifest.TransformRun{
		RunID:          result.RunID,
		Timestamp:      e.timeNow().UTC().Format(time.RFC3339),
		FilesProcessed: result.FilesProcessed,
		RecordsWritten: result.RecordsWritten,
		Duplicates:     result.DuplicatesDropped,
		Version:        e.cfg.Version,
		Rebuild:        result.Rebuild,
	})
	if err := e.manifest.Save(ctx, man); err != nil {
		return nil, fmt.Errorf("saving manifest: %w", err)
	}

	log.WithFields(log.Fields{
		"runId":      result.RunID,
		"files":      result.FilesProcessed,
		"records":    result.RecordsWritten,
		"duplicates": result.DuplicatesDropped,
		"outputs":    len(result.OutputKeys),
	}).Info("transform run complete")
	return result, nil
}

type dedupeKey struct {
	exchange string
	symbol   string
	tradeID  string
}

// listRawKeys returns all raw NDJSON keys under the raw prefix, sorted so
// processing order is deterministic.
func (e *Engine) listRawKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		var out, err = e.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(e.cfg.Bucket),
			Prefix:            aws.String(e.cfg.RawPrefix + "/raw_"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing raw objects: %w", err)
		}
		for _, obj := range out.Contents {
			if strings.HasSuffix(*obj.Key, ".jsonl") {
				keys = append(keys, *obj.Key)
			}
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// fetchFiles downloads a slice of raw objects concurrently, preserving order.
func (e *Engine) fetchFiles(ctx context.Context, keys []string) ([][]byte, error) {
	var bodies = make([][]byte, len(keys))
	var errs = make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			var out, err = e.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(e.cfg.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				errs[i] = fmt.Errorf("fetching %s: %w", key, err)
				return
			}
			defer out.Body.Close()
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(out.Body); err != nil {
				errs[i] = fmt.Errorf("reading %s: %w", key, err)
				return
			}
			bodies[i] = buf.Bytes()
		}(i, key)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return bodies, nil
}

// writeBatch encodes records as one parquet object under the versioned
// unified prefix.
func (e *Engine) writeBatch(ctx context.Context, runID string, records []UnifiedRecord) (string, error) {
	var buf bytes.Buffer
	var w = parquet.NewGenericWriter[UnifiedRecord](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(records); err != nil {
		return "", fmt.Errorf("encoding parquet batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing parquet batch: %w", err)
	}

	var key = fmt.Sprintf("%s/v%d/unified_trades_%s_%s_%d.parquet",
		e.cfg.UnifiedPrefix, e.cfg.Version,
		e.timeNow().UTC().Format("20060102T150405Z"), runID, len(records))

	var _, err = e.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return "", fmt.Errorf("writing unified batch %s: %w", key, err)
	}
	log.WithFields(log.Fields{"key": key, "records": len(records)}).Info("wrote unified batch")
	return key, nil
}

// rawKeyPattern extracts the product symbol from a raw object key, e.g.
// schemahub/raw_coinbase_trades_BTC-USD_20260824T120000Z_ab12_1_1000_1000.jsonl
var rawKeyPattern = regexp.MustCompile(`raw_([a-z0-9]+)_trades_([A-Z0-9-]+)_`)

// tradeIDValue decodes a trade id that older raw files wrote as a JSON number
// and current ones write as a string.
type tradeIDValue string

func (v *tradeIDValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = tradeIDValue(s)
		return nil
	}
	*v = tradeIDValue(b)
	return nil
}

// rawLine mirrors the tolerated field variants found in raw payloads.
type rawLine struct {
	TradeID   tradeIDValue `json:"trade_id"`
	ID        tradeIDValue `json:"id"`
	ProductID string       `json:"product_id"`
	Price     json.Number  `json:"price"`
	Size      json.Number  `json:"size"`
	Qty       json.Number  `json:"qty"`
	Quantity  json.Number  `json:"quantity"`
	Time      string       `json:"time"`
	Timestamp json.Number  `json:"timestamp"`
	Side      string       `json:"side"`
	Source    string       `json:"_source"`
}

// parseRawFile converts one raw NDJSON object into unified records, dropping
// lines that cannot be made whole and counting them.
func parseRawFile(key string, body []byte) ([]UnifiedRecord, int64) {
	var exchange, symbol = "", ""
	if m := rawKeyPattern.FindStringSubmatch(key); m != nil {
		exchange, symbol = m[1], m[2]
	}

	var records []UnifiedRecord
	var malformed int64
	var scanner = bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var line = bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			malformed++
			continue
		}
		var rec, ok = raw.toUnified(exchange, symbol)
		if !ok {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("truncated raw object")
	}
	return records, malformed
}

func (r *rawLine) toUnified(exchange, symbol string) (UnifiedRecord, bool) {
	var rec UnifiedRecord

	rec.Exchange = exchange
	if r.Source != "" {
		rec.Exchange = r.Source
	}
	// The record's own product wins over the symbol parsed from the key.
	rec.Symbol = symbol
	if r.ProductID != "" {
		rec.Symbol = r.ProductID
	}

	var id = string(r.TradeID)
	if id == "" {
		id = string(r.ID)
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return rec, false
	}
	rec.TradeID = id

	var err error
	var price = firstNumber(r.Price)
	if price == "" {
		return rec, false
	}
	if rec.Price, err = price.Float64(); err != nil {
		return rec, false
	}

	var qty = firstNumber(r.Size, r.Qty, r.Quantity)
	if qty == "" {
		return rec, false
	}
	if rec.Quantity, err = qty.Float64(); err != nil {
		return rec, false
	}

	rec.Side = strings.ToLower(r.Side)
	if rec.Side != "buy" && rec.Side != "sell" {
		return rec, false
	}

	ts, ok := parseTradeTime(r.Time, r.Timestamp)
	if !ok {
		return rec, false
	}
	rec.TradeTS = ts
	return rec, rec.Exchange != "" && rec.Symbol != ""
}

func firstNumber(nums ...json.Number) json.Number {
	for _, n := range nums {
		if n != "" {
			return n
		}
	}
	return ""
}

// parseTradeTime accepts ISO 8601 strings or epoch seconds/milliseconds.
func parseTradeTime(iso string, epoch json.Number) (time.Time, bool) {
	if iso != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999Z", "2006-01-02 15:04:05.999999"} {
			if t, err := time.Parse(layout, iso); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	if epoch != "" {
		var f, err = epoch.Float64()
		if err != nil {
			return time.Time{}, false
		}
		// Millisecond epochs are thirteen digits; anything past the year
		// 33658 in seconds is assumed to be milliseconds.
		if f > 1e12 {
			f /= 1000
		}
		var sec = int64(f)
		var nsec = int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
	return time.Time{}, false
}
