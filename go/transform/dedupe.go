package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
)

// QueryRunner executes one SQL statement and returns its rows, header
// excluded.
type QueryRunner interface {
	RunQuery(ctx context.Context, sql string) ([][]string, error)
}

// AthenaAPI is the subset of the Athena client the runner uses.
type AthenaAPI interface {
	StartQueryExecutionWithContext(aws.Context, *athena.StartQueryExecutionInput, ...request.Option) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecutionWithContext(aws.Context, *athena.GetQueryExecutionInput, ...request.Option) (*athena.GetQueryExecutionOutput, error)
	GetQueryResultsWithContext(aws.Context, *athena.GetQueryResultsInput, ...request.Option) (*athena.GetQueryResultsOutput, error)
}

// AthenaRunner runs queries through Athena, polling until completion.
type AthenaRunner struct {
	athena         AthenaAPI
	database       string
	workgroup      string
	outputLocation string
	pollInterval   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewAthenaRunner(api AthenaAPI, database, workgroup, outputLocation string) *AthenaRunner {
	return &AthenaRunner{
		athena:         api,
		database:       database,
		workgroup:      workgroup,
		outputLocation: outputLocation,
		pollInterval:   2 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			var timer = time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func (r *AthenaRunner) RunQuery(ctx context.Context, sql string) ([][]string, error) {
	var in = &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &athena.QueryExecutionContext{
			Database: aws.String(r.database),
		},
	}
	if r.workgroup != "" {
		in.WorkGroup = aws.String(r.workgroup)
	}
	if r.outputLocation != "" {
		in.ResultConfiguration = &athena.ResultConfiguration{
			OutputLocation: aws.String(r.outputLocation),
		}
	}

	var started, err = r.athena.StartQueryExecutionWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("starting query: %w", err)
	}
	var id = started.QueryExecutionId

	for {
		exec, err := r.athena.GetQueryExecutionWithContext(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: id,
		})
		if err != nil {
			return nil, fmt.Errorf("polling query %s: %w", aws.StringValue(id), err)
		}
		switch state := aws.StringValue(exec.QueryExecution.Status.State); state {
		case athena.QueryExecutionStateSucceeded:
			return r.results(ctx, id)
		case athena.QueryExecutionStateFailed, athena.QueryExecutionStateCancelled:
			var reason = aws.StringValue(exec.QueryExecution.Status.StateChangeReason)
			return nil, fmt.Errorf("query %s %s: %s", aws.StringValue(id), strings.ToLower(state), reason)
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (r *AthenaRunner) results(ctx context.Context, id *string) ([][]string, error) {
	var rows [][]string
	var token *string
	var first = true
	for {
		var out, err = r.athena.GetQueryResultsWithContext(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: id,
			NextToken:        token,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching query results: %w", err)
		}
		for _, row := range out.ResultSet.Rows {
			if first {
				// The first row of the first page is the header.
				first = false
				continue
			}
			var cells = make([]string, len(row.Data))
			for i, d := range row.Data {
				cells[i] = aws.StringValue(d.VarCharValue)
			}
			rows = append(rows, cells)
		}
		if out.NextToken == nil {
			return rows, nil
		}
		token = out.NextToken
	}
}

// DedupeS3API is the subset of the S3 client the deduper uses to swap
// prefixes.
type DedupeS3API interface {
	ListObjectsV2WithContext(aws.Context, *s3.ListObjectsV2Input, ...request.Option) (*s3.ListObjectsV2Output, error)
	CopyObjectWithContext(aws.Context, *s3.CopyObjectInput, ...request.Option) (*s3.CopyObjectOutput, error)
	DeleteObjectWithContext(aws.Context, *s3.DeleteObjectInput, ...request.Option) (*s3.DeleteObjectOutput, error)
}

// DedupeResult summarizes a cross-batch dedupe pass.
type DedupeResult struct {
	TotalRows         int64
	DistinctRows      int64
	DuplicatesRemoved int64
	ObjectsRewritten  int
}

// Deduper removes cross-batch duplicates from the unified layer by rewriting
// it through Athena: count, UNLOAD the deduplicated rows to a temp prefix,
// then swap the temp prefix in.
type Deduper struct {
	runner  QueryRunner
	s3      DedupeS3API
	bucket  string
	table   string
	prefix  string // unified prefix, e.g. "schemahub/unified"
	version int
}

func NewDeduper(runner QueryRunner, api DedupeS3API, bucket, table, prefix string, version int) *Deduper {
	if version < 1 {
		version = 1
	}
	return &Deduper{runner: runner, s3: api, bucket: bucket, table: table, prefix: prefix, version: version}
}

func (d *Deduper) livePrefix() string {
	return fmt.Sprintf("%s/v%d/", d.prefix, d.version)
}

func (d *Deduper) tempPrefix() string {
	return fmt.Sprintf("%s/v%d_dedupe_temp/", d.prefix, d.version)
}

// CountDuplicates returns the unified table's total and distinct row counts.
func (d *Deduper) CountDuplicates(ctx context.Context) (total, distinct int64, err error) {
	var sql = fmt.Sprintf(
		`SELECT count(*), count(DISTINCT concat(exchange, '|', symbol, '|', trade_id)) FROM %s`,
		d.table)
	rows, err := d.runner.RunQuery(ctx, sql)
	if err != nil {
		return 0, 0, fmt.Errorf("counting duplicates: %w", err)
	}
	if len(rows) != 1 || len(rows[0]) != 2 {
		return 0, 0, fmt.Errorf("unexpected count result shape: %v", rows)
	}
	if total, err = strconv.ParseInt(rows[0][0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parsing total count: %w", err)
	}
	if distinct, err = strconv.ParseInt(rows[0][1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parsing distinct count: %w", err)
	}
	return total, distinct, nil
}

// Run performs the dedupe pass. With no duplicates present it touches
// nothing.
func (d *Deduper) Run(ctx context.Context) (*DedupeResult, error) {
	var total, distinct, err = d.CountDuplicates(ctx)
	if err != nil {
		return nil, err
	}
	var result = &DedupeResult{
		TotalRows:         total,
		DistinctRows:      distinct,
		DuplicatesRemoved: total - distinct,
	}
	if result.DuplicatesRemoved == 0 {
		log.WithField("rows", total).Info("unified layer has no cross-batch duplicates")
		return result, nil
	}
	log.WithFields(log.Fields{
		"total":      total,
		"distinct":   distinct,
		"duplicates": result.DuplicatesRemoved,
	}).Info("rewriting unified layer to drop duplicates")

	var unload = fmt.Sprintf(
		`UNLOAD (
			SELECT exchange, symbol, trade_id, side, price, quantity, trade_ts
			FROM (
				SELECT *, ROW_NUMBER() OVER (
					PARTITION BY exchange, symbol, trade_id ORDER BY trade_ts DESC
				) AS rn FROM %s
			) WHERE rn = 1
		) TO 's3://%s/%s' WITH (format = 'PARQUET', compression = 'SNAPPY')`,
		d.table, d.bucket, d.tempPrefix())
	if _, err := d.runner.RunQuery(ctx, unload); err != nil {
		return nil, fmt.Errorf("unloading deduplicated rows: %w", err)
	}

	// The temp prefix now holds the complete deduplicated layer; swap it in.
	if _, err := d.deletePrefix(ctx, d.livePrefix()); err != nil {
		return nil, err
	}
	moved, err := d.movePrefix(ctx, d.tempPrefix(), d.livePrefix())
	if err != nil {
		return nil, err
	}
	result.ObjectsRewritten = moved
	log.WithFields(log.Fields{"objects": moved, "prefix": d.livePrefix()}).Info("dedupe complete")
	return result, nil
}

func (d *Deduper) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		var out, err = d.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}
		if out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (d *Deduper) deletePrefix(ctx context.Context, prefix string) (int, error) {
	var keys, err = d.listPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := d.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return 0, fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return len(keys), nil
}

func (d *Deduper) movePrefix(ctx context.Context, from, to string) (int, error) {
	var keys, err = d.listPrefix(ctx, from)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		var dest = to + strings.TrimPrefix(key, from)
		if _, err := d.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			CopySource: aws.String(d.bucket + "/" + key),
			Key:        aws.String(dest),
		}); err != nil {
			return 0, fmt.Errorf("copying %s: %w", key, err)
		}
		if _, err := d.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return 0, fmt.Errorf("removing %s after copy: %w", key, err)
		}
	}
	return len(keys), nil
}
