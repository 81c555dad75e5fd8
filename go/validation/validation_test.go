package validation

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/picklesueat/crypto-data-platform/go/transform"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) ListObjectsV2WithContext(_ aws.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out = &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	var body, ok = f.objects[*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

var testNow = time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)

func record(symbol string, id int64, age time.Duration) transform.UnifiedRecord {
	return transform.UnifiedRecord{
		Exchange: "coinbase",
		Symbol:   symbol,
		TradeID:  strconv.FormatInt(id, 10),
		Side:     "buy",
		Price:    100.5,
		Quantity: 0.5,
		TradeTS:  testNow.Add(-age),
	}
}

func writeUnified(t *testing.T, store *fakeS3, name string, records []transform.UnifiedRecord) {
	t.Helper()
	var buf bytes.Buffer
	var w = parquet.NewGenericWriter[transform.UnifiedRecord](&buf)
	var _, err = w.Write(records)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	store.objects["schemahub/unified/v1/"+name] = buf.Bytes()
}

func newTestValidator(store *fakeS3) *Validator {
	var v = NewValidator(store, "bucket", "schemahub/unified", 1)
	v.timeNow = func() time.Time { return testNow }
	return v
}

func TestValidateBatchPasses(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_b.parquet", []transform.UnifiedRecord{
		record("BTC-USD", 1, time.Minute),
		record("BTC-USD", 2, time.Minute),
	})

	var report, err = newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.True(t, report.Passed())
	require.EqualValues(t, 2, report.Records)
	require.Empty(t, report.Issues)
}

func TestValidateBatchChecksNewestFileOnly(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{record("BTC-USD", 1, time.Minute)})
	writeUnified(t, store, "unified_trades_b.parquet", []transform.UnifiedRecord{record("BTC-USD", 2, time.Minute)})

	var report, err = newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Files)
	require.EqualValues(t, 1, report.Records)
}

func TestValidateBatchFlagsBadValues(t *testing.T) {
	var store = newFakeS3()
	var bad = record("BTC-USD", 1, time.Minute)
	bad.Price = -1
	var worse = record("BTC-USD", 2, time.Minute)
	worse.Side = "hold"
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{bad, worse})

	var report, err = newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.False(t, report.Passed())

	var codes []string
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, "bad_price")
	require.Contains(t, codes, "bad_side")
}

func TestValidateBatchFailsOnDupRatio(t *testing.T) {
	var store = newFakeS3()
	// 2 duplicates out of 12 rows is above the 5% gate.
	var records []transform.UnifiedRecord
	for i := int64(1); i <= 10; i++ {
		records = append(records, record("BTC-USD", i, time.Minute))
	}
	records = append(records, record("BTC-USD", 1, time.Minute), record("BTC-USD", 2, time.Minute))
	writeUnified(t, store, "unified_trades_a.parquet", records)

	var report, err = newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.False(t, report.Passed())
	require.EqualValues(t, 2, report.Duplicates)
	require.InDelta(t, 2.0/12.0, report.DupRatio, 1e-9)
}

func TestValidateBatchWarnsWhenStale(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{record("BTC-USD", 1, 3*time.Hour)})

	var report, err = newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	// Staleness in a batch is a warning, not a failure.
	require.True(t, report.Passed())
	require.Len(t, report.Issues, 1)
	require.Equal(t, "stale_batch", report.Issues[0].Code)
}

func TestValidateBatchWarnsOnStaleManifest(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{record("BTC-USD", 1, time.Minute)})

	var v = newTestValidator(store).WithManifestUpdatedAt(testNow.Add(-3 * time.Hour).Format(time.RFC3339))
	var report, err = v.ValidateBatch(context.Background())
	require.NoError(t, err)
	require.True(t, report.Passed())

	var codes []string
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, "stale_manifest")

	// A recently updated manifest raises nothing.
	v = newTestValidator(store).WithManifestUpdatedAt(testNow.Add(-10 * time.Minute).Format(time.RFC3339))
	report, err = v.ValidateBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Issues)
}

func TestValidateBatchMissingColumns(t *testing.T) {
	type truncated struct {
		Exchange string `parquet:"exchange"`
		Symbol   string `parquet:"symbol"`
		TradeID  string `parquet:"trade_id"`
	}
	var buf bytes.Buffer
	var w = parquet.NewGenericWriter[truncated](&buf)
	var _, err = w.Write([]truncated{{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var store = newFakeS3()
	store.objects["schemahub/unified/v1/unified_trades_a.parquet"] = buf.Bytes()

	report, err := newTestValidator(store).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.False(t, report.Passed())
	require.Equal(t, "missing_columns", report.Issues[0].Code)
	require.Contains(t, report.Issues[0].Message, "price")
	require.Contains(t, report.Issues[0].Message, "trade_ts")
}

func TestValidateBatchNoData(t *testing.T) {
	var report, err = newTestValidator(newFakeS3()).ValidateBatch(context.Background())
	require.NoError(t, err)
	require.False(t, report.Passed())
	require.Equal(t, "no_data", report.Issues[0].Code)
}

func TestValidateFullCrossFileDuplicatesAndGaps(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{
		record("BTC-USD", 1, time.Minute),
		record("BTC-USD", 2, time.Minute),
	})
	writeUnified(t, store, "unified_trades_b.parquet", []transform.UnifiedRecord{
		record("BTC-USD", 2, time.Minute), // cross-file duplicate
		record("BTC-USD", 10, time.Minute),
	})

	var report, err = newTestValidator(store).ValidateFull(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Files)
	require.EqualValues(t, 3, report.Records)
	require.EqualValues(t, 1, report.Duplicates)

	var codes []string
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, "id_gap")
}

func TestValidateFullFailsWhenLayerTooOld(t *testing.T) {
	var store = newFakeS3()
	writeUnified(t, store, "unified_trades_a.parquet", []transform.UnifiedRecord{record("BTC-USD", 1, 5*time.Hour)})

	var report, err = newTestValidator(store).ValidateFull(context.Background())
	require.NoError(t, err)
	require.False(t, report.Passed())

	var found bool
	for _, issue := range report.Issues {
		if issue.Code == "stale_layer" {
			found = true
		}
	}
	require.True(t, found)
}
