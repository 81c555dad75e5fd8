// Package validation checks the unified layer before it is trusted
// downstream: schema shape, value sanity, duplicate pressure, and data
// freshness. Batch validation inspects the newest parquet object; full
// validation scans the whole versioned layer.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/transform"
)

const (
	// MaxDupRatio fails validation when duplicates exceed this share of rows.
	MaxDupRatio = 0.05
	// BatchStaleAfter warns when a product's newest trade is older than this.
	BatchStaleAfter = 2 * time.Hour
	// FullMaxAge fails a full validation whose newest trade is older than this.
	FullMaxAge = 4 * time.Hour
)

// Severity levels for validation issues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one finding from a validation pass.
type Issue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Report is the outcome of a validation pass.
type Report struct {
	Mode       string  `json:"mode"` // "batch" or "full"
	Files      int     `json:"files"`
	Records    int64   `json:"records"`
	Duplicates int64   `json:"duplicates"`
	DupRatio   float64 `json:"dup_ratio"`
	NewestTS   string  `json:"newest_ts,omitempty"`
	Issues     []Issue `json:"issues,omitempty"`
}

func (r *Report) addError(code, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) addWarning(code, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Passed reports whether the pass found no error-severity issues.
func (r *Report) Passed() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// S3API is the subset of the S3 client the validator uses.
type S3API interface {
	ListObjectsV2WithContext(aws.Context, *s3.ListObjectsV2Input, ...request.Option) (*s3.ListObjectsV2Output, error)
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
}

// Validator checks unified parquet objects under one versioned prefix.
type Validator struct {
	s3         S3API
	bucket     string
	prefix     string // unified prefix, e.g. "schemahub/unified"
	version    int
	manifestTS time.Time
	timeNow    func() time.Time
}

func NewValidator(api S3API, bucket, prefix string, version int) *Validator {
	if version < 1 {
		version = 1
	}
	return &Validator{s3: api, bucket: bucket, prefix: prefix, version: version, timeNow: time.Now}
}

// WithManifestUpdatedAt tells batch validation when the manifest last changed,
// so a transform pipeline that silently stopped running gets flagged.
func (v *Validator) WithManifestUpdatedAt(ts string) *Validator {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		v.manifestTS = t
	}
	return v
}

func (v *Validator) versionPrefix() string {
	return fmt.Sprintf("%s/v%d/", v.prefix, v.version)
}

// ValidateBatch validates the newest unified object.
func (v *Validator) ValidateBatch(ctx context.Context) (*Report, error) {
	var report = &Report{Mode: "batch"}
	var keys, err = v.listParquet(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		report.addError("no_data", "no unified objects under %s", v.versionPrefix())
		return report, nil
	}

	var newest = keys[len(keys)-1]
	report.Files = 1
	if err := v.validateFile(ctx, newest, report, newState()); err != nil {
		return nil, err
	}
	if !v.manifestTS.IsZero() {
		if age := v.timeNow().Sub(v.manifestTS); age > BatchStaleAfter {
			report.addWarning("stale_manifest", "manifest last updated %s ago", age.Round(time.Minute))
		}
	}
	v.finish(report)
	return report, nil
}

// ValidateFull validates every unified object in the versioned layer,
// including cross-file duplicates and per-product id gaps.
func (v *Validator) ValidateFull(ctx context.Context) (*Report, error) {
	var report = &Report{Mode: "full"}
	var keys, err = v.listParquet(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		report.addError("no_data", "no unified objects under %s", v.versionPrefix())
		return report, nil
	}

	var state = newState()
	for _, key := range keys {
		if err := v.validateFile(ctx, key, report, state); err != nil {
			return nil, err
		}
		report.Files++
	}
	state.checkGaps(report)
	v.checkAge(report, state)
	v.finish(report)
	return report, nil
}

// scanState accumulates cross-file facts during a pass.
type scanState struct {
	seen     map[tradeKey]struct{}
	ids      map[string][]int64 // product -> trade ids
	newestTS time.Time
}

type tradeKey struct {
	exchange string
	symbol   string
	tradeID  string
}

func newState() *scanState {
	return &scanState{
		seen: make(map[tradeKey]struct{}),
		ids:  make(map[string][]int64),
	}
}

func (s *scanState) checkGaps(report *Report) {
	for product, ids := range s.ids {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var maxGap int64
		for i := 1; i < len(ids); i++ {
			if gap := ids[i] - ids[i-1] - 1; gap > maxGap {
				maxGap = gap
			}
		}
		if maxGap > 0 {
			report.addWarning("id_gap", "%s has a gap of %d trade ids", product, maxGap)
		}
	}
}

func (v *Validator) checkAge(report *Report, state *scanState) {
	if state.newestTS.IsZero() {
		return
	}
	if age := v.timeNow().Sub(state.newestTS); age > FullMaxAge {
		report.addError("stale_layer", "newest trade is %s old, limit %s", age.Round(time.Minute), FullMaxAge)
	}
}

func (v *Validator) finish(report *Report) {
	if report.Records+report.Duplicates > 0 {
		report.DupRatio = float64(report.Duplicates) / float64(report.Records+report.Duplicates)
	}
	if report.DupRatio > MaxDupRatio {
		report.addError("dup_ratio", "duplicate ratio %.3f exceeds %.2f", report.DupRatio, MaxDupRatio)
	}
	log.WithFields(log.Fields{
		"mode":       report.Mode,
		"files":      report.Files,
		"records":    report.Records,
		"duplicates": report.Duplicates,
		"issues":     len(report.Issues),
		"passed":     report.Passed(),
	}).Info("validation complete")
}

func (v *Validator) listParquet(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		var out, err = v.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(v.bucket),
			Prefix:            aws.String(v.versionPrefix()),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing unified objects: %w", err)
		}
		for _, obj := range out.Contents {
			if strings.HasSuffix(*obj.Key, ".parquet") {
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

func (v *Validator) validateFile(ctx context.Context, key string, report *Report, state *scanState) error {
	var out, err = v.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("fetching %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	var file *parquet.File
	file, err = parquet.OpenFile(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		report.addError("unreadable", "%s: %v", key, err)
		return nil
	}

	if missing := missingColumns(file); len(missing) > 0 {
		report.addError("missing_columns", "%s lacks required columns: %s", key, strings.Join(missing, ", "))
		return nil
	}

	rows, err := parquet.Read[transform.UnifiedRecord](bytes.NewReader(body), int64(len(body)))
	if err != nil {
		report.addError("unreadable", "%s: %v", key, err)
		return nil
	}

	for _, row := range rows {
		var k = tradeKey{row.Exchange, row.Symbol, row.TradeID}
		if _, dup := state.seen[k]; dup {
			report.Duplicates++
			continue
		}
		state.seen[k] = struct{}{}
		report.Records++

		if row.Price <= 0 {
			report.addError("bad_price", "%s %s trade %s has price %v", row.Exchange, row.Symbol, row.TradeID, row.Price)
		}
		if row.Quantity <= 0 {
			report.addError("bad_quantity", "%s %s trade %s has quantity %v", row.Exchange, row.Symbol, row.TradeID, row.Quantity)
		}
		if row.Side != "buy" && row.Side != "sell" {
			report.addError("bad_side", "%s %s trade %s has side %q", row.Exchange, row.Symbol, row.TradeID, row.Side)
		}
		if id, err := strconv.ParseInt(row.TradeID, 10, 64); err == nil {
			state.ids[row.Symbol] = append(state.ids[row.Symbol], id)
		} else {
			report.addError("bad_trade_id", "%s %s has non-numeric trade id %q", row.Exchange, row.Symbol, row.TradeID)
		}
		if row.TradeTS.After(state.newestTS) {
			state.newestTS = row.TradeTS
		}
	}

	if !state.newestTS.IsZero() {
		report.NewestTS = state.newestTS.UTC().Format(time.RFC3339)
		if age := v.timeNow().Sub(state.newestTS); age > BatchStaleAfter && report.Mode == "batch" {
			report.addWarning("stale_batch", "newest trade in %s is %s old", key, age.Round(time.Minute))
		}
	}
	return nil
}

func missingColumns(file *parquet.File) []string {
	var present = make(map[string]struct{})
	for _, field := range file.Schema().Fields() {
		present[field.Name()] = struct{}{}
	}
	var missing []string
	for _, col := range transform.RequiredColumns {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}
