// Package manifest tracks the state of the unified layer: which raw files
// have been transformed, recent transform outcomes, duplicate trends, and
// replay bookkeeping. The manifest is a single JSON object in S3 and is only
// mutated under the transform lock.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
)

// DefaultKey is where the manifest lives in the bucket.
const DefaultKey = "schemahub/manifest.json"

const (
	historyLimit  = 50
	dupTrendLimit = 5

	// replayFailureThreshold triggers a unified-layer replay after this many
	// consecutive failed or invalid transform outcomes.
	replayFailureThreshold = 2
	// replayDupRatio triggers a replay when a run's duplicate ratio exceeds it.
	replayDupRatio = 0.05
)

// TransformRun is one entry of the transform history. The quality-gate fields
// are filled in by RecordValidation once the run's output has been checked.
type TransformRun struct {
	RunID            string   `json:"run_id"`
	Timestamp        string   `json:"timestamp"`
	FilesProcessed   int      `json:"files_processed"`
	RecordsWritten   int64    `json:"records_written"`
	Duplicates       int64    `json:"duplicates"`
	DupRatio         float64  `json:"dup_ratio"`
	Version          int      `json:"version"`
	Rebuild          bool     `json:"rebuild"`
	QualityGate      string   `json:"quality_gate,omitempty"`
	ValidationIssues []string `json:"validation_issues,omitempty"`
}

// HealthState summarizes recent transform outcomes.
type HealthState struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastStatus          string `json:"last_status"`
	LastRunTS           string `json:"last_run_ts"`
}

// DupTrend is one duplicate-ratio sample.
type DupTrend struct {
	Timestamp  string  `json:"timestamp"`
	Duplicates int64   `json:"duplicates"`
	Records    int64   `json:"records"`
	Ratio      float64 `json:"ratio"`
}

// ReplayEntry records one replay of the unified layer.
type ReplayEntry struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// Manifest is the unified layer's state document.
type Manifest struct {
	ProcessedRawFiles    []string                 `json:"processed_raw_files"`
	TransformHistory     []TransformRun           `json:"transform_history"`
	Health               HealthState              `json:"health"`
	DupTrends            []DupTrend               `json:"dup_trends"`
	LastVersion          int                      `json:"last_version"`
	LastUpdateTS         string                   `json:"last_update_ts,omitempty"`
	LastValidationIssues []string                 `json:"last_validation_issues,omitempty"`
	ReplayedVersions     map[string][]ReplayEntry `json:"replayed_versions"`
	ReplayTriggered      bool                     `json:"_replay_triggered"`

	processed map[string]struct{}
}

// New returns an empty manifest pointing at version 1.
func New() *Manifest {
	return &Manifest{
		LastVersion:      1,
		ReplayedVersions: make(map[string][]ReplayEntry),
		processed:        make(map[string]struct{}),
	}
}

func (m *Manifest) index() {
	if m.processed == nil {
		m.processed = make(map[string]struct{}, len(m.ProcessedRawFiles))
		for _, key := range m.ProcessedRawFiles {
			m.processed[key] = struct{}{}
		}
	}
}

// IsProcessed reports whether a raw file has already been transformed.
func (m *Manifest) IsProcessed(key string) bool {
	m.index()
	var _, ok = m.processed[key]
	return ok
}

// MarkProcessed records a raw file as transformed.
func (m *Manifest) MarkProcessed(key string) {
	m.index()
	if _, ok := m.processed[key]; ok {
		return
	}
	m.processed[key] = struct{}{}
	m.ProcessedRawFiles = append(m.ProcessedRawFiles, key)
	sort.Strings(m.ProcessedRawFiles)
}

// ClearProcessed forgets all processed files, used when rebuilding.
func (m *Manifest) ClearProcessed() {
	m.ProcessedRawFiles = nil
	m.processed = make(map[string]struct{})
}

// RecordTransform folds a successful run into the history, health, and
// duplicate trends.
func (m *Manifest) RecordTransform(run TransformRun) {
	var total = run.RecordsWritten + run.Duplicates
	var ratio float64
	if total > 0 {
		ratio = float64(run.Duplicates) / float64(total)
	}
	run.DupRatio = ratio

	m.TransformHistory = append(m.TransformHistory, run)
	if len(m.TransformHistory) > historyLimit {
		m.TransformHistory = m.TransformHistory[len(m.TransformHistory)-historyLimit:]
	}
	m.Health.ConsecutiveFailures = 0
	m.Health.LastStatus = "success"
	m.Health.LastRunTS = run.Timestamp
	m.LastUpdateTS = run.Timestamp
	m.LastVersion = run.Version

	m.DupTrends = append(m.DupTrends, DupTrend{
		Timestamp:  run.Timestamp,
		Duplicates: run.Duplicates,
		Records:    run.RecordsWritten,
		Ratio:      ratio,
	})
	if len(m.DupTrends) > dupTrendLimit {
		m.DupTrends = m.DupTrends[len(m.DupTrends)-dupTrendLimit:]
	}
}

// RecordFailure folds a failed or invalid run outcome into health.
func (m *Manifest) RecordFailure(ts string) {
	m.Health.ConsecutiveFailures++
	m.Health.LastStatus = "failure"
	m.Health.LastRunTS = ts
	m.LastUpdateTS = ts
}

// RecordValidation attaches a validation outcome to the newest transform run
// and to the manifest's own issue list.
func (m *Manifest) RecordValidation(passed bool, issues []string) {
	m.LastValidationIssues = issues
	if len(m.TransformHistory) == 0 {
		return
	}
	var last = &m.TransformHistory[len(m.TransformHistory)-1]
	last.ValidationIssues = issues
	if passed {
		last.QualityGate = "passed"
	} else {
		last.QualityGate = "failed"
	}
}

// ShouldTriggerReplay reports whether the unified layer needs a replay and
// why: an unfinished replay still flagged, repeated failures, or any recent
// run's duplicate ratio above threshold.
func (m *Manifest) ShouldTriggerReplay() (bool, string) {
	if m.ReplayTriggered {
		return true, "replay flag still set from an earlier run"
	}
	if m.Health.ConsecutiveFailures >= replayFailureThreshold {
		return true, fmt.Sprintf("%d consecutive failed runs", m.Health.ConsecutiveFailures)
	}
	for _, trend := range m.DupTrends {
		if trend.Ratio > replayDupRatio {
			return true, fmt.Sprintf("duplicate ratio %.3f at %s exceeds %.2f", trend.Ratio, trend.Timestamp, replayDupRatio)
		}
	}
	return false, ""
}

// NextVersion returns the version a replay should write to. Versions toggle
// between 1 and 2 so readers keep a consistent layer while the other is
// rebuilt.
func (m *Manifest) NextVersion() int {
	if m.LastVersion == 1 {
		return 2
	}
	return 1
}

// MarkReplay records that a replay from one version into another has begun.
// The history is append-only, keyed by the transition.
func (m *Manifest) MarkReplay(from, to int, reason, ts string) {
	m.ReplayTriggered = true
	if m.ReplayedVersions == nil {
		m.ReplayedVersions = make(map[string][]ReplayEntry)
	}
	var key = fmt.Sprintf("%d_to_%d", from, to)
	m.ReplayedVersions[key] = append(m.ReplayedVersions[key], ReplayEntry{Timestamp: ts, Reason: reason})
}

// ClearReplay resets the replay flag after a successful replay.
func (m *Manifest) ClearReplay() {
	m.ReplayTriggered = false
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
}

// Store reads and writes the manifest object.
type Store struct {
	s3     S3API
	bucket string
	key    string
}

func NewStore(api S3API, bucket, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{s3: api, bucket: bucket, key: key}
}

// Load fetches the manifest. A missing manifest is a fresh one; a present but
// unreadable manifest is an error, since acting on a half-read manifest could
// skip raw files silently.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	var out, err = s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
			log.WithField("key", s.key).Info("no manifest found, starting fresh")
			return New(), nil
		}
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.LastVersion < 1 {
		m.LastVersion = 1
	}
	if m.ReplayedVersions == nil {
		m.ReplayedVersions = make(map[string][]ReplayEntry)
	}
	return &m, nil
}

// Save writes the manifest back in one put.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	var body, err = json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	return nil
}
