package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/ingest"
	"github.com/picklesueat/crypto-data-platform/go/manifest"
	"github.com/picklesueat/crypto-data-platform/go/transform"
	"github.com/picklesueat/crypto-data-platform/go/validation"
)

type cmdTransform struct {
	Prefix        string `long:"prefix" default:"schemahub" description:"Key prefix for the data lake"`
	UnifiedPrefix string `long:"unified-prefix" default:"schemahub/unified" description:"Key prefix for the unified layer"`
	Rebuild       bool   `long:"rebuild" description:"Reprocess all raw files, ignoring the manifest"`
	BatchSize     int    `long:"batch-size" default:"500000" description:"Records per unified parquet file"`
	ParallelFetch int    `long:"parallel-fetch" default:"5" description:"Concurrent raw object downloads"`

	AthenaDatabase  string `long:"athena-database" env:"ATHENA_DATABASE" description:"Athena database for cross-batch dedupe"`
	AthenaTable     string `long:"athena-table" env:"ATHENA_TABLE" description:"Athena table over the unified layer"`
	AthenaWorkgroup string `long:"athena-workgroup" env:"ATHENA_WORKGROUP" description:"Athena workgroup"`
	AthenaOutput    string `long:"athena-output" env:"ATHENA_OUTPUT" description:"Athena query result location (s3://...)"`
	SkipDedupe      bool   `long:"skip-dedupe" description:"Skip the Athena dedupe pass"`
	SkipValidation  bool   `long:"skip-validation" description:"Skip post-transform validation"`
	FullScan        bool   `long:"full-scan" description:"Validate the entire unified layer instead of the newest batch"`

	WaitForLock bool          `long:"wait-for-lock" description:"Wait for the transform lock instead of failing"`
	LockTimeout time.Duration `long:"lock-timeout" default:"10m" description:"How long to wait for the lock"`

	AWS awsOptions `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	Log logOptions `group:"Logging"`
}

type transformSummary struct {
	Pipeline          string  `json:"pipeline"`
	Status            string  `json:"status"`
	RunID             string  `json:"run_id"`
	RecordsWritten    int64   `json:"records_written"`
	FilesProcessed    int     `json:"files_processed"`
	DuplicatesDropped int64   `json:"duplicates_dropped"`
	Version           int     `json:"version"`
	Replay            bool    `json:"replay"`
	DupRatio          float64 `json:"dup_ratio,omitempty"`
}

func (cmd cmdTransform) Execute(_ []string) error {
	initLog(cmd.Log)

	var conn, err = connect(cmd.AWS)
	if err != nil {
		return err
	}
	defer conn.close()

	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ok, err := conn.locks.Acquire(ctx, "transform", cmd.WaitForLock, cmd.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquiring transform lock: %w", err)
	}
	if !ok {
		return ingest.ErrLockUnavailable
	}

	var summary = transformSummary{Pipeline: "transform", Status: ingest.StatusFailure}
	defer func() {
		if encodeErr := json.NewEncoder(os.Stdout).Encode(summary); encodeErr != nil {
			log.WithField("error", encodeErr).Error("failed to encode run summary")
		}
	}()

	var store = manifest.NewStore(conn.s3, cmd.AWS.Bucket, cmd.Prefix+"/manifest.json")
	var version, rebuild, replay = cmd.resolvePlan(ctx, store)
	summary.Version = version
	summary.Replay = replay

	var engine = transform.NewEngine(conn.s3, store, transform.Config{
		Bucket:        cmd.AWS.Bucket,
		RawPrefix:     cmd.Prefix,
		UnifiedPrefix: cmd.UnifiedPrefix,
		Version:       version,
		BatchSize:     cmd.BatchSize,
		ParallelFetch: cmd.ParallelFetch,
		Rebuild:       rebuild,
	})
	result, err := engine.Run(ctx)
	if err != nil {
		cmd.recordFailure(ctx, store)
		return err
	}
	summary.RunID = result.RunID
	summary.RecordsWritten = result.RecordsWritten
	summary.FilesProcessed = result.FilesProcessed
	summary.DuplicatesDropped = result.DuplicatesDropped
	conn.metrics.TransformRecords(result.RecordsWritten)

	if !cmd.SkipDedupe && cmd.AthenaTable != "" {
		var runner = transform.NewAthenaRunner(conn.athena(), cmd.AthenaDatabase, cmd.AthenaWorkgroup, cmd.AthenaOutput)
		var deduper = transform.NewDeduper(runner, conn.s3, cmd.AWS.Bucket, cmd.AthenaTable, cmd.UnifiedPrefix, version)
		dedupeResult, err := deduper.Run(ctx)
		if err != nil {
			cmd.recordFailure(ctx, store)
			return err
		}
		summary.DuplicatesDropped += dedupeResult.DuplicatesRemoved
	}

	if !cmd.SkipValidation {
		var validator = validation.NewValidator(conn.s3, cmd.AWS.Bucket, cmd.UnifiedPrefix, version)
		var report *validation.Report
		if cmd.FullScan {
			report, err = validator.ValidateFull(ctx)
		} else {
			report, err = validator.ValidateBatch(ctx)
		}
		if err != nil {
			cmd.recordFailure(ctx, store)
			return err
		}
		summary.DupRatio = report.DupRatio
		conn.metrics.ValidationResult(report.Mode, report.Passed())
		cmd.recordValidation(ctx, store, report)
		if !report.Passed() {
			cmd.recordFailure(ctx, store)
			for _, issue := range report.Issues {
				log.WithFields(log.Fields{"code": issue.Code, "severity": issue.Severity}).Error(issue.Message)
			}
			return fmt.Errorf("unified layer failed validation with %d issues", len(report.Issues))
		}
	}

	if replay {
		cmd.clearReplay(ctx, store)
	}
	summary.Status = ingest.StatusSuccess
	return nil
}

// resolvePlan decides which version to write and whether to rebuild. A
// manifest signaling replay (repeated failures or duplicate pressure) flips
// the run into a full rebuild of the other version.
func (cmd cmdTransform) resolvePlan(ctx context.Context, store *manifest.Store) (version int, rebuild, replay bool) {
	rebuild = cmd.Rebuild
	version = 1

	var man, err = store.Load(ctx)
	if err != nil {
		// The engine will notice too and force a rebuild of everything.
		log.WithField("error", err).Warn("manifest unreadable, planning a rebuild")
		return version, true, false
	}
	version = man.LastVersion

	if trigger, reason := man.ShouldTriggerReplay(); trigger {
		var from = version
		version = man.NextVersion()
		rebuild = true
		replay = true
		man.MarkReplay(from, version, reason, time.Now().UTC().Format(time.RFC3339))
		if err := store.Save(ctx, man); err != nil {
			log.WithField("error", err).Error("failed to record replay start")
		}
		log.WithFields(log.Fields{"version": version, "reason": reason}).Warn("replay triggered, rebuilding unified layer")
	}
	return version, rebuild, replay
}

// recordValidation folds the validation outcome into the manifest so replay
// decisions and operators can see it.
func (cmd cmdTransform) recordValidation(ctx context.Context, store *manifest.Store, report *validation.Report) {
	var man, err = store.Load(ctx)
	if err != nil {
		log.WithField("error", err).Error("cannot record validation outcome in manifest")
		return
	}
	var issues []string
	for _, issue := range report.Issues {
		issues = append(issues, issue.Message)
	}
	man.RecordValidation(report.Passed(), issues)
	if err := store.Save(ctx, man); err != nil {
		log.WithField("error", err).Error("failed to save manifest after validation")
	}
}

func (cmd cmdTransform) recordFailure(ctx context.Context, store *manifest.Store) {
	var man, err = store.Load(ctx)
	if err != nil {
		log.WithField("error", err).Error("cannot record transform failure in manifest")
		return
	}
	man.RecordFailure(time.Now().UTC().Format(time.RFC3339))
	if err := store.Save(ctx, man); err != nil {
		log.WithField("error", err).Error("failed to save manifest after failure")
	}
}

func (cmd cmdTransform) clearReplay(ctx context.Context, store *manifest.Store) {
	var man, err = store.Load(ctx)
	if err != nil {
		log.WithField("error", err).Error("cannot clear replay flag")
		return
	}
	man.ClearReplay()
	if err := store.Save(ctx, man); err != nil {
		log.WithField("error", err).Error("failed to save manifest after replay")
	}
}
