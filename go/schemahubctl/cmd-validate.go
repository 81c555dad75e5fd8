package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/manifest"
	"github.com/picklesueat/crypto-data-platform/go/validation"
)

type cmdValidate struct {
	Prefix        string `long:"prefix" default:"schemahub" description:"Key prefix for the data lake"`
	UnifiedPrefix string `long:"unified-prefix" default:"schemahub/unified" description:"Key prefix for the unified layer"`
	Version       int    `long:"version" default:"1" description:"Unified layer version to validate"`
	Full          bool   `long:"full" description:"Scan the entire layer instead of the newest batch"`

	AWS awsOptions `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	Log logOptions `group:"Logging"`
}

func (cmd cmdValidate) Execute(_ []string) error {
	initLog(cmd.Log)

	var conn, err = connect(cmd.AWS)
	if err != nil {
		return err
	}
	defer conn.close()

	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var validator = validation.NewValidator(conn.s3, cmd.AWS.Bucket, cmd.UnifiedPrefix, cmd.Version)
	if man, err := manifest.NewStore(conn.s3, cmd.AWS.Bucket, cmd.Prefix+"/manifest.json").Load(ctx); err == nil {
		validator = validator.WithManifestUpdatedAt(man.LastUpdateTS)
	} else {
		log.WithField("error", err).Warn("manifest unreadable, skipping staleness check")
	}
	var report *validation.Report
	if cmd.Full {
		report, err = validator.ValidateFull(ctx)
	} else {
		report, err = validator.ValidateBatch(ctx)
	}
	if err != nil {
		return err
	}

	conn.metrics.ValidationResult(report.Mode, report.Passed())
	if encodeErr := json.NewEncoder(os.Stdout).Encode(report); encodeErr != nil {
		return encodeErr
	}
	if !report.Passed() {
		return fmt.Errorf("validation failed with %d issues", len(report.Issues))
	}
	return nil
}
