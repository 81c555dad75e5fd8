package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/checkpoint"
	"github.com/picklesueat/crypto-data-platform/go/coinbase"
	"github.com/picklesueat/crypto-data-platform/go/ingest"
	"github.com/picklesueat/crypto-data-platform/go/seeds"
)

type cmdIngest struct {
	Products         string        `long:"products" description:"Comma-separated product ids; defaults to the seed file"`
	SeedFile         string        `long:"seed-file" default:"seeds/products.yaml" description:"Product seed file"`
	Filter           string        `long:"filter" description:"Regex filter applied to seed products"`
	Prefix           string        `long:"prefix" default:"schemahub" description:"Key prefix for the data lake"`
	FullRefresh      bool          `long:"full-refresh" description:"Re-ingest from the first trade under the full_refresh namespace"`
	Workers          int           `long:"workers" default:"3" description:"Concurrent products (max 10)"`
	ChunkConcurrency int           `long:"chunk-concurrency" default:"5" description:"Concurrent pages per product (max 25)"`
	Limit            int           `long:"limit" default:"1000" description:"Trades per API page"`
	CacheBatchSize   int           `long:"cache-batch-size" description:"Trades buffered per raw object (defaults to --limit)"`
	DryRun           bool          `long:"dry-run" description:"Fetch but write nothing"`
	WaitForLock      bool          `long:"wait-for-lock" description:"Wait for the pipeline lock instead of failing"`
	LockTimeout      time.Duration `long:"lock-timeout" default:"10m" description:"How long to wait for the lock"`
	ExchangeURL      string        `long:"exchange-url" env:"EXCHANGE_URL" description:"Override the exchange API endpoint"`
	LocalDir         string        `long:"local-dir" description:"Keep checkpoints on the local filesystem (development)"`

	Args struct {
		Product string `positional-arg-name:"product" description:"Single product id to ingest"`
	} `positional-args:"yes"`

	AWS awsOptions `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	Log logOptions `group:"Logging"`
}

func (cmd cmdIngest) Execute(_ []string) error {
	initLog(cmd.Log)

	var products, err = resolveProducts(cmd.Args.Product, cmd.Products, cmd.SeedFile, cmd.Filter)
	if err != nil {
		return err
	}

	conn, err := connect(cmd.AWS)
	if err != nil {
		return err
	}
	defer conn.close()

	var mode = checkpoint.ModeIngest
	if cmd.FullRefresh {
		mode = checkpoint.ModeFullRefresh
	}
	var store checkpoint.Store = checkpoint.NewS3Store(conn.s3, cmd.AWS.Bucket, cmd.Prefix)
	if cmd.LocalDir != "" {
		store = checkpoint.NewLocalStore(cmd.LocalDir)
	}

	var controller = ingest.NewController(
		conn.exchangeClient(cmd.ExchangeURL),
		store,
		ingest.NewRawWriter(conn.s3, cmd.AWS.Bucket),
		conn.locks,
		conn.metrics,
		ingest.Config{
			Products:         products,
			Mode:             mode,
			ProductWorkers:   cmd.Workers,
			ChunkConcurrency: cmd.ChunkConcurrency,
			PageLimit:        cmd.Limit,
			CacheBatchSize:   cmd.CacheBatchSize,
			RawPrefix:        cmd.Prefix,
			Source:           coinbase.Source,
			DryRun:           cmd.DryRun,
			WaitForLock:      cmd.WaitForLock,
			LockTimeout:      cmd.LockTimeout,
		},
	)
	return runPipeline(controller)
}

// resolveProducts picks the product list: the positional argument wins, then
// the --products flag, then the seed file.
func resolveProducts(positional, flagValue, seedFile, filter string) ([]string, error) {
	if positional != "" {
		return []string{positional}, nil
	}
	if flagValue != "" {
		var products []string
		for _, p := range strings.Split(flagValue, ",") {
			if p = strings.TrimSpace(p); p != "" {
				products = append(products, p)
			}
		}
		return products, nil
	}

	var seed, err = seeds.Load(seedFile)
	if err != nil {
		return nil, err
	}
	products, err := seed.Filter(filter)
	if err != nil {
		return nil, usageError{err}
	}
	if len(products) == 0 {
		return nil, usageError{fmt.Errorf("no products: pass --products or populate %s", seedFile)}
	}
	return products, nil
}

// runPipeline runs a controller with signal handling and prints the one-line
// JSON run summary on stdout, regardless of outcome.
func runPipeline(controller *ingest.Controller) error {
	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var summary, err = controller.Run(ctx)
	if encodeErr := json.NewEncoder(os.Stdout).Encode(summary); encodeErr != nil {
		log.WithField("error", encodeErr).Error("failed to encode run summary")
	}
	return err
}
