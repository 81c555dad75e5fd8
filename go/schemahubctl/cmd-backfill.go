package main

import (
	"time"

	"github.com/picklesueat/crypto-data-platform/go/checkpoint"
	"github.com/picklesueat/crypto-data-platform/go/coinbase"
	"github.com/picklesueat/crypto-data-platform/go/ingest"
)

type cmdBackfill struct {
	Products         string        `long:"products" description:"Comma-separated product ids; defaults to the seed file"`
	SeedFile         string        `long:"seed-file" default:"seeds/products.yaml" description:"Product seed file"`
	Filter           string        `long:"filter" description:"Regex filter applied to seed products"`
	Prefix           string        `long:"prefix" default:"schemahub" description:"Key prefix for the data lake"`
	Start            uint64        `long:"start" description:"Trade id to backfill from (0 = first trade)"`
	End              uint64        `long:"end" description:"Trade id to backfill to (0 = latest trade)"`
	Workers          int           `long:"workers" default:"3" description:"Concurrent products (max 10)"`
	ChunkConcurrency int           `long:"chunk-concurrency" default:"5" description:"Concurrent pages per product (max 25)"`
	Limit            int           `long:"limit" default:"1000" description:"Trades per API page"`
	CacheBatchSize   int           `long:"cache-batch-size" description:"Trades buffered per raw object (defaults to --limit)"`
	DryRun           bool          `long:"dry-run" description:"Fetch but write nothing"`
	WaitForLock      bool          `long:"wait-for-lock" description:"Wait for the backfill lock instead of failing"`
	LockTimeout      time.Duration `long:"lock-timeout" default:"10m" description:"How long to wait for the lock"`
	ExchangeURL      string        `long:"exchange-url" env:"EXCHANGE_URL" description:"Override the exchange API endpoint"`

	Args struct {
		Product string `positional-arg-name:"product" description:"Single product id to backfill"`
	} `positional-args:"yes"`

	AWS awsOptions `group:"AWS" namespace:"aws" env-namespace:"AWS"`
	Log logOptions `group:"Logging"`
}

func (cmd cmdBackfill) Execute(_ []string) error {
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

	var controller = ingest.NewController(
		conn.exchangeClient(cmd.ExchangeURL),
		checkpoint.NewS3Store(conn.s3, cmd.AWS.Bucket, cmd.Prefix),
		ingest.NewRawWriter(conn.s3, cmd.AWS.Bucket),
		conn.locks,
		conn.metrics,
		ingest.Config{
			Products:         products,
			Mode:             checkpoint.ModeBackfill,
			ProductWorkers:   cmd.Workers,
			ChunkConcurrency: cmd.ChunkConcurrency,
			PageLimit:        cmd.Limit,
			CacheBatchSize:   cmd.CacheBatchSize,
			RawPrefix:        cmd.Prefix,
			Source:           coinbase.Source,
			BackfillStart:    cmd.Start,
			BackfillEnd:      cmd.End,
			DryRun:           cmd.DryRun,
			WaitForLock:      cmd.WaitForLock,
			LockTimeout:      cmd.LockTimeout,
		},
	)
	return runPipeline(controller)
}
