package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/checkpoint"
	"github.com/picklesueat/crypto-data-platform/go/coinbase"
)

// ErrLockUnavailable means another pipeline run holds the lock. The CLI maps
// this to a distinct exit code so schedulers can tell "busy" from "broken".
var ErrLockUnavailable = errors.New("pipeline lock held by another run")

// Run statuses reported in the run summary.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailure        = "failure"
)

// TradeSource is the exchange surface the controller needs.
type TradeSource interface {
	PageFetcher
	LatestTradeID(ctx context.Context, product string) (uint64, error)
}

// Locker serializes pipeline runs across processes.
type Locker interface {
	Acquire(ctx context.Context, name string, wait bool, timeout time.Duration) (bool, error)
	Release(ctx context.Context, name string) (bool, error)
}

// MetricsSink receives ingest outcome metrics. All methods are fire-and-forget.
type MetricsSink interface {
	ProductIngest(product string, records int)
	IngestOutcome(pipeline string, success bool)
}

// Config parameterizes one controller run.
type Config struct {
	Products []string
	Mode     string // checkpoint.ModeIngest, ModeFullRefresh, or ModeBackfill

	ProductWorkers   int // concurrent products, default 3, capped at 10
	ChunkConcurrency int // concurrent pages per product, default 5, capped at 25
	PageLimit        int // trades per page, default 1000
	CacheBatchSize   int // trades buffered per raw object, default 5000

	RawPrefix string
	Source    string

	// Backfill bounds; zero means "from genesis" / "to the latest trade".
	BackfillStart uint64
	BackfillEnd   uint64

	DryRun      bool
	WaitForLock bool
	LockTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProductWorkers < 1 {
		c.ProductWorkers = 3
	}
	if c.ProductWorkers > 10 {
		c.ProductWorkers = 10
	}
	if c.ChunkConcurrency < 1 {
		c.ChunkConcurrency = 5
	}
	if c.ChunkConcurrency > 25 {
		c.ChunkConcurrency = 25
	}
	if c.PageLimit < 1 || c.PageLimit > coinbase.DefaultPageLimit {
		c.PageLimit = coinbase.DefaultPageLimit
	}
	// Unset, the flush window matches the page size: one raw object per page.
	if c.CacheBatchSize < c.PageLimit {
		c.CacheBatchSize = c.PageLimit
	}
	if c.Mode == "" {
		c.Mode = checkpoint.ModeIngest
	}
	if c.Source == "" {
		c.Source = coinbase.Source
	}
}

// lockName maps the run mode to its lock scope. Incremental ingest and full
// refresh write the same raw namespace, so they share one lock; backfill
// writes its own namespace and may run alongside.
func (c *Config) lockName() string {
	if c.Mode == checkpoint.ModeBackfill {
		return "backfill"
	}
	return "ingest"
}

// Summary is the single-line JSON run report emitted on stdout.
type Summary struct {
	Pipeline          string `json:"pipeline"`
	Status            string `json:"status"`
	RunID             string `json:"run_id"`
	RecordsWritten    int64  `json:"records_written"`
	ProductsProcessed int    `json:"products_processed"`
	CheckpointTS      string `json:"checkpoint_ts"`
}

// Controller runs the ingestion pipeline: one bounded worker pool over
// products, each product fetching page windows in parallel and flushing them
// raw-first, checkpoint-second.
type Controller struct {
	source      TradeSource
	checkpoints checkpoint.Store
	writer      *RawWriter
	locks       Locker
	metrics     MetricsSink
	progress    *Progress
	cfg         Config

	timeNow func() time.Time
}

// NewController wires a Controller. metrics may be nil.
func NewController(source TradeSource, store checkpoint.Store, writer *RawWriter, locks Locker, metrics MetricsSink, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		source:      source,
		checkpoints: store,
		writer:      writer,
		locks:       locks,
		metrics:     metrics,
		progress:    NewProgress(30 * time.Second),
		cfg:         cfg,
	}
}

func (c *Controller) now() time.Time {
	if c.timeNow != nil {
		return c.timeNow()
	}
	return time.Now()
}

// Run executes the pipeline over all configured products and returns the run
// summary. Individual product failures degrade the status rather than abort
// the run; the lock being held is the one hard stop.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	var runID = uuid.NewString()
	var summary = Summary{
		Pipeline: c.cfg.Mode,
		RunID:    runID,
	}

	if c.locks != nil {
		var ok, err = c.locks.Acquire(ctx, c.cfg.lockName(), c.cfg.WaitForLock, c.cfg.LockTimeout)
		if err != nil {
			summary.Status = StatusFailure
			return summary, fmt.Errorf("acquiring %s lock: %w", c.cfg.lockName(), err)
		}
		if !ok {
			summary.Status = StatusFailure
			return summary, ErrLockUnavailable
		}
		defer func() {
			var releaseCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := c.locks.Release(releaseCtx, c.cfg.lockName()); err != nil {
				log.WithField("error", err).Error("failed to release pipeline lock")
			}
		}()
	}

	log.WithFields(log.Fields{
		"runId":    runID,
		"mode":     c.cfg.Mode,
		"products": len(c.cfg.Products),
		"workers":  c.cfg.ProductWorkers,
		"dryRun":   c.cfg.DryRun,
	}).Info("starting ingest run")

	c.progress.Start()
	defer c.progress.Stop()

	var work = make(chan string)
	var mu sync.Mutex
	var failures []error
	var processed int

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.ProductWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for product := range work {
				var err = c.processProduct(ctx, runID, product)
				mu.Lock()
				if err != nil {
					failures = append(failures, fmt.Errorf("%s: %w", product, err))
				} else {
					processed++
				}
				mu.Unlock()
				if c.metrics != nil {
					c.metrics.IngestOutcome(c.cfg.Mode, err == nil)
				}
			}
		}()
	}
	for _, product := range c.cfg.Products {
		work <- product
	}
	close(work)
	wg.Wait()

	summary.RecordsWritten = c.progress.Records()
	summary.ProductsProcessed = processed
	summary.CheckpointTS = c.now().UTC().Format(time.RFC3339)

	switch {
	case len(failures) == 0:
		summary.Status = StatusSuccess
	case processed > 0:
		summary.Status = StatusPartialFailure
	default:
		summary.Status = StatusFailure
	}
	for _, err := range failures {
		log.WithField("error", err).Error("product ingest failed")
	}

	var err error
	if len(failures) > 0 {
		err = fmt.Errorf("%d of %d products failed: %w", len(failures), len(c.cfg.Products), failures[0])
	}
	return summary, err
}

// startCursor resolves where a product resumes from, per mode.
func (c *Controller) startCursor(ctx context.Context, product string) (uint64, error) {
	var cp, err = c.checkpoints.Load(ctx, c.cfg.Mode, product)
	if err != nil {
		return 0, err
	}
	if cp != nil {
		return cp.Cursor, nil
	}
	if c.cfg.Mode == checkpoint.ModeBackfill {
		return c.cfg.BackfillStart, nil
	}
	return 0, nil
}

func (c *Controller) processProduct(ctx context.Context, runID, product string) error {
	var sessionStart = c.now()
	var logger = log.WithFields(log.Fields{"product": product, "mode": c.cfg.Mode})

	var cursor, err = c.startCursor(ctx, product)
	if err != nil {
		return err
	}

	target, err := c.source.LatestTradeID(ctx, product)
	if err != nil {
		return fmt.Errorf("resolving latest trade: %w", err)
	}
	if c.cfg.Mode == checkpoint.ModeBackfill && c.cfg.BackfillEnd > 0 && c.cfg.BackfillEnd < target {
		target = c.cfg.BackfillEnd
	}

	if cursor >= target {
		logger.WithFields(log.Fields{"cursor": cursor, "target": target}).Info("product up to date")
		c.progress.Begin(product, cursor, target)
		c.progress.Finish(product)
		return nil
	}

	logger.WithFields(log.Fields{"cursor": cursor, "target": target}).Info("ingesting product")
	c.progress.Begin(product, cursor, target)
	defer c.progress.Finish(product)

	for cursor < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		var windowEnd = target
		if span := cursor + uint64(c.cfg.CacheBatchSize); span < target {
			windowEnd = span
		}

		trades, boundary, err := FetchRange(ctx, c.source, product, cursor, windowEnd, c.cfg.ChunkConcurrency, c.cfg.PageLimit)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			// The exchange has nothing in this window yet; leave the
			// checkpoint where it is and try again next run.
			logger.WithField("cursor", cursor).Info("no trades beyond cursor, stopping")
			return nil
		}

		if err := c.flushWindow(ctx, runID, product, sessionStart, trades, boundary); err != nil {
			return err
		}
		c.progress.Advance(product, boundary, len(trades))
		if c.metrics != nil {
			c.metrics.ProductIngest(product, len(trades))
		}
		cursor = boundary
	}

	logger.WithField("cursor", cursor).Info("product ingest complete")
	return nil
}

// flushWindow writes the window's raw object, then advances the checkpoint.
// Strictly in that order: a checkpoint must never point past data that is not
// durable.
func (c *Controller) flushWindow(ctx context.Context, runID, product string, sessionStart time.Time, trades []coinbase.Trade, boundary uint64) error {
	var ingestTS = c.now()
	var records = make([]coinbase.RawRecord, len(trades))
	for i, t := range trades {
		records[i] = coinbase.NewRawRecord(t, product, ingestTS)
	}
	var first = uint64(trades[0].TradeID)
	var last = uint64(trades[len(trades)-1].TradeID)
	var key = RawObjectKey(c.cfg.RawPrefix, c.cfg.Source, product, sessionStart, runID, first, last, len(records))

	if c.cfg.DryRun {
		log.WithFields(log.Fields{"key": key, "records": len(records)}).Info("dry run, skipping raw write")
		return nil
	}
	if err := c.writer.WriteJSONL(ctx, key, records); err != nil {
		return err
	}

	// A cursor must never move backwards. If the stored checkpoint is already
	// past this window, keep the raw object and leave the cursor alone.
	if prev, err := c.checkpoints.Load(ctx, c.cfg.Mode, product); err == nil && prev != nil && prev.Cursor > boundary {
		log.WithFields(log.Fields{
			"product":  product,
			"stored":   prev.Cursor,
			"boundary": boundary,
		}).Warn("stored checkpoint is ahead of this window, not regressing it")
		return nil
	}

	return c.checkpoints.Save(ctx, c.cfg.Mode, product, &checkpoint.Checkpoint{
		Cursor:         boundary,
		LastTradeID:    last,
		LastIngestTime: trades[len(trades)-1].Time,
	})
}
