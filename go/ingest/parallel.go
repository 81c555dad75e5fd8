// Package ingest drives the trade ingestion pipeline: it fetches pages from
// the exchange in parallel, lands them as raw NDJSON objects in S3, and
// advances durable per-product checkpoints only after the data is flushed.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/coinbase"
)

// PageFetcher fetches one page of trades ending at a cursor boundary.
type PageFetcher interface {
	FetchPage(ctx context.Context, product string, limit int, after uint64) ([]coinbase.Trade, error)
}

// maxRequeues bounds how many times a single page is requeued after upstream
// throttling before the whole range fails.
const maxRequeues = 10

type pageTask struct {
	boundary uint64
	attempt  int
}

// FetchRange fetches all pages covering trade ids (start, end] concurrently.
// Page boundaries are enumerated as start+limit, start+2*limit, ... so every
// page spans a fixed (boundary-limit, boundary] window; the last boundary may
// overshoot end. Returns the trades ascending by id plus the final boundary,
// which becomes the caller's new cursor once the data is durable.
//
// The fetch is all-or-nothing: any permanent page failure fails the range, so
// a checkpoint never advances past a gap.
func FetchRange(ctx context.Context, client PageFetcher, product string, start, end uint64, concurrency, limit int) ([]coinbase.Trade, uint64, error) {
	if end <= start {
		return nil, start, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var targets []uint64
	for boundary := start + uint64(limit); boundary-uint64(limit) < end; boundary += uint64(limit) {
		targets = append(targets, boundary)
	}
	var lastBoundary = targets[len(targets)-1]

	log.WithFields(log.Fields{
		"product": product,
		"start":   start,
		"end":     end,
		"pages":   len(targets),
	}).Debug("fetching trade range")

	var ctx2, cancel = context.WithCancel(ctx)
	defer cancel()

	// Capacity covers every task plus requeues of the task currently being
	// retried, so sends never block a worker.
	var tasks = make(chan pageTask, len(targets)+concurrency)
	for _, b := range targets {
		tasks <- pageTask{boundary: b}
	}

	var pending = int64(len(targets))
	var mu sync.Mutex
	var trades []coinbase.Trade
	var firstErr error

	var fail = func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	var complete = func() {
		mu.Lock()
		pending--
		var done = pending == 0
		mu.Unlock()
		if done {
			close(tasks)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if ctx2.Err() != nil {
					complete()
					continue
				}
				var page, err = client.FetchPage(ctx2, product, limit, task.boundary)
				if err != nil {
					if coinbase.IsRateLimit(err) && task.attempt < maxRequeues {
						log.WithFields(log.Fields{
							"product":  product,
							"boundary": task.boundary,
							"attempt":  task.attempt + 1,
						}).Warn("page throttled, requeueing")
						tasks <- pageTask{boundary: task.boundary, attempt: task.attempt + 1}
						continue
					}
					fail(fmt.Errorf("fetching page ending at %d for %s: %w", task.boundary, product, err))
					complete()
					continue
				}
				mu.Lock()
				trades = append(trades, page...)
				mu.Unlock()
				complete()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, start, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, start, err
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	return trades, lastBoundary, nil
}
