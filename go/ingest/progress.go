package ingest

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Progress tracks per-product ingestion progress and logs a periodic summary
// line, so long backfills stay observable without flooding the logs.
type Progress struct {
	interval time.Duration

	mu       sync.Mutex
	started  time.Time
	products map[string]*productProgress
	stop     chan struct{}
	done     chan struct{}
}

type productProgress struct {
	target  uint64
	cursor  uint64
	records int64
	doneAt  time.Time
}

// NewProgress returns a tracker that logs every interval once started.
func NewProgress(interval time.Duration) *Progress {
	return &Progress{
		interval: interval,
		products: make(map[string]*productProgress),
	}
}

// Start begins the periodic log loop.
func (p *Progress) Start() {
	p.mu.Lock()
	p.started = time.Now()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()
	go p.loop()
}

// Stop halts the log loop and emits a final summary.
func (p *Progress) Stop() {
	p.mu.Lock()
	var stop = p.stop
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-p.done
	p.logSummary()
}

// Begin registers a product with its cursor window.
func (p *Progress) Begin(product string, cursor, target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[product] = &productProgress{target: target, cursor: cursor}
}

// Advance records a flushed window.
func (p *Progress) Advance(product string, cursor uint64, records int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp := p.products[product]; pp != nil {
		pp.cursor = cursor
		pp.records += int64(records)
	}
}

// Finish marks a product complete.
func (p *Progress) Finish(product string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp := p.products[product]; pp != nil {
		pp.doneAt = time.Now()
	}
}

// Records returns the total records ingested so far.
func (p *Progress) Records() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, pp := range p.products {
		total += pp.records
	}
	return total
}

func (p *Progress) loop() {
	defer close(p.done)
	var ticker = time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.logSummary()
		}
	}
}

func (p *Progress) logSummary() {
	p.mu.Lock()
	var total int64
	var active, finished int
	for _, pp := range p.products {
		total += pp.records
		if pp.doneAt.IsZero() {
			active++
		} else {
			finished++
		}
	}
	var elapsed = time.Since(p.started)
	p.mu.Unlock()

	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(total) / secs
	}
	log.WithFields(log.Fields{
		"records":    total,
		"active":     active,
		"finished":   finished,
		"elapsed":    elapsed.Round(time.Second),
		"recordsSec": int64(rate),
	}).Info("ingest progress")
}
