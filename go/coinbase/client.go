// Package coinbase implements a client for the Coinbase Exchange public
// market-data API. Requests flow through a shared token-bucket rate limiter
// and a distributed circuit breaker, and the retry policy distinguishes
// transient failures (timeouts, 429s, 5xx) from permanent ones (other 4xx).
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/health"
	"github.com/picklesueat/crypto-data-platform/go/ratelimit"
)

// DefaultBaseURL is the Coinbase Exchange production endpoint.
const DefaultBaseURL = "https://api.exchange.coinbase.com"

// Source identifies this exchange in raw object keys and records.
const Source = "coinbase"

// DefaultPageLimit is the maximum page size the trades endpoint allows.
const DefaultPageLimit = 1000

// maxAttempts bounds retries of a single logical request. Independent of the
// circuit breaker's failure threshold.
const maxAttempts = 3

// Trade is one executed trade as returned by the trades endpoint. Price and
// size stay strings here; parsing happens at transform time so the raw layer
// preserves exactly what the API said.
type Trade struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Side    string `json:"side"`
}

// Product is one listing from the products endpoint.
type Product struct {
	ID            string `json:"id"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	Status        string `json:"status"`
}

// RawRecord is the enriched form written to raw NDJSON objects: the trade's
// fields parsed to their natural types, plus the product and ingestion
// provenance. The trade id serializes as a string so raw lines round-trip
// through systems that mangle large integers.
type RawRecord struct {
	TradeID        string  `json:"trade_id"`
	ProductID      string  `json:"product_id"`
	Price          float64 `json:"price"`
	Size           float64 `json:"size"`
	Time           string  `json:"time"`
	Side           string  `json:"side"`
	Source         string  `json:"_source"`
	SourceIngestTS string  `json:"_source_ingest_ts"`
	RawPayload     string  `json:"_raw_payload"`
}

// NewRawRecord builds the raw-layer form of a trade. Unparseable numeric
// fields become zero; the original payload is preserved alongside.
func NewRawRecord(t Trade, product string, ingestTS time.Time) RawRecord {
	var price, _ = strconv.ParseFloat(t.Price, 64)
	var size, _ = strconv.ParseFloat(t.Size, 64)
	var payload, _ = json.Marshal(t)
	return RawRecord{
		TradeID:        strconv.FormatInt(t.TradeID, 10),
		ProductID:      product,
		Price:          price,
		Size:           size,
		Time:           t.Time,
		Side:           strings.ToUpper(t.Side),
		Source:         Source,
		SourceIngestTS: ingestTS.UTC().Format(time.RFC3339),
		RawPayload:     string(payload),
	}
}

// RateLimitError marks a request rejected by the upstream rate limiter even
// after client-side backoff. Callers may requeue the work.
type RateLimitError struct {
	Product string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited fetching %s trades", e.Product)
}

// IsRateLimit reports whether err represents upstream throttling.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// StatusError is a non-retryable HTTP failure, i.e. a 4xx other than 429.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange returned %d: %s", e.Code, e.Body)
}

// Client talks to one exchange endpoint. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *ratelimit.Limiter
	breaker *health.Breaker

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a Client over the given endpoint. A nil breaker disables
// circuit gating; the limiter must not be nil.
func NewClient(baseURL string, limiter *ratelimit.Limiter, breaker *health.Breaker) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limiter: limiter,
		breaker: breaker,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchPage returns up to limit trades with trade_id in (after-limit, after],
// ascending by trade_id. The trades endpoint pages backwards: after=N returns
// the N-1, N-2, ... trades, so a full page spans exactly that half-open
// interval. An empty slice means the cursor is at or past the newest trade.
func (c *Client) FetchPage(ctx context.Context, product string, limit int, after uint64) ([]Trade, error) {
	var q = url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if after > 0 {
		// The API's after parameter is exclusive: it returns trades strictly
		// before the given id, so request after+1 to include id == after.
		q.Set("after", strconv.FormatUint(after+1, 10))
	}
	var path = fmt.Sprintf("/products/%s/trades?%s", product, q.Encode())

	var body, err = c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var trades []Trade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decoding trades for %s: %w", product, err)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	return trades, nil
}

// LatestTradeID returns the newest trade id for a product, or zero if the
// product has no trades.
func (c *Client) LatestTradeID(ctx context.Context, product string) (uint64, error) {
	var body, err = c.get(ctx, fmt.Sprintf("/products/%s/trades?limit=1", product))
	if err != nil {
		return 0, err
	}
	var trades []Trade
	if err := json.Unmarshal(body, &trades); err != nil {
		return 0, fmt.Errorf("decoding latest trade for %s: %w", product, err)
	}
	if len(trades) == 0 {
		return 0, nil
	}
	return uint64(trades[0].TradeID), nil
}

// ListProducts returns all products currently online.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var body, err = c.get(ctx, "/products")
	if err != nil {
		return nil, err
	}
	var all []Product
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decoding products: %w", err)
	}
	var online = make([]Product, 0, len(all))
	for _, p := range all {
		if p.Status == "online" {
			online = append(online, p)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })
	return online, nil
}

// get issues one rate-limited, circuit-gated GET with retries. Timeouts and
// 5xx retry with exponential backoff; 429 backs off and retries, then
// surfaces as a RateLimitError; other 4xx fail immediately.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.breaker != nil {
			if wait := c.breaker.GetWaitTime(ctx, Source); wait > 0 {
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
		}
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		var started = time.Now()
		var body, retryable, err = c.doOnce(ctx, path)
		var latency = time.Since(started)
		apiRequestLatency.WithLabelValues(Source).Observe(latency.Seconds())

		if err == nil {
			apiRequestsTotal.WithLabelValues(Source, "success").Inc()
			if c.breaker != nil {
				c.breaker.RecordSuccess(ctx, Source, latency)
			}
			return body, nil
		}

		apiRequestsTotal.WithLabelValues(Source, "error").Inc()
		if c.breaker != nil {
			c.breaker.RecordFailure(ctx, Source, err.Error())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return nil, err
		}

		lastErr = err
		var backoff = time.Duration(1<<uint(attempt)) * time.Second
		log.WithFields(log.Fields{
			"path":    path,
			"attempt": attempt + 1,
			"backoff": backoff,
			"error":   err,
		}).Warn("retrying exchange request")
		apiRetriesTotal.WithLabelValues(Source, retryReason(err)).Inc()
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// doOnce performs a single HTTP exchange. The second return reports whether
// the failure is retryable.
func (c *Client) doOnce(ctx context.Context, path string) ([]byte, bool, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "crypto-data-platform/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, true, fmt.Errorf("request timed out: %w", err)
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body []byte
	body, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, true, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, &RateLimitError{Product: path}
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("exchange returned %d", resp.StatusCode)
	default:
		return nil, false, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
}

func retryReason(err error) string {
	if IsRateLimit(err) {
		return "rate_limit"
	}
	return "transient"
}

// truncate shortens s to at most n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
