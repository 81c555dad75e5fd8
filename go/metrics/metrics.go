// Package metrics publishes pipeline metrics to CloudWatch. Datums are
// buffered in memory and flushed in batches, keeping PutMetricData calls (and
// their cost) bounded no matter how chatty the pipeline is. Per-product
// metrics are bucketed to the top traded products plus "other" so cardinality
// stays flat as seed lists grow.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	log "github.com/sirupsen/logrus"
)

// DefaultNamespace is the CloudWatch namespace for pipeline metrics.
const DefaultNamespace = "CryptoDataPlatform"

const (
	// flushThreshold triggers an automatic flush once the buffer reaches it.
	flushThreshold = 500
	// chunkSize is the maximum datums per PutMetricData call.
	chunkSize = 1000
)

// topProducts keeps per-product metric cardinality bounded; everything else
// reports under "other".
var topProducts = map[string]struct{}{
	"BTC-USD":  {},
	"ETH-USD":  {},
	"SOL-USD":  {},
	"DOGE-USD": {},
	"XRP-USD":  {},
}

func productBucket(product string) string {
	if _, ok := topProducts[product]; ok {
		return product
	}
	return "other"
}

var circuitStateValues = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// API is the subset of the CloudWatch client the publisher uses.
type API interface {
	PutMetricDataWithContext(aws.Context, *cloudwatch.PutMetricDataInput, ...request.Option) (*cloudwatch.PutMetricDataOutput, error)
}

// Client buffers and publishes metrics. Safe for concurrent use; a nil
// *Client drops everything, so callers don't guard every emission.
type Client struct {
	cw        API
	namespace string
	enabled   bool
	timeNow   func() time.Time

	mu     sync.Mutex
	buffer []*cloudwatch.MetricDatum
}

// NewClient returns a publisher into the given namespace. A disabled client
// accepts and discards datums.
func NewClient(cw API, namespace string, enabled bool) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{cw: cw, namespace: namespace, enabled: enabled, timeNow: time.Now}
}

func (c *Client) put(name string, value float64, unit string, dims ...*cloudwatch.Dimension) {
	if c == nil || !c.enabled {
		return
	}
	var datum = &cloudwatch.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       aws.String(unit),
		Timestamp:  aws.Time(c.timeNow()),
	}
	if len(dims) > 0 {
		datum.Dimensions = dims
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, datum)
	var full = len(c.buffer) >= flushThreshold
	c.mu.Unlock()

	if full {
		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			log.WithField("error", err).Error("failed to flush metrics")
		}
	}
}

func dim(name, value string) *cloudwatch.Dimension {
	return &cloudwatch.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// ProductIngest records trades ingested for a product.
func (c *Client) ProductIngest(product string, records int) {
	c.put("RecordsIngested", float64(records), cloudwatch.StandardUnitCount,
		dim("Product", productBucket(product)))
}

// IngestOutcome records one product-level ingest outcome for a pipeline.
func (c *Client) IngestOutcome(pipeline string, success bool) {
	var name = "IngestFailure"
	if success {
		name = "IngestSuccess"
	}
	c.put(name, 1, cloudwatch.StandardUnitCount, dim("Pipeline", pipeline))
}

// ErrorRate records an exchange's rolling error rate.
func (c *Client) ErrorRate(exchange string, rate float64) {
	c.put("ExchangeErrorRate", rate, cloudwatch.StandardUnitNone, dim("Exchange", exchange))
}

// CircuitState records the circuit's current state as a gauge.
func (c *Client) CircuitState(exchange, state string) {
	c.put("CircuitBreakerState", circuitStateValues[state], cloudwatch.StandardUnitNone,
		dim("Exchange", exchange))
}

// CircuitOpened counts circuit-open events.
func (c *Client) CircuitOpened(exchange string) {
	c.put("CircuitBreakerOpened", 1, cloudwatch.StandardUnitCount, dim("Exchange", exchange))
}

// TransformRecords records unified rows written by a transform run.
func (c *Client) TransformRecords(records int64) {
	c.put("RecordsTransformed", float64(records), cloudwatch.StandardUnitCount)
}

// ValidationResult records a validation pass/fail.
func (c *Client) ValidationResult(mode string, passed bool) {
	var value float64
	if passed {
		value = 1
	}
	c.put("ValidationPassed", value, cloudwatch.StandardUnitNone, dim("Mode", mode))
}

// Flush publishes all buffered datums in chunks.
func (c *Client) Flush(ctx context.Context) error {
	if c == nil || !c.enabled {
		return nil
	}
	c.mu.Lock()
	var pending = c.buffer
	c.buffer = nil
	c.mu.Unlock()

	for start := 0; start < len(pending); start += chunkSize {
		var end = start + chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		var _, err = c.cw.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			// Metrics are best effort; requeue what we could not send and
			// report the failure.
			c.mu.Lock()
			c.buffer = append(pending[start:], c.buffer...)
			c.mu.Unlock()
			return err
		}
	}
	return nil
}

// Close flushes whatever remains. Call on pipeline shutdown.
func (c *Client) Close(ctx context.Context) {
	if err := c.Flush(ctx); err != nil {
		log.WithField("error", err).Error("failed to flush metrics on close")
	}
}
