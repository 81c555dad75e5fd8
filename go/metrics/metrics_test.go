package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	mu    sync.Mutex
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (f *fakeCloudWatch) PutMetricDataWithContext(_ aws.Context, in *cloudwatch.PutMetricDataInput, _ ...request.Option) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) datums() []*cloudwatch.MetricDatum {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*cloudwatch.MetricDatum
	for _, call := range f.calls {
		all = append(all, call.MetricData...)
	}
	return all
}

func TestMetricsAreBufferedUntilFlush(t *testing.T) {
	var cw = &fakeCloudWatch{}
	var c = NewClient(cw, "Test", true)

	c.ProductIngest("BTC-USD", 1000)
	c.IngestOutcome("ingest", true)
	require.Empty(t, cw.calls)

	require.NoError(t, c.Flush(context.Background()))
	var datums = cw.datums()
	require.Len(t, datums, 2)
	require.Equal(t, "RecordsIngested", *datums[0].MetricName)
	require.Equal(t, 1000.0, *datums[0].Value)
	require.Equal(t, "IngestSuccess", *datums[1].MetricName)
}

func TestAutoFlushAtThreshold(t *testing.T) {
	var cw = &fakeCloudWatch{}
	var c = NewClient(cw, "Test", true)

	for i := 0; i < flushThreshold; i++ {
		c.ProductIngest("BTC-USD", 1)
	}
	require.NotEmpty(t, cw.calls)
	require.Len(t, cw.datums(), flushThreshold)
}

func TestProductBucketing(t *testing.T) {
	var cw = &fakeCloudWatch{}
	var c = NewClient(cw, "Test", true)

	c.ProductIngest("BTC-USD", 1)
	c.ProductIngest("OBSCURE-USD", 1)
	require.NoError(t, c.Flush(context.Background()))

	var datums = cw.datums()
	require.Equal(t, "BTC-USD", *datums[0].Dimensions[0].Value)
	require.Equal(t, "other", *datums[1].Dimensions[0].Value)
}

func TestCircuitStateGauge(t *testing.T) {
	var cw = &fakeCloudWatch{}
	var c = NewClient(cw, "Test", true)

	c.CircuitState("coinbase", "open")
	c.CircuitOpened("coinbase")
	c.ErrorRate("coinbase", 0.25)
	require.NoError(t, c.Flush(context.Background()))

	var datums = cw.datums()
	require.Len(t, datums, 3)
	require.Equal(t, "CircuitBreakerState", *datums[0].MetricName)
	require.Equal(t, 2.0, *datums[0].Value)
	require.Equal(t, "ExchangeErrorRate", *datums[2].MetricName)
	require.Equal(t, 0.25, *datums[2].Value)
}

func TestFailedFlushRequeues(t *testing.T) {
	var cw = &fakeCloudWatch{err: errors.New("throttled")}
	var c = NewClient(cw, "Test", true)

	c.ProductIngest("BTC-USD", 1)
	require.Error(t, c.Flush(context.Background()))

	cw.mu.Lock()
	cw.err = nil
	cw.mu.Unlock()
	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, cw.datums(), 1)
}

func TestDisabledClientDropsEverything(t *testing.T) {
	var cw = &fakeCloudWatch{}
	var c = NewClient(cw, "Test", false)
	c.ProductIngest("BTC-USD", 1)
	require.NoError(t, c.Flush(context.Background()))
	require.Empty(t, cw.calls)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	c.ProductIngest("BTC-USD", 1)
	require.NoError(t, c.Flush(context.Background()))
}
