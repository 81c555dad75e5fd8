package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/picklesueat/crypto-data-platform/go/ratelimit"
)

func testLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	var l, err = ratelimit.New(10000, 100)
	require.NoError(t, err)
	l.Reset()
	return l
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	var c = NewClient(url, testLimiter(t), nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func tradesJSON(ids ...int64) string {
	var trades = make([]Trade, len(ids))
	for i, id := range ids {
		trades[i] = Trade{TradeID: id, Price: "50000.01", Size: "0.5", Time: "2026-08-24T00:00:00.000Z", Side: "buy"}
	}
	var b, _ = json.Marshal(trades)
	return string(b)
}

func TestFetchPageReturnsAscendingWindow(t *testing.T) {
	var gotAfter string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products/BTC-USD/trades", r.URL.Path)
		gotAfter = r.URL.Query().Get("after")
		// The API pages backwards: newest first.
		fmt.Fprint(w, tradesJSON(1000, 999, 998))
	}))
	defer srv.Close()

	var trades, err = testClient(t, srv.URL).FetchPage(context.Background(), "BTC-USD", 3, 1000)
	require.NoError(t, err)
	// after is exclusive upstream, so the cursor is bumped by one.
	require.Equal(t, "1001", gotAfter)
	require.Len(t, trades, 3)
	require.EqualValues(t, 998, trades[0].TradeID)
	require.EqualValues(t, 1000, trades[2].TradeID)
}

func TestFetchPageEmptyMeansCaughtUp(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	var trades, err = testClient(t, srv.URL).FetchPage(context.Background(), "BTC-USD", 1000, 99999999)
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestLatestTradeID(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("limit"))
		fmt.Fprint(w, tradesJSON(123456789))
	}))
	defer srv.Close()

	var id, err = testClient(t, srv.URL).LatestTradeID(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.EqualValues(t, 123456789, id)
}

func TestServerErrorsRetryThenSucceed(t *testing.T) {
	var calls int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, tradesJSON(42))
	}))
	defer srv.Close()

	var trades, err = testClient(t, srv.URL).FetchPage(context.Background(), "BTC-USD", 1000, 1000)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestRateLimitExhaustsRetriesAndIsDetectable(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var _, err = testClient(t, srv.URL).FetchPage(context.Background(), "BTC-USD", 1000, 1000)
	require.Error(t, err)
	require.True(t, IsRateLimit(err))
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"NotFound"}`)
	}))
	defer srv.Close()

	var _, err = testClient(t, srv.URL).FetchPage(context.Background(), "NO-SUCH", 1000, 1000)
	require.Error(t, err)
	require.False(t, IsRateLimit(err))
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusNotFound, serr.Code)
	// Permanent failures are not retried.
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestListProductsFiltersOffline(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products", r.URL.Path)
		fmt.Fprint(w, `[
			{"id":"ETH-USD","base_currency":"ETH","quote_currency":"USD","status":"online"},
			{"id":"OLD-USD","base_currency":"OLD","quote_currency":"USD","status":"delisted"},
			{"id":"BTC-USD","base_currency":"BTC","quote_currency":"USD","status":"online"}
		]`)
	}))
	defer srv.Close()

	var products, err = testClient(t, srv.URL).ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "BTC-USD", products[0].ID)
	require.Equal(t, "ETH-USD", products[1].ID)
}

func TestNewRawRecordParsesAndUppercases(t *testing.T) {
	var ts = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var rec = NewRawRecord(Trade{
		TradeID: 7, Price: "50000.01", Size: "0.25", Time: "2026-08-24T11:59:58.1Z", Side: "sell",
	}, "BTC-USD", ts)

	require.Equal(t, "7", rec.TradeID)
	require.Equal(t, "BTC-USD", rec.ProductID)
	require.Equal(t, 50000.01, rec.Price)
	require.Equal(t, 0.25, rec.Size)
	require.Equal(t, "SELL", rec.Side)
	require.Equal(t, Source, rec.Source)
	require.Equal(t, "2026-08-24T12:00:00Z", rec.SourceIngestTS)
	require.Contains(t, rec.RawPayload, `"trade_id":7`)
}

func TestRawRecordWireFormat(t *testing.T) {
	var ts = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var rec = NewRawRecord(Trade{
		TradeID: 42, Price: "100.5", Size: "1", Time: "2026-08-24T11:59:58Z", Side: "buy",
	}, "ETH-USD", ts)

	var body, err = json.Marshal(rec)
	require.NoError(t, err)
	// trade_id is a JSON string on the wire, and the product travels with
	// every record so downstream readers never depend on the object key.
	require.Contains(t, string(body), `"trade_id":"42"`)
	require.Contains(t, string(body), `"product_id":"ETH-USD"`)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	var s = strings.Repeat("é", 20) // two bytes per rune
	var got = truncate(s, 5)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("é", 2), got)
	require.Equal(t, "abc", truncate("abc", 10))
}
