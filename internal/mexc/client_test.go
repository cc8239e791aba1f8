package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	limiter := NewRateLimiter(RateLimiterConfig{
		Reservoir:      100,
		RefillInterval: 100 * time.Millisecond,
		MinSpacing:     0,
		MaxConcurrent:  10,
		MaxQueue:       100,
	})
	t.Cleanup(limiter.Stop)
	return NewClient(ClientConfig{
		APIKey:       "test-key",
		SecretKey:    "test-secret",
		BaseURL:      baseURL,
		WebBaseURL:   baseURL,
		Timeout:      2 * time.Second,
		RecvWindowMs: 500,
	}, limiter, metrics.New(), logging.New("error", nil), clock.Real{})
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	var gotQuery url.Values
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotHeader = r.Header.Get("X-MEXC-APIKEY")
		w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"USDT","free":"100.0","locked":"0"}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	acct, err := c.GetAccountInfo(context.Background())
	if err != nil {
		t.Fatalf("GetAccountInfo() error: %v", err)
	}
	if !acct.CanTrade || len(acct.Balances) != 1 || acct.Balances[0].Free != 100.0 {
		t.Errorf("unexpected account payload: %+v", acct)
	}
	if gotHeader != "test-key" {
		t.Errorf("X-MEXC-APIKEY = %q, want test-key", gotHeader)
	}
	if gotQuery.Get("recvWindow") != "500" {
		t.Errorf("recvWindow = %q, want 500", gotQuery.Get("recvWindow"))
	}

	// Recompute the signature over the query string minus the signature
	// parameter, in the order the client appends them.
	base := "timestamp=" + gotQuery.Get("timestamp") + "&recvWindow=500"
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(base))
	want := hex.EncodeToString(mac.Sum(nil))
	if gotQuery.Get("signature") != want {
		t.Errorf("signature = %q, want %q", gotQuery.Get("signature"), want)
	}
}

func TestTickerPriceHandlesArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"NEWUSDT","price":"1.0000"}]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ticker, err := c.GetTickerPrice(context.Background(), "NEWUSDT")
	if err != nil {
		t.Fatalf("GetTickerPrice() error: %v", err)
	}
	if ticker.Symbol != "NEWUSDT" || ticker.Price != 1.0 {
		t.Errorf("ticker = %+v, want NEWUSDT @ 1.0", ticker)
	}
}

func TestTickerPriceHandlesObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"NEWUSDT","price":"2.5"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ticker, err := c.GetTickerPrice(context.Background(), "NEWUSDT")
	if err != nil {
		t.Fatalf("GetTickerPrice() error: %v", err)
	}
	if ticker.Price != 2.5 {
		t.Errorf("price = %v, want 2.5", ticker.Price)
	}
}

func TestNon2xxBecomesTypedAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.GetTickerPrice(context.Background(), "BOGUS")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if errs.StatusOf(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", errs.StatusOf(err))
	}
}

func TestPlaceOrderSendsMarketParams(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"symbol":"NEWUSDT","orderId":42,"transactTime":1700000000000,"price":"0","origQty":"10","executedQty":"10","cummulativeQuoteQty":"10.0","status":"FILLED","type":"MARKET","side":"BUY"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "NEWUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if resp.OrderID != 42 || resp.ExecutedQty != 10 {
		t.Errorf("order response = %+v", resp)
	}
	if got.Get("type") != "MARKET" || got.Get("side") != "BUY" || got.Get("quantity") != "10" {
		t.Errorf("order params = %v", got)
	}
	if got.Get("timeInForce") != "" {
		t.Errorf("market order must not carry timeInForce, got %q", got.Get("timeInForce"))
	}
	if got.Get("signature") == "" {
		t.Error("order request was not signed")
	}
}

func TestPlaceOrderLimitCarriesGTC(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"symbol":"NEWUSDT","orderId":7,"origQty":"10","executedQty":"0","status":"NEW","type":"LIMIT","side":"BUY"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "NEWUSDT",
		Side:     SideBuy,
		Type:     OrderTypeLimit,
		Quantity: 10,
		Price:    1.01,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if got.Get("timeInForce") != "GTC" || got.Get("price") != "1.01" {
		t.Errorf("limit params = %v", got)
	}
}

func TestCalendarBlockPageYieldsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<!DOCTYPE html><html><body>Attention Required</body></html>`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	entries := c.GetCalendar(context.Background())
	if len(entries) != 0 {
		t.Errorf("block page produced %d entries, want 0", len(entries))
	}
}

func TestCalendarParsesNewCoinsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"newCoins":[
			{"vcoinId":"V1","vcoinNameFull":"NEWUSDT","vcoinName":"NEW","projectName":"New Coin","firstTime":1700000060000},
			{"vcoinId":"V2","vcoinNameFull":"BADUSDT","vcoinName":"BAD","projectName":"No Open Time","firstTime":0}
		]}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	entries := c.GetCalendar(context.Background())
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (zero firstOpenTime discarded)", len(entries))
	}
	if entries[0].VcoinID != "V1" || entries[0].Symbol != "NEWUSDT" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestCalendarParsesNestedDataShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":[
			{"vcoinId":"V3","vcoinNameFull":"ALTUSDT","vcoinName":"ALT","firstTime":1700000120000}
		]}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	entries := c.GetCalendar(context.Background())
	if len(entries) != 1 || entries[0].VcoinID != "V3" {
		t.Fatalf("entries = %+v, want single V3", entries)
	}
}

func TestRetryRecoversFrom503(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"serverTime":1700000000000}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.policy.InitialInterval = time.Millisecond
	c.policy.MaxInterval = 5 * time.Millisecond

	ts, err := c.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime() error: %v", err)
	}
	if ts != 1700000000000 {
		t.Errorf("server time = %d", ts)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
