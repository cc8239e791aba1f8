// Package mexc implements the typed MEXC HTTP client. Every request flows
// through the resilience pipeline: rate limiter, per-group circuit
// breaker, retry with backoff, then logging and metrics.
package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/circuit"
	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/retry"
)

// Endpoint groups, one circuit breaker each.
const (
	GroupMarket   = "market"
	GroupOrder    = "order"
	GroupAccount  = "account"
	GroupCalendar = "calendar"
)

// ClientConfig holds exchange client configuration.
type ClientConfig struct {
	APIKey       string
	SecretKey    string
	BaseURL      string
	WebBaseURL   string // calendar host
	Timeout      time.Duration
	RecvWindowMs int64
}

// Client is the MEXC REST client.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	// The calendar host sits behind a CDN and needs a longer deadline.
	calendarClient *http.Client

	limiter  *RateLimiter
	breakers map[string]*circuit.Breaker
	policy   retry.Policy
	logger   zerolog.Logger
	metrics  *metrics.Collector
	clk      clock.Clock

	ewmaMu sync.Mutex
	ewmaMs float64
}

// NewClient builds a client with a pooled keep-alive transport. Breakers
// and the limiter are process-wide: construct once and share.
func NewClient(cfg ClientConfig, limiter *RateLimiter, mc *metrics.Collector, logger zerolog.Logger, clk clock.Clock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = 1000
	}
	if clk == nil {
		clk = clock.Real{}
	}

	transport := &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		calendarClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		limiter:        limiter,
		breakers:       make(map[string]*circuit.Breaker),
		policy:         retry.DefaultPolicy(),
		logger:         logger,
		metrics:        mc,
		clk:            clk,
	}
	for _, group := range []string{GroupMarket, GroupOrder, GroupAccount, GroupCalendar} {
		c.breakers[group] = circuit.New(group, circuit.DefaultConfig(), clk)
	}
	return c
}

// Breaker returns the breaker for an endpoint group.
func (c *Client) Breaker(group string) *circuit.Breaker { return c.breakers[group] }

// OnBreakerStateChange registers one callback across all endpoint groups.
func (c *Client) OnBreakerStateChange(fn func(group string, from, to circuit.BreakerState)) {
	for _, b := range c.breakers {
		b.OnStateChange(fn)
	}
}

// APIResponseTimeMs returns the EWMA of response times in milliseconds.
func (c *Client) APIResponseTimeMs() float64 {
	c.ewmaMu.Lock()
	defer c.ewmaMu.Unlock()
	return c.ewmaMs
}

// ==================== typed operations ====================

// GetServerTime fetches the exchange server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var out ServerTime
	if err := c.do(ctx, GroupMarket, http.MethodGet, "/api/v3/time", nil, false, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// GetExchangeInfo fetches the symbol set with trading filters.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var out ExchangeInfo
	if err := c.do(ctx, GroupMarket, http.MethodGet, "/api/v3/exchangeInfo", nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTickerPrice fetches the last price for a symbol. The endpoint
// answers with an array; the first element wins.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (*TickerPrice, error) {
	p := newParams()
	p.set("symbol", symbol)

	body, err := c.doRaw(ctx, GroupMarket, http.MethodGet, "/api/v3/ticker/price", p, false)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var arr []TickerPrice
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "parsing ticker price array", err)
		}
		if len(arr) == 0 {
			return nil, errs.ExchangeAPI(errs.CodeAPIError, "empty ticker price response", 0)
		}
		return &arr[0], nil
	}
	var one TickerPrice
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "parsing ticker price", err)
	}
	return &one, nil
}

// Get24hrTickers fetches the full 24h snapshot for all symbols.
func (c *Client) Get24hrTickers(ctx context.Context) ([]Ticker24hr, error) {
	var out []Ticker24hr
	if err := c.do(ctx, GroupMarket, http.MethodGet, "/api/v3/ticker/24hr", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecentTrades fetches up to limit recent trades for a symbol.
func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	p := newParams()
	p.set("symbol", symbol)
	p.set("limit", strconv.Itoa(limit))
	var out []Trade
	if err := c.do(ctx, GroupMarket, http.MethodGet, "/api/v3/trades", p, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccountInfo fetches the signed account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var out AccountInfo
	if err := c.do(ctx, GroupAccount, http.MethodGet, "/api/v3/account", newParams(), true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	p := newParams()
	p.set("symbol", req.Symbol)
	p.set("side", string(req.Side))
	p.set("type", string(req.Type))
	p.set("quantity", formatFloat(req.Quantity))
	if req.Type == OrderTypeLimit {
		p.set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		p.set("timeInForce", tif)
	}
	var out OrderResponse
	if err := c.do(ctx, GroupOrder, http.MethodPost, "/api/v3/order", p, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder queries a single order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	p := newParams()
	p.set("symbol", symbol)
	p.set("orderId", strconv.FormatInt(orderID, 10))
	var out Order
	if err := c.do(ctx, GroupOrder, http.MethodGet, "/api/v3/order", p, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p := newParams()
	p.set("symbol", symbol)
	p.set("orderId", strconv.FormatInt(orderID, 10))
	return c.do(ctx, GroupOrder, http.MethodDelete, "/api/v3/order", p, true, nil)
}

// GetOpenOrders lists open orders, optionally filtered by symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p := newParams()
	if symbol != "" {
		p.set("symbol", symbol)
	}
	var out []Order
	if err := c.do(ctx, GroupOrder, http.MethodGet, "/api/v3/openOrders", p, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ==================== request pipeline ====================

// params preserves insertion order, which the signature depends on.
type params struct {
	keys   []string
	values map[string]string
}

func newParams() *params {
	return &params{values: make(map[string]string)}
}

func (p *params) set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

func (p *params) encode() string {
	if p == nil || len(p.keys) == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}

// sign computes HMAC-SHA256 over the encoded query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, group, method, path string, p *params, signed bool, out interface{}) error {
	body, err := c.doRaw(ctx, group, method, path, p, signed)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError,
			fmt.Sprintf("parsing %s response", path), err)
	}
	return nil
}

// doRaw runs a request through retry -> breaker -> rate limiter -> wire,
// recording latency, EWMA and error metrics per attempt.
func (c *Client) doRaw(ctx context.Context, group, method, path string, p *params, signed bool) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		defer c.limiter.Release()

		breaker := c.breakers[group]
		if err := breaker.Allow(); err != nil {
			return err
		}

		start := time.Now()
		b, err := c.send(ctx, method, path, p, signed)
		elapsed := time.Since(start)
		c.observe(group, path, elapsed, err)

		if err != nil {
			// Breaker counts only wire-level outcomes; the limiter
			// already filtered local rejections above.
			breaker.RecordFailure()
			return err
		}
		breaker.RecordSuccess()
		body = b
		return nil
	})
	return body, err
}

func (c *Client) send(ctx context.Context, method, path string, p *params, signed bool) ([]byte, error) {
	if p == nil {
		p = newParams()
	}
	if signed {
		p.set("timestamp", strconv.FormatInt(c.clk.Now().UnixMilli(), 10))
		p.set("recvWindow", strconv.FormatInt(c.cfg.RecvWindowMs, 10))
		p.set("signature", c.sign(p.encode()))
	}

	endpoint := c.cfg.BaseURL + path
	if q := p.encode(); q != "" {
		endpoint += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "building request", err)
	}
	if signed {
		req.Header.Set("X-MEXC-APIKEY", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError,
			fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "reading response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

// apiError converts a non-2xx response into a typed exchange error,
// preferring the code/msg the exchange returns in its JSON body.
func apiError(status int, body []byte) *errs.Error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Msg != "" {
		msg = fmt.Sprintf("%s (code %d)", payload.Msg, payload.Code)
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	code := errs.CodeAPIError
	if status == http.StatusTooManyRequests {
		code = errs.CodeRateLimit
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = errs.CodeAuth
	}
	return errs.ExchangeAPI(code, msg, status)
}

func (c *Client) observe(group, path string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if c.metrics != nil {
			code := errs.CodeOf(err)
			if code == "" {
				code = "network"
			}
			c.metrics.APIErrors.WithLabelValues(code).Inc()
		}
		c.logger.Warn().Str("group", group).Str("path", path).
			Dur("elapsed", elapsed).Err(err).Msg("exchange request failed")
	} else {
		c.logger.Debug().Str("group", group).Str("path", path).
			Dur("elapsed", elapsed).Msg("exchange request ok")
	}
	if c.metrics != nil {
		c.metrics.APIRequestDuration.WithLabelValues(group, status).Observe(elapsed.Seconds())
	}

	// EWMA with alpha 0.2, exposed on bot_status and the gauge.
	c.ewmaMu.Lock()
	ms := float64(elapsed.Milliseconds())
	if c.ewmaMs == 0 {
		c.ewmaMs = ms
	} else {
		c.ewmaMs = 0.8*c.ewmaMs + 0.2*ms
	}
	if c.metrics != nil {
		c.metrics.APIResponseEWMA.Set(c.ewmaMs)
	}
	c.ewmaMu.Unlock()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
