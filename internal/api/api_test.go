package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mexc-sniper-bot/config"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
)

func testServer(t *testing.T, cfg config.ServerConfig, bus *events.Bus, checks map[string]HealthCheck) *Server {
	t.Helper()
	return NewServer(cfg, bus, metrics.New(), nil, nil, checks, logging.New("error", nil))
}

func TestHistoryBuffersAndSince(t *testing.T) {
	h := NewHistory()
	now := time.Now().UTC()

	for i := 0; i < alertsHistoryCap+20; i++ {
		h.Record(events.New(events.EventSystemAlert, now, &events.SystemAlert{Severity: "low", Message: "m"}))
	}
	entries, ok := h.Since("alerts", 0)
	if !ok {
		t.Fatal("alerts channel missing")
	}
	if len(entries) != alertsHistoryCap {
		t.Errorf("alerts buffered = %d, want %d", len(entries), alertsHistoryCap)
	}

	// Resume from the middle.
	mid := entries[len(entries)/2].Seq
	tail, _ := h.Since("alerts", mid)
	if len(tail) != len(entries)-len(entries)/2-1 {
		t.Errorf("since(%d) = %d entries", mid, len(tail))
	}

	if _, ok := h.Since("nope", 0); ok {
		t.Error("unknown channel accepted")
	}
}

func TestHistoryRoutesByType(t *testing.T) {
	h := NewHistory()
	now := time.Now().UTC()
	h.Record(events.New(events.EventTradeUpdate, now, &events.TradeUpdate{ID: "t1"}))
	h.Record(events.New(events.EventListingDetected, now, &events.ListingDetected{ID: "l1"}))

	trades, _ := h.Since("trades", 0)
	listings, _ := h.Since("listings", 0)
	if len(trades) != 1 || len(listings) != 1 {
		t.Errorf("trades = %d, listings = %d, want 1 each", len(trades), len(listings))
	}
}

func TestStreamEndpoint(t *testing.T) {
	bus := events.NewBus(logging.New("error", nil))
	s := testServer(t, config.ServerConfig{}, bus, nil)

	s.history.Record(events.New(events.EventSystemAlert, time.Now().UTC(),
		&events.SystemAlert{Severity: "high", Component: "executor", Message: "boom"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stream/alerts?since=0", nil)
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Channel string         `json:"channel"`
		Events  []HistoryEntry `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Channel != "alerts" || len(body.Events) != 1 {
		t.Errorf("body = %+v", body)
	}

	// Unknown channel 404s, bad cursor 400s.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream/alerts?since=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor status = %d", w.Code)
	}
}

func TestHealthzReportsDegradedDependency(t *testing.T) {
	s := testServer(t, config.ServerConfig{}, nil, map[string]HealthCheck{
		"database": func(ctx context.Context) bool { return true },
		"redis":    func(ctx context.Context) bool { return false },
	})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"redis":"degraded"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestIPWhitelistBlocksUnknownAddress(t *testing.T) {
	s := testServer(t, config.ServerConfig{
		IPWhitelistEnabled: true,
		IPWhitelist:        []string{"10.0.0.1"},
	}, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, config.ServerConfig{}, nil, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestWebSocketChannelRouting(t *testing.T) {
	bus := events.NewBus(logging.New("error", nil))
	s := testServer(t, config.ServerConfig{}, bus, nil)
	go s.hub.Run()
	defer s.hub.Shutdown()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	root := dialWS(t, ts, "/ws")
	defer root.Close()
	alerts := dialWS(t, ts, "/ws/alerts")
	defer alerts.Close()

	// Wait until both clients are registered.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.New(events.EventTradeUpdate, time.Now().UTC(), &events.TradeUpdate{ID: "t1", Status: "PENDING"}))

	root.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := root.ReadMessage()
	if err != nil {
		t.Fatalf("root feed read: %v", err)
	}
	ev, err := events.Parse(raw)
	if err != nil || ev.Type != events.EventTradeUpdate {
		t.Fatalf("root feed got %v (err %v)", ev.Type, err)
	}

	// The alerts channel must not see trade updates.
	alerts.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := alerts.ReadMessage(); err == nil {
		t.Fatal("alerts channel received a trade update")
	}
}

func TestDetachAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewWSHub(logging.New("error", nil))
	go hub.Run()
	hub.Shutdown()

	// A read pump that loses the register/shutdown race still exits its
	// deferred detach.
	client := &WSClient{hub: hub, send: make(chan []byte, 1)}
	done := make(chan struct{})
	go func() {
		client.detach()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client detach blocked after hub shutdown")
	}
}
