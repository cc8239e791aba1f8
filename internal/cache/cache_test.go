package cache

import (
	"context"
	"testing"

	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
)

// Without a reachable Redis the service must degrade, not fail: dedup
// claims succeed and price lookups miss.
func TestDegradedModeFailsOpen(t *testing.T) {
	s := New(context.Background(), "", metrics.New(), logging.New("error", nil))
	defer s.Close()

	if !s.MarkSignalSeen(context.Background(), "NEWUSDT", "calendar") {
		t.Error("dedup should fail open without redis")
	}
	if !s.MarkSignalSeen(context.Background(), "NEWUSDT", "calendar") {
		t.Error("repeat dedup should still fail open without redis")
	}

	s.SetPrice(context.Background(), "NEWUSDT", 1.23)
	if _, ok := s.GetPrice(context.Background(), "NEWUSDT"); ok {
		t.Error("price cache should miss without redis")
	}
	if s.Available(context.Background()) {
		t.Error("service should report unavailable without redis")
	}
}

func TestInvalidURLDegrades(t *testing.T) {
	s := New(context.Background(), "not-a-url", metrics.New(), logging.New("error", nil))
	defer s.Close()

	if !s.MarkSignalSeen(context.Background(), "XUSDT", "ticker_diff") {
		t.Error("dedup should fail open with a bad redis url")
	}
}
