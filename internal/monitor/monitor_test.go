package monitor

import (
	"testing"
	"time"

	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/logging"
)

type fakeAPI struct{ ms float64 }

func (f *fakeAPI) APIResponseTimeMs() float64 { return f.ms }

func TestSuccessRateTracksTerminalStates(t *testing.T) {
	m := New(nil, &fakeAPI{ms: 40}, nil, logging.New("error", nil))

	if m.SuccessRate() != 1 {
		t.Errorf("empty success rate = %v, want 1", m.SuccessRate())
	}

	feed := func(status string, ms int64) {
		m.onTrade(events.New(events.EventTradeUpdate, time.Now(), &events.TradeUpdate{
			ID: "x", Status: status, ExecutionTimeMs: ms,
		}))
	}
	feed("SUCCESS", 300)
	feed("SUCCESS", 500)
	feed("FAILED", 0)
	feed("PENDING", 0) // non-terminal, ignored

	if got := m.SuccessRate(); got < 0.66 || got > 0.67 {
		t.Errorf("success rate = %v, want 2/3", got)
	}

	snap := m.Snapshot()
	if snap.ExecutionTimeMs != 500 {
		t.Errorf("execution time = %v, want 500", snap.ExecutionTimeMs)
	}
	if snap.APIResponseTimeMs != 40 {
		t.Errorf("api response time = %v, want 40", snap.APIResponseTimeMs)
	}
	if snap.SuccessRate < 0.66 || snap.SuccessRate > 0.67 {
		t.Errorf("snapshot success rate = %v", snap.SuccessRate)
	}
}

func TestSnapshotIncludesProcessStats(t *testing.T) {
	m := New(nil, nil, nil, logging.New("error", nil))
	snap := m.Snapshot()
	if snap.MemoryUsageMB <= 0 {
		t.Errorf("memory usage = %v, want > 0", snap.MemoryUsageMB)
	}
}
