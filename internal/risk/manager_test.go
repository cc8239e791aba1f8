package risk

import (
	"math"
	"testing"
	"time"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/logging"
)

func newTestManager(clk clock.Clock) *Manager {
	return NewManager(Config{
		MaxOpenPositions: 3,
		DailyLossLimit:   50,
		MinStopDistance:  0.001,
	}, clk, logging.New("error", nil))
}

func TestKellyFormula(t *testing.T) {
	m := newTestManager(nil)

	// w=0.6, R=2: k = (0.6*2 - 0.4) / 2 = 0.4; quarter-Kelly = 0.1.
	kp := m.CalculateKellyPosition(0.6, 2, 10000, 100, 95)
	if math.Abs(kp.KellyFraction-0.4) > 1e-9 {
		t.Errorf("kelly fraction = %v, want 0.4", kp.KellyFraction)
	}
	if math.Abs(kp.SafeKellyFraction-0.1) > 1e-9 {
		t.Errorf("safe kelly = %v, want 0.1", kp.SafeKellyFraction)
	}
	if math.Abs(kp.RiskAmount-1000) > 1e-9 {
		t.Errorf("risk amount = %v, want 1000", kp.RiskAmount)
	}
	// floor(1000 / |100-95|) = 200
	if kp.PositionSize != 200 {
		t.Errorf("position size = %v, want 200", kp.PositionSize)
	}
}

func TestKellyNegativeEdgeFlooredAtZero(t *testing.T) {
	m := newTestManager(nil)

	// w=0.3, R=1: k = (0.3 - 0.7) / 1 = -0.4 -> 0.
	kp := m.CalculateKellyPosition(0.3, 1, 10000, 100, 95)
	if kp.KellyFraction != 0 || kp.PositionSize != 0 || kp.RiskAmount != 0 {
		t.Errorf("negative-edge sizing = %+v, want all zero", kp)
	}
}

func TestValidateOrderSpendLimit(t *testing.T) {
	m := newTestManager(nil)
	d := m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Side: "BUY", Quantity: 100, Price: 2,
		DailySpendRemaining: 150, PortfolioValue: 1000,
	})
	if d.Approved {
		t.Fatal("order above remaining daily spend was approved")
	}

	d = m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Side: "BUY", Quantity: 50, Price: 2,
		DailySpendRemaining: 150, PortfolioValue: 1000,
	})
	if !d.Approved {
		t.Fatalf("legal order rejected: %s", d.Reason)
	}
}

func TestValidateOrderDailyLossHalt(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)
	m.RecordRealizedPnL(-60)

	d := m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Quantity: 1, Price: 1, DailySpendRemaining: 100,
	})
	if d.Approved {
		t.Fatal("trading allowed past daily loss limit")
	}

	// Next UTC day the ledger rolls and trading resumes.
	clk.Advance(24 * time.Hour)
	d = m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Quantity: 1, Price: 1, DailySpendRemaining: 100,
	})
	if !d.Approved {
		t.Fatalf("trading still halted after ledger roll: %s", d.Reason)
	}
}

func TestValidateOrderPositionCap(t *testing.T) {
	m := newTestManager(nil)
	d := m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Quantity: 1, Price: 1,
		DailySpendRemaining: 100, OpenPositions: 3,
	})
	if d.Approved {
		t.Fatal("order approved at max open positions")
	}
}

func TestValidateOrderStopDistanceFloor(t *testing.T) {
	m := newTestManager(nil)
	d := m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Quantity: 1, Price: 100, StopLoss: 99.95,
		DailySpendRemaining: 1000,
	})
	if d.Approved {
		t.Fatal("order with 0.05% stop distance approved, floor is 0.1%")
	}

	d = m.ValidateOrder(OrderCheck{
		Symbol: "XUSDT", Quantity: 1, Price: 100, StopLoss: 99,
		DailySpendRemaining: 1000,
	})
	if !d.Approved {
		t.Fatalf("1%% stop distance rejected: %s", d.Reason)
	}
}

func TestKellyInputsFallBackToPriorsUntilTenTrades(t *testing.T) {
	m := newTestManager(nil)
	w, r := m.KellyInputs()
	if w != 0.55 || r != 1.5 {
		t.Errorf("priors = (%v, %v), want (0.55, 1.5)", w, r)
	}

	for i := 0; i < 6; i++ {
		m.RecordRealizedPnL(30)
	}
	for i := 0; i < 4; i++ {
		m.RecordRealizedPnL(-10)
	}
	w, r = m.KellyInputs()
	if math.Abs(w-0.6) > 1e-9 {
		t.Errorf("win rate = %v, want 0.6", w)
	}
	if math.Abs(r-3.0) > 1e-9 {
		t.Errorf("reward ratio = %v, want 3.0", r)
	}
}

func TestSpendLedgerRollsDaily(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC))
	m := newTestManager(clk)
	m.RecordSpend(40)
	if m.DailySpent() != 40 {
		t.Fatalf("spent = %v, want 40", m.DailySpent())
	}
	clk.Advance(2 * time.Hour)
	if m.DailySpent() != 0 {
		t.Fatalf("spent after midnight = %v, want 0", m.DailySpent())
	}
}
