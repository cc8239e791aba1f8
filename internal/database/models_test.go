package database

import (
	"testing"
	"time"

	"mexc-sniper-bot/internal/errs"
)

func validConfig() TradingConfiguration {
	return TradingConfiguration{
		UserID:               "u1",
		Name:                 "default",
		SafetyEnabled:        true,
		PerTradeQuote:        25,
		MaxPurchase:          50,
		DailySpendLimit:      100,
		MaxTradesPerHour:     10,
		PriceTolerance:       1,
		OrderType:            "MARKET",
		SellStrategy:         StrategyCombined,
		ProfitTargetBps:      1000,
		StopLossBps:          500,
		TrailingStopBps:      150,
		TimeBasedExitMinutes: 60,
	}
}

func TestConfigurationValidate(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid configuration rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TradingConfiguration)
	}{
		{"zero per-trade quote", func(c *TradingConfiguration) { c.PerTradeQuote = 0 }},
		{"zero max purchase", func(c *TradingConfiguration) { c.MaxPurchase = 0 }},
		{"per-trade above max purchase", func(c *TradingConfiguration) { c.MaxPurchase = 10 }},
		{"per-trade above daily limit", func(c *TradingConfiguration) { c.PerTradeQuote = 200; c.MaxPurchase = 300 }},
		{"zero trades per hour", func(c *TradingConfiguration) { c.MaxTradesPerHour = 0 }},
		{"bad order type", func(c *TradingConfiguration) { c.OrderType = "STOP" }},
		{"unknown strategy", func(c *TradingConfiguration) { c.SellStrategy = "YOLO" }},
		{"combined without stop loss", func(c *TradingConfiguration) { c.StopLossBps = 0 }},
		{"combined without trailing bps", func(c *TradingConfiguration) { c.TrailingStopBps = 0 }},
		{"combined without hold limit", func(c *TradingConfiguration) { c.TimeBasedExitMinutes = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("invalid configuration accepted")
			}
			if !errs.IsCode(err, errs.CodeConfigMissing) {
				t.Errorf("error code = %s, want %s", errs.CodeOf(err), errs.CodeConfigMissing)
			}
		})
	}
}

func TestProfitOnlyStrategySkipsStopFields(t *testing.T) {
	c := validConfig()
	c.SellStrategy = StrategyProfitTarget
	c.StopLossBps = 0
	c.TrailingStopBps = 0
	c.TimeBasedExitMinutes = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("profit-target-only configuration rejected: %v", err)
	}
}

func TestPriceToleranceBounds(t *testing.T) {
	for _, tol := range []float64{0.1, 1, 50} {
		c := validConfig()
		c.PriceTolerance = tol
		if err := c.Validate(); err != nil {
			t.Errorf("tolerance %v rejected: %v", tol, err)
		}
	}
	for _, tol := range []float64{0, 0.09, 50.01, -1} {
		c := validConfig()
		c.PriceTolerance = tol
		if err := c.Validate(); err == nil {
			t.Errorf("tolerance %v accepted", tol)
		}
	}
}

func TestSymbolAllowed(t *testing.T) {
	c := validConfig()
	if !c.SymbolAllowed("ANYUSDT") {
		t.Error("empty set should allow every symbol")
	}
	c.EnabledSymbols = []string{"AUSDT", "BUSDT"}
	if !c.SymbolAllowed("BUSDT") {
		t.Error("listed symbol rejected")
	}
	if c.SymbolAllowed("CUSDT") {
		t.Error("unlisted symbol allowed")
	}
}

func TestNewListingEventStampsExpiry(t *testing.T) {
	detected := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := NewListingEvent("NEWUSDT", "vc1", "New Project", "calendar", "high", 1.5, detected, detected.Add(time.Hour))
	want := detected.Add(24 * time.Hour)
	if !e.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", e.ExpiresAt, want)
	}
}
