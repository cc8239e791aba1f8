// Package risk gates order flow through position-count, daily-spend and
// daily-loss limits and sizes positions with a fractional Kelly formula.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
)

// Fractional Kelly safety factor: quarter-Kelly.
const kellyFraction = 0.25

// Config holds risk limits.
type Config struct {
	MaxOpenPositions int     // concurrent position cap
	DailyLossLimit   float64 // quote units of realized loss that halt trading
	MinStopDistance  float64 // stop distance floor as a fraction of entry (e.g. 0.001)
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions: 5,
		DailyLossLimit:   100,
		MinStopDistance:  0.001,
	}
}

// OrderCheck carries the inputs for a risk decision.
type OrderCheck struct {
	Symbol              string
	Side                string
	Quantity            float64
	Price               float64
	StopLoss            float64 // 0 when no stop attached
	PortfolioValue      float64
	DailyPnL            float64
	DailySpendRemaining float64
	OpenPositions       int
}

// Decision is the explicit approve/reject result; rejections never surface
// as errors.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// KellyPosition is the output of position sizing.
type KellyPosition struct {
	PositionSize      float64 `json:"position_size"`
	KellyFraction     float64 `json:"kelly_fraction"`
	SafeKellyFraction float64 `json:"safe_kelly_fraction"`
	RiskAmount        float64 `json:"risk_amount"`
}

// Manager tracks the daily realized ledger and applies limits.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	logger zerolog.Logger

	mu          sync.RWMutex
	dailyPnL    float64
	dailySpent  float64
	ledgerDay   time.Time
	wins        int
	losses      int
	sumWin      float64
	sumLoss     float64
}

// NewManager creates a risk manager.
func NewManager(cfg Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		ledgerDay: clk.Now().UTC().Truncate(24 * time.Hour),
	}
}

// ValidateOrder applies the risk gate. The caller supplies spend and
// position context; the manager contributes the daily-loss ledger.
func (m *Manager) ValidateOrder(check OrderCheck) Decision {
	m.mu.Lock()
	m.rollLedgerLocked()
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	notional := check.Quantity * check.Price

	if notional > check.DailySpendRemaining {
		return Decision{Approved: false, Reason: fmt.Sprintf(
			"notional %.2f exceeds remaining daily spend %.2f", notional, check.DailySpendRemaining)}
	}
	if dailyPnL <= -m.cfg.DailyLossLimit || check.DailyPnL <= -m.cfg.DailyLossLimit {
		return Decision{Approved: false, Reason: fmt.Sprintf(
			"daily loss limit reached (%.2f)", math.Min(dailyPnL, check.DailyPnL))}
	}
	if check.OpenPositions >= m.cfg.MaxOpenPositions {
		return Decision{Approved: false, Reason: fmt.Sprintf(
			"max open positions reached (%d/%d)", check.OpenPositions, m.cfg.MaxOpenPositions)}
	}
	if check.StopLoss > 0 && check.Price > 0 {
		distance := math.Abs(check.Price-check.StopLoss) / check.Price
		if distance < m.cfg.MinStopDistance {
			return Decision{Approved: false, Reason: fmt.Sprintf(
				"stop distance %.4f%% below floor %.4f%%", distance*100, m.cfg.MinStopDistance*100)}
		}
	}
	return Decision{Approved: true}
}

// CalculateKellyPosition sizes a position with quarter-Kelly.
// k = (w*R - (1-w)) / R, floored at zero.
func (m *Manager) CalculateKellyPosition(winRate, rrRatio, balance, entryPrice, stopLoss float64) KellyPosition {
	var k float64
	if rrRatio > 0 {
		k = (winRate*rrRatio - (1 - winRate)) / rrRatio
	}
	if k < 0 {
		k = 0
	}
	safe := k * kellyFraction
	riskAmount := balance * safe

	var size float64
	if dist := math.Abs(entryPrice - stopLoss); dist > 0 {
		size = math.Floor(riskAmount / dist)
	}
	return KellyPosition{
		PositionSize:      size,
		KellyFraction:     k,
		SafeKellyFraction: safe,
		RiskAmount:        riskAmount,
	}
}

// KellyInputs derives win rate and reward ratio from the realized ledger,
// falling back to conservative priors until ten trades have closed.
func (m *Manager) KellyInputs() (winRate, rrRatio float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.wins + m.losses
	if total < 10 || m.wins == 0 || m.losses == 0 {
		return 0.55, 1.5
	}
	winRate = float64(m.wins) / float64(total)
	avgWin := m.sumWin / float64(m.wins)
	avgLoss := m.sumLoss / float64(m.losses)
	if avgLoss <= 0 {
		return winRate, 1.5
	}
	return winRate, avgWin / avgLoss
}

// RecordRealizedPnL feeds the daily ledger after a position closes.
func (m *Manager) RecordRealizedPnL(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLedgerLocked()
	m.dailyPnL += pnl
	if pnl >= 0 {
		m.wins++
		m.sumWin += pnl
	} else {
		m.losses++
		m.sumLoss += -pnl
	}
	m.logger.Info().Float64("pnl", pnl).Float64("daily_pnl", m.dailyPnL).Msg("realized pnl recorded")
}

// RecordSpend feeds the daily spend ledger after a successful buy.
func (m *Manager) RecordSpend(quote float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLedgerLocked()
	m.dailySpent += quote
}

// DailyPnL returns the realized PnL for the current UTC day.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLedgerLocked()
	return m.dailyPnL
}

// DailySpent returns the quote units spent today.
func (m *Manager) DailySpent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLedgerLocked()
	return m.dailySpent
}

// ResetDaily clears the daily counters; the supervisor's midnight job
// calls this in addition to the lazy roll.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
	m.dailySpent = 0
	m.ledgerDay = m.clk.Now().UTC().Truncate(24 * time.Hour)
}

// rollLedgerLocked resets daily counters when the UTC day changes.
// Caller holds the lock.
func (m *Manager) rollLedgerLocked() {
	day := m.clk.Now().UTC().Truncate(24 * time.Hour)
	if day.After(m.ledgerDay) {
		m.dailyPnL = 0
		m.dailySpent = 0
		m.ledgerDay = day
	}
}
