// Package monitor samples process resource usage and trade outcomes and
// publishes periodic performance snapshots to the event bus.
package monitor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/events"
)

// Sample cadence for performance snapshots.
const sampleInterval = 10 * time.Second

// APIStats exposes the exchange client's response-time estimate.
type APIStats interface {
	APIResponseTimeMs() float64
}

// Monitor aggregates trade outcomes and resource usage.
type Monitor struct {
	bus    *events.Bus
	api    APIStats
	clk    clock.Clock
	logger zerolog.Logger
	proc   *process.Process

	mu         sync.Mutex
	successes  int
	failures   int
	lastExecMs int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates the monitor and subscribes it to trade updates.
func New(bus *events.Bus, api APIStats, clk clock.Clock, logger zerolog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Monitor{
		bus:    bus,
		api:    api,
		clk:    clk,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	} else {
		logger.Warn().Err(err).Msg("process stats unavailable")
	}
	if bus != nil {
		bus.Subscribe(events.EventTradeUpdate, m.onTrade)
	}
	return m
}

func (m *Monitor) onTrade(e events.Event) {
	update, ok := e.Payload.(*events.TradeUpdate)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch update.Status {
	case database.AttemptSuccess:
		m.successes++
		m.lastExecMs = update.ExecutionTimeMs
	case database.AttemptFailed:
		m.failures++
	}
}

// SuccessRate returns the share of successful terminal attempts, or 1 when
// nothing has settled yet.
func (m *Monitor) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.successes + m.failures
	if total == 0 {
		return 1
	}
	return float64(m.successes) / float64(total)
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go func() {
			defer close(m.done)
			ticker := time.NewTicker(sampleInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.publish()
				}
			}
		}()
	})
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Snapshot builds the current performance payload.
func (m *Monitor) Snapshot() *events.PerformanceMetric {
	m.mu.Lock()
	execMs := m.lastExecMs
	m.mu.Unlock()

	snap := &events.PerformanceMetric{
		ExecutionTimeMs: float64(execMs),
		SuccessRate:     m.SuccessRate(),
	}
	if m.api != nil {
		snap.APIResponseTimeMs = m.api.APIResponseTimeMs()
	}
	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryUsageMB = float64(mem.RSS) / (1024 * 1024)
		}
		if cpu, err := m.proc.CPUPercent(); err == nil {
			snap.CPUUsagePercent = cpu
		}
	}
	return snap
}

func (m *Monitor) publish() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(events.EventPerformanceMetric, m.clk.Now(), m.Snapshot()))
}
