// Package bot supervises the trading pipeline: lifecycle state machine,
// heartbeats, scheduled maintenance jobs and crash-safe position rebuild.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/credentials"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/detector"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/monitor"
	"mexc-sniper-bot/internal/risk"
	"mexc-sniper-bot/internal/rules"
	"mexc-sniper-bot/internal/sellengine"
	"mexc-sniper-bot/internal/tracker"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Heartbeat cadence and the consecutive-failure thresholds that downgrade
// the reported exchange status.
const (
	HeartbeatInterval = 5 * time.Second
	degradedAfter     = 3
	downAfter         = 6
	restartGuard      = time.Second
	pingTimeout       = 3 * time.Second
)

// Exchange liveness grades published on bot_status.
const (
	ExchangeOK       = "OK"
	ExchangeDegraded = "DEGRADED"
	ExchangeDown     = "DOWN"
)

// Pinger is the exchange slice used for liveness checks.
type Pinger interface {
	GetServerTime(ctx context.Context) (int64, error)
	APIResponseTimeMs() float64
}

// RebuildStore loads open buys so the position book survives restarts.
type RebuildStore interface {
	OpenBuyAttempts(ctx context.Context) ([]database.TradeAttempt, error)
}

// Components are the managed subsystems. Nil members are skipped, which
// keeps tests small.
type Components struct {
	Detector    *detector.Orchestrator
	SellEngine  *sellengine.Engine
	Monitor     *monitor.Monitor
	Rules       *rules.Cache
	Risk        *risk.Manager
	Credentials *credentials.Prober
	Tracker     *tracker.Tracker
	Store       RebuildStore
	Exchange    Pinger
}

// Supervisor owns the lifecycle of the bot.
type Supervisor struct {
	comps  Components
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	pingFailures int

	cron   *cron.Cron
	hbStop chan struct{}
	hbDone chan struct{}
	cancel context.CancelFunc
}

// New creates a supervisor in the STOPPED state.
func New(comps Components, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Supervisor{
		comps:  comps,
		bus:    bus,
		clk:    clk,
		logger: logger,
		state:  StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start brings the pipeline up. Only a STOPPED supervisor can start; a
// second start while running is rejected.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return errs.Trading(errs.CodeDuplicateAttempt, "bot is already "+string(s.state))
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info().Msg("bot starting")
	if err := s.rebuildPositions(ctx); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}
	if s.comps.Rules != nil {
		if err := s.comps.Rules.LoadRules(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial rules load failed, validation will fail closed")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.startedAt = s.clk.Now()
	s.pingFailures = 0
	s.mu.Unlock()

	if s.comps.Detector != nil {
		s.comps.Detector.Start(runCtx)
	}
	if s.comps.SellEngine != nil {
		s.comps.SellEngine.Start(runCtx)
	}
	if s.comps.Monitor != nil {
		s.comps.Monitor.Start(runCtx)
	}
	s.startCron(runCtx)
	s.startHeartbeat(runCtx)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.publishStatus(ExchangeOK)
	s.logger.Info().Msg("bot running")
	return nil
}

// Stop winds the pipeline down in reverse order and waits for the loops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("bot stopping")
	if s.hbStop != nil {
		close(s.hbStop)
		<-s.hbDone
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.comps.Detector != nil {
		s.comps.Detector.Stop()
	}
	if s.comps.SellEngine != nil {
		s.comps.SellEngine.Stop()
	}
	if s.comps.Monitor != nil {
		s.comps.Monitor.Stop()
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.publishStatus(s.ExchangeStatus())
	s.logger.Info().Msg("bot stopped")
}

// Restart stops, waits the guard interval and starts again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	time.Sleep(restartGuard)
	return s.Start(ctx)
}

// Uptime reports how long the bot has been running, zero when stopped.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return 0
	}
	return s.clk.Since(s.startedAt)
}

// rebuildPositions restores the book from successful buys that have no
// successful sell yet.
func (s *Supervisor) rebuildPositions(ctx context.Context) error {
	if s.comps.Store == nil || s.comps.Tracker == nil {
		return nil
	}
	open, err := s.comps.Store.OpenBuyAttempts(ctx)
	if err != nil {
		return err
	}
	for _, buy := range open {
		s.comps.Tracker.Restore(buy.Symbol, buy.ExecutedQuantity, buy.ExecutedPrice, buy.CreatedAt, buy.ID)
	}
	if len(open) > 0 {
		s.logger.Info().Int("positions", len(open)).Msg("position book rebuilt")
	}
	return nil
}

func (s *Supervisor) startCron(ctx context.Context) {
	c := cron.New(cron.WithLocation(time.UTC))
	if s.comps.Rules != nil {
		c.AddFunc("0 * * * *", func() {
			if err := s.comps.Rules.Refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("scheduled rules refresh failed")
			}
		})
	}
	if s.comps.Credentials != nil {
		c.AddFunc("*/15 * * * *", func() {
			if err := s.comps.Credentials.Probe(ctx); err != nil {
				s.alert("credentials", "critical", err.Error(), "rotate the api key")
			}
		})
	}
	if s.comps.Risk != nil {
		c.AddFunc("0 0 * * *", s.comps.Risk.ResetDaily)
	}
	c.Start()
	s.cron = c
}

func (s *Supervisor) startHeartbeat(ctx context.Context) {
	s.hbStop = make(chan struct{})
	s.hbDone = make(chan struct{})
	go func() {
		defer close(s.hbDone)
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.hbStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Beat(ctx)
			}
		}
	}()
}

// Beat performs one liveness check against the exchange and publishes the
// resulting status.
func (s *Supervisor) Beat(ctx context.Context) {
	status := ExchangeOK
	if s.comps.Exchange != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		_, err := s.comps.Exchange.GetServerTime(pctx)
		cancel()

		s.mu.Lock()
		if err != nil {
			s.pingFailures++
		} else {
			s.pingFailures = 0
		}
		failures := s.pingFailures
		s.mu.Unlock()

		switch {
		case failures >= downAfter:
			status = ExchangeDown
		case failures >= degradedAfter:
			status = ExchangeDegraded
		}
		if status != ExchangeOK {
			s.logger.Warn().Int("consecutive_failures", failures).Str("status", status).Msg("exchange liveness degraded")
		}
	}
	s.publishStatus(status)
}

// ExchangeStatus derives the current liveness grade without probing.
func (s *Supervisor) ExchangeStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pingFailures >= downAfter:
		return ExchangeDown
	case s.pingFailures >= degradedAfter:
		return ExchangeDegraded
	default:
		return ExchangeOK
	}
}

func (s *Supervisor) publishStatus(exchangeStatus string) {
	if s.bus == nil {
		return
	}
	var apiMs float64
	if s.comps.Exchange != nil {
		apiMs = s.comps.Exchange.APIResponseTimeMs()
	}
	now := s.clk.Now()
	s.bus.Publish(events.New(events.EventBotStatus, now, &events.BotStatus{
		IsRunning:         s.State() == StateRunning,
		LastHeartbeat:     now,
		ExchangeAPIStatus: exchangeStatus,
		APIResponseTimeMs: apiMs,
		UptimeSeconds:     s.Uptime().Seconds(),
	}))
}

func (s *Supervisor) alert(component, severity, message, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(events.EventSystemAlert, s.clk.Now(), &events.SystemAlert{
		Severity:  severity,
		Component: component,
		Message:   message,
		Action:    action,
	}))
}
