// Package credentials verifies that the configured API key pair is valid
// and allowed to trade. The supervisor probes at startup and on a timer so
// a revoked key surfaces as an alert instead of a failed order.
package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/mexc"
)

// AccountSource is the signed-endpoint slice used for probing.
type AccountSource interface {
	GetAccountInfo(ctx context.Context) (*mexc.AccountInfo, error)
}

// Prober checks credential validity against the account endpoint.
type Prober struct {
	source AccountSource
	logger zerolog.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	lastErr   error
}

// New creates a prober.
func New(source AccountSource, logger zerolog.Logger) *Prober {
	return &Prober{source: source, logger: logger}
}

// Probe performs one signed round trip. A key that authenticates but is
// not allowed to trade is as unusable as a rejected one.
func (p *Prober) Probe(ctx context.Context) error {
	info, err := p.source.GetAccountInfo(ctx)
	if err == nil && !info.CanTrade {
		err = errs.New(errs.KindSecurity, errs.CodeAuth, "api key is valid but trading is disabled")
	}

	p.mu.Lock()
	p.lastCheck = time.Now().UTC()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Error().Err(err).Msg("credential probe failed")
		return err
	}
	p.logger.Debug().Msg("credential probe ok")
	return nil
}

// Status returns the result of the most recent probe.
func (p *Prober) Status() (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCheck, p.lastErr
}
