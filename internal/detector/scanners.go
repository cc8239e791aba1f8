package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/mexc"
)

// Scanner is one detection surface. Scan returns the raw sightings for
// this cycle; a scanner that is not yet due returns nil. Scanners never
// fail the cycle: upstream errors are logged and swallowed.
type Scanner interface {
	Name() Source
	Scan(ctx context.Context) []Signal
}

// Minimum spacing between upstream calls per scanner.
const (
	calendarSpacing     = 30 * time.Second
	tickerDiffSpacing   = 15 * time.Second
	exchangeInfoSpacing = 60 * time.Second
)

func newSignal(clk clock.Clock, symbol string, source Source, conf Confidence) Signal {
	now := clk.Now()
	return Signal{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		Source:            source,
		Confidence:        conf,
		DetectedAt:        now,
		FreshnessDeadline: now.Add(FreshnessWindow),
	}
}

// CalendarSource is the client slice for the calendar scanner.
type CalendarSource interface {
	GetCalendar(ctx context.Context) []mexc.CalendarEntry
}

// CalendarScanner polls the new-coin calendar. Calendar sightings carry
// high confidence: the exchange itself announced the listing.
type CalendarScanner struct {
	source  CalendarSource
	clk     clock.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
	lastRun time.Time
}

// NewCalendarScanner creates the calendar scanner.
func NewCalendarScanner(source CalendarSource, clk clock.Clock, logger zerolog.Logger) *CalendarScanner {
	return &CalendarScanner{source: source, clk: clk, logger: logger}
}

func (s *CalendarScanner) Name() Source { return SourceCalendar }

func (s *CalendarScanner) Scan(ctx context.Context) []Signal {
	if !s.due() {
		return nil
	}
	entries := s.source.GetCalendar(ctx)
	signals := make([]Signal, 0, len(entries))
	for _, e := range entries {
		symbol := NormalizeSymbol(e.Symbol)
		if symbol == "" {
			continue
		}
		sig := newSignal(s.clk, symbol, SourceCalendar, ConfidenceHigh)
		sig.VcoinID = e.VcoinID
		sig.ProjectName = e.ProjectName
		if e.FirstOpenTime > 0 {
			sig.FirstOpenTime = time.UnixMilli(e.FirstOpenTime).UTC()
		}
		signals = append(signals, sig)
	}
	return signals
}

func (s *CalendarScanner) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < calendarSpacing {
		return false
	}
	s.lastRun = now
	return true
}

// TickerSource is the client slice for the ticker-diff scanner.
type TickerSource interface {
	Get24hrTickers(ctx context.Context) ([]mexc.Ticker24hr, error)
}

// TickerDiffScanner snapshots the full ticker universe and emits symbols
// that appear between snapshots. The first pass only builds the baseline.
type TickerDiffScanner struct {
	source TickerSource
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	known   map[string]struct{}
}

// NewTickerDiffScanner creates the ticker-diff scanner.
func NewTickerDiffScanner(source TickerSource, clk clock.Clock, logger zerolog.Logger) *TickerDiffScanner {
	return &TickerDiffScanner{source: source, clk: clk, logger: logger}
}

func (s *TickerDiffScanner) Name() Source { return SourceTickerDiff }

func (s *TickerDiffScanner) Scan(ctx context.Context) []Signal {
	if !s.due() {
		return nil
	}
	tickers, err := s.source.Get24hrTickers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ticker snapshot failed")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(tickers))
	var signals []Signal
	for _, t := range tickers {
		current[t.Symbol] = struct{}{}
		if s.known == nil {
			continue // baseline pass
		}
		if _, seen := s.known[t.Symbol]; seen {
			continue
		}
		sig := newSignal(s.clk, NormalizeSymbol(t.Symbol), SourceTickerDiff, ConfidenceMedium)
		sig.Price = t.LastPrice
		sig.Volume = t.Volume
		sig.Change24h = t.PriceChangePercent
		signals = append(signals, sig)
	}
	s.known = current
	return signals
}

func (s *TickerDiffScanner) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < tickerDiffSpacing {
		return false
	}
	s.lastRun = now
	return true
}

// InfoSource is the client slice for the exchange-info scanner.
type InfoSource interface {
	GetExchangeInfo(ctx context.Context) (*mexc.ExchangeInfo, error)
}

// ExchangeInfoScanner diffs the tradable symbol universe from exchangeInfo.
// Like the ticker scanner, the first pass is baseline-only.
type ExchangeInfoScanner struct {
	source InfoSource
	name   Source
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	known   map[string]struct{}
}

// NewExchangeInfoScanner creates the exchange-info scanner.
func NewExchangeInfoScanner(source InfoSource, clk clock.Clock, logger zerolog.Logger) *ExchangeInfoScanner {
	return &ExchangeInfoScanner{source: source, name: SourceExchangeInfo, clk: clk, logger: logger}
}

// NewSymbolsV2Scanner is the same diff over exchangeInfo reported under the
// symbolsv2 source, which ranks above plain exchange_info when merging.
func NewSymbolsV2Scanner(source InfoSource, clk clock.Clock, logger zerolog.Logger) *ExchangeInfoScanner {
	return &ExchangeInfoScanner{source: source, name: SourceSymbolsV2, clk: clk, logger: logger}
}

func (s *ExchangeInfoScanner) Name() Source { return s.name }

func (s *ExchangeInfoScanner) Scan(ctx context.Context) []Signal {
	if !s.due() {
		return nil
	}
	info, err := s.source.GetExchangeInfo(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("exchange info snapshot failed")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(info.Symbols))
	var signals []Signal
	for _, sym := range info.Symbols {
		if !tradable(sym.Status) {
			continue
		}
		current[sym.Symbol] = struct{}{}
		if s.known == nil {
			continue
		}
		if _, seen := s.known[sym.Symbol]; seen {
			continue
		}
		signals = append(signals, newSignal(s.clk, NormalizeSymbol(sym.Symbol), s.name, ConfidenceMedium))
	}
	s.known = current
	return signals
}

func tradable(status string) bool {
	return status == "TRADING" || status == "ENABLED" || status == "1"
}

func (s *ExchangeInfoScanner) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < exchangeInfoSpacing {
		return false
	}
	s.lastRun = now
	return true
}
