package detector

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/mexc"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct{ in, want string }{
		{"new", "NEWUSDT"},
		{"NEWUSDT", "NEWUSDT"},
		{"newusdc", "NEWUSDC"},
		{"wbtc", "WBTCUSDT"},
		{"XBTC", "XBTC"},
		{"abceth", "ABCETH"},
		{"  pad  ", "PADUSDT"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeSymbol(tc.in); got != tc.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type fakeCalendar struct {
	entries []mexc.CalendarEntry
	calls   int
}

func (f *fakeCalendar) GetCalendar(ctx context.Context) []mexc.CalendarEntry {
	f.calls++
	return f.entries
}

func TestCalendarScannerGradesHighAndHonorsSpacing(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	src := &fakeCalendar{entries: []mexc.CalendarEntry{
		{VcoinID: "v1", Symbol: "NEW", ProjectName: "New Project", FirstOpenTime: 1_700_000_500_000},
	}}
	s := NewCalendarScanner(src, clk, logging.New("error", nil))

	sigs := s.Scan(context.Background())
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Symbol != "NEWUSDT" || sigs[0].Confidence != ConfidenceHigh || sigs[0].Source != SourceCalendar {
		t.Errorf("signal = %+v", sigs[0])
	}
	if sigs[0].FirstOpenTime.IsZero() {
		t.Error("first open time not mapped")
	}

	// Within the spacing window the scanner must not hit upstream again.
	clk.Advance(10 * time.Second)
	if got := s.Scan(context.Background()); got != nil {
		t.Errorf("scan inside spacing returned %d signals", len(got))
	}
	if src.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", src.calls)
	}

	clk.Advance(25 * time.Second)
	s.Scan(context.Background())
	if src.calls != 2 {
		t.Errorf("upstream calls after spacing = %d, want 2", src.calls)
	}
}

type fakeTickers struct {
	tickers []mexc.Ticker24hr
	err     error
}

func (f *fakeTickers) Get24hrTickers(ctx context.Context) ([]mexc.Ticker24hr, error) {
	return f.tickers, f.err
}

func TestTickerDiffBaselineThenDiff(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	src := &fakeTickers{tickers: []mexc.Ticker24hr{
		{Symbol: "BTCUSDT", LastPrice: 65000},
		{Symbol: "ETHUSDT", LastPrice: 3000},
	}}
	s := NewTickerDiffScanner(src, clk, logging.New("error", nil))

	// First pass builds the baseline and emits nothing.
	if sigs := s.Scan(context.Background()); len(sigs) != 0 {
		t.Fatalf("baseline pass emitted %d signals", len(sigs))
	}

	clk.Advance(20 * time.Second)
	src.tickers = append(src.tickers, mexc.Ticker24hr{
		Symbol: "NEWUSDT", LastPrice: 1.5, Volume: 12000, PriceChangePercent: 250,
	})
	sigs := s.Scan(context.Background())
	if len(sigs) != 1 {
		t.Fatalf("diff pass = %d signals, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Symbol != "NEWUSDT" || sig.Source != SourceTickerDiff || sig.Confidence != ConfidenceMedium {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Price != 1.5 || sig.Volume != 12000 || sig.Change24h != 250 {
		t.Errorf("market data not carried: %+v", sig)
	}
}

type fakeInfo struct {
	info *mexc.ExchangeInfo
	err  error
}

func (f *fakeInfo) GetExchangeInfo(ctx context.Context) (*mexc.ExchangeInfo, error) {
	return f.info, f.err
}

func TestExchangeInfoScannerSkipsUntradable(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	src := &fakeInfo{info: &mexc.ExchangeInfo{Symbols: []mexc.SymbolInfo{
		{Symbol: "BTCUSDT", Status: "ENABLED"},
	}}}
	s := NewExchangeInfoScanner(src, clk, logging.New("error", nil))
	s.Scan(context.Background())

	clk.Advance(2 * time.Minute)
	src.info = &mexc.ExchangeInfo{Symbols: []mexc.SymbolInfo{
		{Symbol: "BTCUSDT", Status: "ENABLED"},
		{Symbol: "NEWUSDT", Status: "ENABLED"},
		{Symbol: "HALTUSDT", Status: "DISABLED"},
	}}
	sigs := s.Scan(context.Background())
	if len(sigs) != 1 || sigs[0].Symbol != "NEWUSDT" {
		t.Fatalf("signals = %+v, want only NEWUSDT", sigs)
	}
}

func TestSymbolsV2ScannerReportsOwnSource(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := NewSymbolsV2Scanner(&fakeInfo{info: &mexc.ExchangeInfo{}}, clk, logging.New("error", nil))
	if s.Name() != SourceSymbolsV2 {
		t.Errorf("name = %s, want %s", s.Name(), SourceSymbolsV2)
	}
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDedup) MarkSignalSeen(ctx context.Context, symbol, source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := symbol + ":" + source
	if f.seen[key] {
		return false
	}
	f.seen[key] = true
	return true
}

type fakeStore struct {
	mu       sync.Mutex
	signals  []string
	events   []database.ListingEvent
	known    map[string]bool
	checkErr error
}

func (f *fakeStore) InsertListingEvent(ctx context.Context, e *database.ListingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) ListingSeenRecently(ctx context.Context, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[symbol], f.checkErr
}

func (f *fakeStore) InsertSignal(ctx context.Context, id, symbol, source, confidence string, price float64, detectedAt, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, symbol)
	return nil
}

type staticScanner struct {
	name Source
	sigs []Signal
}

func (s *staticScanner) Name() Source                      { return s.name }
func (s *staticScanner) Scan(ctx context.Context) []Signal { return s.sigs }

func newOrchestrator(scanners []Scanner, dedup Deduper, store Store, h Handler) *Orchestrator {
	return NewOrchestrator(scanners, dedup, store, nil, h,
		5*time.Second, clock.NewManual(time.Unix(1_700_000_000, 0)), metrics.New(), logging.New("error", nil))
}

func TestMergePrefersAuthoritativeSource(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	tick := newSignal(clk, "NEWUSDT", SourceTickerDiff, ConfidenceMedium)
	tick.Price = 1.5
	cal := newSignal(clk, "NEWUSDT", SourceCalendar, ConfidenceHigh)

	var got []Signal
	o := newOrchestrator(
		[]Scanner{&staticScanner{SourceTickerDiff, []Signal{tick}}, &staticScanner{SourceCalendar, []Signal{cal}}},
		&fakeDedup{}, &fakeStore{},
		func(ctx context.Context, sig Signal) { got = append(got, sig) },
	)
	o.RunCycle(context.Background())

	if len(got) != 1 {
		t.Fatalf("dispatched = %d signals, want 1", len(got))
	}
	if got[0].Source != SourceCalendar {
		t.Errorf("winning source = %s, want calendar", got[0].Source)
	}
	if got[0].Price != 1.5 {
		t.Errorf("merged price = %v, want 1.5 carried from ticker sighting", got[0].Price)
	}
}

func TestDuplicateWindowSuppresses(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sig := newSignal(clk, "NEWUSDT", SourceCalendar, ConfidenceHigh)

	var dispatched int
	store := &fakeStore{}
	o := newOrchestrator(
		[]Scanner{&staticScanner{SourceCalendar, []Signal{sig}}},
		&fakeDedup{}, store,
		func(ctx context.Context, s Signal) { dispatched++ },
	)
	o.RunCycle(context.Background())
	o.RunCycle(context.Background())

	if dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", dispatched)
	}
	if len(store.signals) != 1 {
		t.Errorf("persisted = %d, want 1", len(store.signals))
	}
}

func TestDurableSuppressionAndFailOpen(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	// Known in the store: suppressed even though the window dedup passes.
	var dispatched int
	store := &fakeStore{known: map[string]bool{"NEWUSDT": true}}
	o := newOrchestrator(
		[]Scanner{&staticScanner{SourceCalendar, []Signal{newSignal(clk, "NEWUSDT", SourceCalendar, ConfidenceHigh)}}},
		&fakeDedup{}, store,
		func(ctx context.Context, s Signal) { dispatched++ },
	)
	o.RunCycle(context.Background())
	if dispatched != 0 {
		t.Fatalf("known listing dispatched %d times", dispatched)
	}

	// Store check failing must not block the signal.
	store2 := &fakeStore{checkErr: context.DeadlineExceeded}
	o2 := newOrchestrator(
		[]Scanner{&staticScanner{SourceCalendar, []Signal{newSignal(clk, "XUSDT", SourceCalendar, ConfidenceHigh)}}},
		&fakeDedup{}, store2,
		func(ctx context.Context, s Signal) { dispatched++ },
	)
	o2.RunCycle(context.Background())
	if dispatched != 1 {
		t.Errorf("fail-open dispatch = %d, want 1", dispatched)
	}
}

type blockingScanner struct {
	release chan struct{}
	entered chan struct{}
}

func (s *blockingScanner) Name() Source { return SourceTickerDiff }
func (s *blockingScanner) Scan(ctx context.Context) []Signal {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	sc := &blockingScanner{release: make(chan struct{}), entered: make(chan struct{}, 2)}
	o := newOrchestrator([]Scanner{sc}, &fakeDedup{}, &fakeStore{}, nil)

	done := make(chan struct{})
	go func() {
		o.RunCycle(context.Background())
		close(done)
	}()
	<-sc.entered

	// Second tick while the first is still scanning: must return at once
	// without entering the scanner.
	o.RunCycle(context.Background())
	select {
	case <-sc.entered:
		t.Fatal("overlapping cycle reached the scanner")
	default:
	}

	close(sc.release)
	<-done
}

type slowScanner struct {
	clk *clock.Manual
	lag time.Duration
}

func (s *slowScanner) Name() Source { return SourceExchangeInfo }
func (s *slowScanner) Scan(ctx context.Context) []Signal {
	s.clk.Advance(s.lag)
	return nil
}

func TestSlowCycleWarnsPastBudget(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("warn", &buf)

	// 4.5 s of scanning against a 5 s interval crosses the 4 s soft budget.
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	o := NewOrchestrator([]Scanner{&slowScanner{clk: clk, lag: 4500 * time.Millisecond}},
		&fakeDedup{}, &fakeStore{}, nil, nil, 5*time.Second, clk, metrics.New(), logger)
	o.RunCycle(context.Background())
	if !strings.Contains(buf.String(), "time budget") {
		t.Fatalf("no overrun warning logged: %q", buf.String())
	}

	buf.Reset()
	clk2 := clock.NewManual(time.Unix(1_700_000_000, 0))
	o2 := NewOrchestrator([]Scanner{&slowScanner{clk: clk2, lag: 3 * time.Second}},
		&fakeDedup{}, &fakeStore{}, nil, nil, 5*time.Second, clk2, metrics.New(), logger)
	o2.RunCycle(context.Background())
	if strings.Contains(buf.String(), "time budget") {
		t.Fatal("warning logged for a cycle inside the budget")
	}
}
