package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/logging"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/tracker"
)

type fakePinger struct {
	err   error
	ms    float64
	calls int
}

func (f *fakePinger) GetServerTime(ctx context.Context) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return time.Now().UnixMilli(), nil
}

func (f *fakePinger) APIResponseTimeMs() float64 { return f.ms }

type fakeRebuildStore struct {
	open []database.TradeAttempt
	err  error
}

func (f *fakeRebuildStore) OpenBuyAttempts(ctx context.Context) ([]database.TradeAttempt, error) {
	return f.open, f.err
}

func newSupervisor(comps Components) *Supervisor {
	return New(comps, nil, clock.NewManual(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)),
		logging.New("error", nil))
}

func TestLifecycleStates(t *testing.T) {
	s := newSupervisor(Components{Exchange: &fakePinger{}})
	if s.State() != StateStopped {
		t.Fatalf("initial state = %s", s.State())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state after start = %s", s.State())
	}

	// A second start while running must be rejected.
	err := s.Start(context.Background())
	if !errs.IsCode(err, errs.CodeDuplicateAttempt) {
		t.Fatalf("double start err = %v", err)
	}

	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("state after stop = %s", s.State())
	}
	// Stopping an already-stopped bot is a no-op.
	s.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	s := newSupervisor(Components{Exchange: &fakePinger{}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state after restart = %s", s.State())
	}
	s.Stop()
}

func TestStartFailsWhenRebuildFails(t *testing.T) {
	clk := clock.NewManual(time.Now())
	book := tracker.New(clk, metrics.New(), logging.New("error", nil))
	s := newSupervisor(Components{
		Tracker: book,
		Store:   &fakeRebuildStore{err: errors.New("db down")},
	})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("start succeeded with a failing rebuild")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after failed start = %s", s.State())
	}
}

func TestRebuildRestoresOpenBuys(t *testing.T) {
	clk := clock.NewManual(time.Now())
	book := tracker.New(clk, metrics.New(), logging.New("error", nil))
	entered := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s := newSupervisor(Components{
		Tracker: book,
		Store: &fakeRebuildStore{open: []database.TradeAttempt{
			{ID: "buy-1", Symbol: "NEWUSDT", ExecutedPrice: 1.2, ExecutedQuantity: 20, CreatedAt: entered},
		}},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	pos, ok := book.Get("NEWUSDT")
	if !ok {
		t.Fatal("position not restored")
	}
	if pos.TradeAttemptID != "buy-1" || !pos.EntryTime.Equal(entered) {
		t.Errorf("restored position = %+v", pos)
	}
}

func TestHeartbeatDegradesAndRecovers(t *testing.T) {
	pinger := &fakePinger{err: errors.New("timeout")}
	s := newSupervisor(Components{Exchange: pinger})

	for i := 0; i < degradedAfter; i++ {
		s.Beat(context.Background())
	}
	if got := s.ExchangeStatus(); got != ExchangeDegraded {
		t.Fatalf("status after %d failures = %s", degradedAfter, got)
	}

	for i := degradedAfter; i < downAfter; i++ {
		s.Beat(context.Background())
	}
	if got := s.ExchangeStatus(); got != ExchangeDown {
		t.Fatalf("status after %d failures = %s", downAfter, got)
	}

	// One success clears the counter.
	pinger.err = nil
	s.Beat(context.Background())
	if got := s.ExchangeStatus(); got != ExchangeOK {
		t.Fatalf("status after recovery = %s", got)
	}
}
