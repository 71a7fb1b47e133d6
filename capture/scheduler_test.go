package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/config"
	"bookflow/models"
	"bookflow/store"
)

type fakeSource struct {
	mu    sync.RWMutex
	books map[string]*models.OrderBook
	reads int
}

func newFakeSource() *fakeSource {
	return &fakeSource{books: make(map[string]*models.OrderBook)}
}

func (f *fakeSource) set(instrument string, book *models.OrderBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[instrument] = book
}

func (f *fakeSource) CurrentBook(instrument string) *models.OrderBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.books[instrument]
}

func (f *fakeSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func testBook(instrument string) *models.OrderBook {
	return &models.OrderBook{
		Instrument: instrument,
		Bids: []models.Level{
			{Price: decimal.RequireFromString("100.00"), Quantity: decimal.RequireFromString("2")},
		},
		Asks: []models.Level{
			{Price: decimal.RequireFromString("100.10"), Quantity: decimal.RequireFromString("1")},
		},
		LastUpdateID: 42,
		Timestamp:    time.Now(),
	}
}

func captureConfig(instruments ...string) *config.Config {
	return &config.Config{
		Capture: config.CaptureConfig{
			Interval:           20 * time.Millisecond,
			Instruments:        instruments,
			TradeFlushInterval: time.Hour,
			TradeBuffer:        100,
		},
		Storage: config.StorageConfig{
			Retention:       time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}

func openCaptureStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// waitForSnapshot polls until a snapshot for instrument appears.
func waitForSnapshot(t *testing.T, st *store.Store, instrument string) *models.BookSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := st.LatestSnapshot(context.Background(), instrument)
		if err != nil {
			t.Fatalf("latest snapshot: %v", err)
		}
		if snap != nil {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no snapshot for %s before deadline", instrument)
	return nil
}

func TestSchedulerPersistsSnapshots(t *testing.T) {
	st := openCaptureStore(t)
	source := newFakeSource()
	source.set("BTCUSDT", testBook("BTCUSDT"))

	scheduler := NewScheduler(captureConfig("BTCUSDT"), source, st)
	if scheduler.State() != StateIdle {
		t.Fatalf("fresh scheduler state = %s, want idle", scheduler.State())
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if scheduler.State() != StateRunning {
		t.Errorf("state after start = %s, want running", scheduler.State())
	}

	snap := waitForSnapshot(t, st, "BTCUSDT")
	if snap.UpdateID != 42 {
		t.Errorf("update id = %d, want 42", snap.UpdateID)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("unexpected bids: %+v", snap.Bids)
	}

	scheduler.Stop()
	if scheduler.State() != StateStopped {
		t.Errorf("state after stop = %s, want stopped", scheduler.State())
	}
}

func TestSchedulerSkipsEmptyBooks(t *testing.T) {
	st := openCaptureStore(t)
	source := newFakeSource()
	source.set("BTCUSDT", &models.OrderBook{Instrument: "BTCUSDT"})

	scheduler := NewScheduler(captureConfig("BTCUSDT"), source, st)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	scheduler.Stop()

	snap, err := st.LatestSnapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap != nil {
		t.Error("empty book must not be persisted")
	}
}

func TestSchedulerIsolatesInstruments(t *testing.T) {
	st := openCaptureStore(t)
	source := newFakeSource()
	// ETHUSDT has no book yet; BTCUSDT must still be captured.
	source.set("BTCUSDT", testBook("BTCUSDT"))

	scheduler := NewScheduler(captureConfig("ETHUSDT", "BTCUSDT"), source, st)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForSnapshot(t, st, "BTCUSDT")
	scheduler.Stop()
}

func TestSchedulerRejectsDoubleStart(t *testing.T) {
	st := openCaptureStore(t)
	scheduler := NewScheduler(captureConfig("BTCUSDT"), newFakeSource(), st)

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer scheduler.Stop()

	if err := scheduler.Start(context.Background()); err == nil {
		t.Error("second start must fail")
	}
}

func TestSchedulerRequiresInstruments(t *testing.T) {
	st := openCaptureStore(t)
	scheduler := NewScheduler(captureConfig(), newFakeSource(), st)

	if err := scheduler.Start(context.Background()); err == nil {
		t.Fatal("start without instruments must fail")
	}
	if scheduler.State() != StateIdle {
		t.Errorf("failed start must leave scheduler idle, got %s", scheduler.State())
	}
}

func TestCaptureTickBailsOutAfterStop(t *testing.T) {
	st := openCaptureStore(t)
	source := newFakeSource()
	source.set("BTCUSDT", testBook("BTCUSDT"))

	scheduler := NewScheduler(captureConfig("BTCUSDT", "ETHUSDT"), source, st)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForSnapshot(t, st, "BTCUSDT")
	scheduler.Stop()

	// A tick racing shutdown must exit at the cancelled context
	// instead of walking the instrument list against a dead store
	// context.
	before := source.readCount()
	scheduler.captureTick()
	if got := source.readCount(); got != before {
		t.Errorf("tick after shutdown consulted the source %d times", got-before)
	}
}
