package contracts

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tradegate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSnapshot(t *testing.T, dir, broker, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, broker+".csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const zerodhaCSV = `instrument_id,symbol,exchange,lot_size,tick_size
738561,RELIANCE,NSE,1,0.05
408065,INFY,NSE,1,0.05
500325,reliance,BSE,1,0.05
`

func TestLoadAndLookup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSnapshot(t, dir, "zerodha", zerodhaCSV)
	writeSnapshot(t, dir, "alpaca", "instrument_id,symbol,exchange,lot_size,tick_size\nAAPL,AAPL,NASDAQ,1,0.01\n")

	s := NewStore(dir, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	inst, ok := s.Lookup("zerodha", "RELIANCE", types.NSE)
	if !ok || inst.InstrumentID != "738561" || inst.TickSize != 0.05 {
		t.Errorf("lookup = %+v ok=%v", inst, ok)
	}

	// Symbols are case-normalized on load and lookup.
	if _, ok := s.Lookup("zerodha", "reliance", types.BSE); !ok {
		t.Error("case-insensitive lookup failed")
	}

	if _, ok := s.Lookup("zerodha", "TSLA", types.NASDAQ); ok {
		t.Error("unexpected hit for unknown instrument")
	}
	if _, ok := s.Lookup("ghost", "RELIANCE", types.NSE); ok {
		t.Error("unexpected hit for unknown broker")
	}

	if got := s.Count("zerodha"); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
}

func TestLoadMissingDirIsEmptyCache(t *testing.T) {
	t.Parallel()

	s := NewStore(filepath.Join(t.TempDir(), "nope"), testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := s.Lookup("zerodha", "RELIANCE", types.NSE); ok {
		t.Error("lookup hit on empty cache")
	}
}

func TestReloadKeepsPreviousSnapshotOnParseError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSnapshot(t, dir, "zerodha", zerodhaCSV)

	s := NewStore(dir, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	// A corrupt refresh must not wipe the working snapshot.
	writeSnapshot(t, dir, "zerodha", "instrument_id,symbol,exchange,lot_size,tick_size\nbad,row,NSE,notanumber,0.05\n")
	if err := s.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := s.Lookup("zerodha", "RELIANCE", types.NSE); !ok {
		t.Error("previous snapshot lost after failed reload")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSnapshot(t, dir, "zerodha", zerodhaCSV)

	s := NewStore(dir, testLogger())
	s.Load()

	writeSnapshot(t, dir, "zerodha", "instrument_id,symbol,exchange,lot_size,tick_size\n2953217,TCS,NSE,1,0.05\n")
	if err := s.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := s.Lookup("zerodha", "TCS", types.NSE); !ok {
		t.Error("new snapshot not visible")
	}
	if _, ok := s.Lookup("zerodha", "RELIANCE", types.NSE); ok {
		t.Error("stale instrument survived the swap")
	}
}

func TestStartRefreshRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), testLogger())
	if err := s.StartRefresh("not a cron spec"); err == nil {
		t.Error("invalid cron spec must fail")
	}
	if err := s.StartRefresh("30 8 * * *"); err != nil {
		t.Errorf("valid cron spec rejected: %v", err)
	}
	s.Close()
}
