// Package contracts implements the master-contract cache: per-broker CSV
// snapshots mapping canonical (symbol, exchange) pairs to venue instrument
// identities. Snapshots reload on a cron schedule; lookups are lock-cheap
// and never hit the filesystem.
package contracts

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"tradegate/pkg/types"
)

// Store loads and serves master-contract snapshots. One CSV per broker,
// named <broker_id>.csv, columns:
//
//	instrument_id,symbol,exchange,lot_size,tick_size
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	byBroker map[string]map[string]types.Instrument // broker -> "SYMBOL:EXCHANGE" -> instrument

	cron *cron.Cron
}

// NewStore builds a store over a snapshot directory. Call Load before use.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:      dir,
		logger:   logger.With("component", "contracts"),
		byBroker: make(map[string]map[string]types.Instrument),
	}
}

// Load reads every <broker>.csv under the snapshot directory and swaps the
// cache atomically. A missing directory is not an error; a broker whose
// file fails to parse keeps its previous snapshot.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("contract directory missing, cache empty", "dir", s.dir)
			return nil
		}
		return fmt.Errorf("read contract dir %s: %w", s.dir, err)
	}

	loaded := make(map[string]map[string]types.Instrument)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		brokerID := strings.TrimSuffix(e.Name(), ".csv")
		instruments, err := loadSnapshot(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Error("contract snapshot unusable, keeping previous",
				"broker", brokerID, "error", err)
			continue
		}
		loaded[brokerID] = instruments
		s.logger.Info("contract snapshot loaded", "broker", brokerID, "instruments", len(instruments))
	}

	s.mu.Lock()
	for brokerID, instruments := range loaded {
		s.byBroker[brokerID] = instruments
	}
	s.mu.Unlock()
	return nil
}

// Lookup resolves a canonical (symbol, exchange) for one broker.
func (s *Store) Lookup(brokerID, symbol string, exchange types.Exchange) (types.Instrument, bool) {
	key := contractKey(symbol, exchange)
	s.mu.RLock()
	defer s.mu.RUnlock()
	instruments, ok := s.byBroker[brokerID]
	if !ok {
		return types.Instrument{}, false
	}
	inst, ok := instruments[key]
	return inst, ok
}

// Count reports the snapshot size for one broker.
func (s *Store) Count(brokerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byBroker[brokerID])
}

// StartRefresh schedules Load on the cron spec (e.g. "30 8 * * *" for a
// daily refresh after the venues publish new contracts).
func (s *Store) StartRefresh(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.Load(); err != nil {
			s.logger.Error("scheduled contract refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule contract refresh %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("contract refresh scheduled", "spec", spec)
	return nil
}

// Close stops the refresh schedule.
func (s *Store) Close() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func contractKey(symbol string, exchange types.Exchange) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + ":" + string(exchange)
}

func loadSnapshot(path string) (map[string]types.Instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) != 5 || !strings.EqualFold(header[0], "instrument_id") {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	out := make(map[string]types.Instrument)
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		lotSize, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: lot_size %q: %w", line, rec[3], err)
		}
		tickSize, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: tick_size %q: %w", line, rec[4], err)
		}

		symbol := strings.ToUpper(strings.TrimSpace(rec[1]))
		exchange := types.Exchange(strings.ToUpper(strings.TrimSpace(rec[2])))
		out[contractKey(symbol, exchange)] = types.Instrument{
			InstrumentID: rec[0],
			Symbol:       symbol,
			Exchange:     exchange,
			LotSize:      lotSize,
			TickSize:     tickSize,
		}
	}
	return out, nil
}
