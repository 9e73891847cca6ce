// Package auth owns broker sessions: the adapter registry, credential
// restore at startup, auth-status fan-out to listeners, and the background
// token refresher.
//
// The registry is written during startup and sealed before serving; after
// Seal, Register fails and reads need no locking discipline from callers.
// Listeners are notified in registration order.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

// CredentialStore is the credentials port. Blobs are opaque to this package
// beyond the broker.Credentials shape.
type CredentialStore interface {
	Load(brokerID string) (broker.Credentials, bool, error)
	Store(brokerID string, creds broker.Credentials) error
	Delete(brokerID string) error
}

// Status is the auth event published to listeners.
type Status struct {
	BrokerID       string
	Authenticated  bool
	State          types.AuthState
	UserID         string
	TokenExpiresAt time.Time
}

// Listener receives auth status changes in registration order.
type Listener func(Status)

// Manager is the process-wide auth registry and refresher.
type Manager struct {
	cfg    config.AuthConfig
	creds  CredentialStore
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]broker.Adapter
	sealed   bool

	listenerMu sync.Mutex
	listeners  []Listener

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds the manager. Refresh scheduling starts as adapters
// authenticate; Close stops it.
func NewManager(cfg config.AuthConfig, creds CredentialStore, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		creds:    creds,
		logger:   logger.With("component", "auth"),
		adapters: make(map[string]broker.Adapter),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds an adapter to the registry and hooks its auth transitions.
// Fails after Seal.
func (m *Manager) Register(a broker.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return fmt.Errorf("auth registry sealed, cannot register %q", a.ID())
	}
	if _, dup := m.adapters[a.ID()]; dup {
		return fmt.Errorf("broker %q already registered", a.ID())
	}
	m.adapters[a.ID()] = a

	a.OnAuthStateChange(func(s broker.Session) {
		m.onSessionChange(s)
	})
	return nil
}

// Seal freezes the registry. Called once startup registration is done.
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Get returns the adapter for a broker id.
func (m *Manager) Get(brokerID string) (broker.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[brokerID]
	return a, ok
}

// All returns every registered adapter, ordered by broker id.
func (m *Manager) All() []broker.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]broker.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// OnChange registers an auth-status listener. Dispatch preserves
// registration order.
func (m *Manager) OnChange(fn Listener) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

// InitializeBroker restores stored credentials and authenticates one broker.
func (m *Manager) InitializeBroker(ctx context.Context, brokerID string) error {
	a, ok := m.Get(brokerID)
	if !ok {
		return types.Ef(types.KindNoBrokerAvailable, "broker %q not registered", brokerID)
	}

	var creds broker.Credentials
	if m.creds != nil {
		stored, found, err := m.creds.Load(brokerID)
		if err != nil {
			m.logger.Warn("credential load failed", "broker", brokerID, "error", err)
		} else if found {
			creds = stored
		}
	}

	resp, err := a.Authenticate(ctx, creds)
	if err != nil {
		m.logger.Error("broker authentication failed", "broker", brokerID, "error", err)
		return err
	}
	m.logger.Info("broker authenticated",
		"broker", brokerID,
		"user_id", resp.UserID,
		"expires_at", resp.TokenExpiresAt,
	)
	return nil
}

// InitializeAll initializes every registered broker, collecting failures
// without aborting the rest.
func (m *Manager) InitializeAll(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, a := range m.All() {
		if err := m.InitializeBroker(ctx, a.ID()); err != nil {
			errs[a.ID()] = err
		}
	}
	return errs
}

// Close stops the refresher and all pending timers.
func (m *Manager) Close() {
	m.cancel()
	m.timerMu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timerMu.Unlock()
}

// onSessionChange is the single adapter callback: publish to listeners,
// persist fresh tokens, and (re)schedule refresh.
func (m *Manager) onSessionChange(s broker.Session) {
	m.publish(Status{
		BrokerID:       s.BrokerID,
		Authenticated:  s.State == types.AuthAuthenticated,
		State:          s.State,
		UserID:         s.UserID,
		TokenExpiresAt: s.TokenExpiresAt,
	})

	if s.State != types.AuthAuthenticated {
		return
	}
	m.persist(s)
	m.scheduleRefresh(s.BrokerID, s.TokenExpiresAt)
}

func (m *Manager) publish(st Status) {
	m.listenerMu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// persist merges the session's tokens into the stored credential blob so a
// restart can restore the session without interactive login.
func (m *Manager) persist(s broker.Session) {
	if m.creds == nil {
		return
	}
	stored, _, err := m.creds.Load(s.BrokerID)
	if err != nil {
		m.logger.Warn("credential load for persist failed", "broker", s.BrokerID, "error", err)
	}
	stored.AccessToken = s.AccessToken
	if s.RefreshToken != "" {
		stored.RefreshToken = s.RefreshToken
	}
	stored.ExpiresAt = s.TokenExpiresAt
	if err := m.creds.Store(s.BrokerID, stored); err != nil {
		m.logger.Warn("credential persist failed", "broker", s.BrokerID, "error", err)
	}
}

// scheduleRefresh arms the refresher for one broker at expiry minus the
// configured lead. A zero expiry (static-key venues) schedules nothing.
func (m *Manager) scheduleRefresh(brokerID string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	lead := m.cfg.RefreshLead
	if lead <= 0 {
		lead = 5 * time.Minute
	}
	delay := time.Until(expiresAt.Add(-lead))
	if delay < 0 {
		delay = 0
	}

	m.timerMu.Lock()
	if t, ok := m.timers[brokerID]; ok {
		t.Stop()
	}
	m.timers[brokerID] = time.AfterFunc(delay, func() {
		m.runRefresh(brokerID)
	})
	m.timerMu.Unlock()

	m.logger.Debug("refresh scheduled", "broker", brokerID, "in", delay)
}

// runRefresh attempts the refresh grant up to the failure threshold. A
// success reschedules via the adapter's auth callback; exhaustion or a
// missing refresh grant publishes FAILED and stops.
func (m *Manager) runRefresh(brokerID string) {
	a, ok := m.Get(brokerID)
	if !ok {
		return
	}

	threshold := m.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	spacing := m.cfg.FailureSpacing
	if spacing <= 0 {
		spacing = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= threshold; attempt++ {
		if m.ctx.Err() != nil {
			return
		}
		resp, err := a.RefreshToken(m.ctx)
		if err == nil {
			m.logger.Info("token refreshed", "broker", brokerID, "expires_at", resp.TokenExpiresAt)
			return // SetTokens already republished and rescheduled
		}
		lastErr = err
		m.logger.Warn("token refresh failed",
			"broker", brokerID,
			"attempt", attempt,
			"error", err,
		)
		if types.KindOf(err) == types.KindNoRefreshToken {
			break // interactive re-login required; retrying cannot help
		}
		if attempt < threshold {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(spacing):
			}
		}
	}

	m.logger.Error("token refresh abandoned", "broker", brokerID, "error", lastErr)
	// The adapter's session flips to FAILED too, so Session() snapshots and
	// the published status agree; the auth callback publishes for us.
	a.SetState(types.AuthFailed)
}
