package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionBusy is returned by Acquire when the shop's session is held by
// another in-flight task.
var ErrSessionBusy = errors.New("session busy")

// quitTimeout bounds closing a single browser session.
const quitTimeout = 10 * time.Second

// Provider opens a browser for a shop.
type Provider interface {
	Open(ctx context.Context, shopID string) (Driver, error)
}

// Session is an exclusive handle on one shop's browser. It embeds the
// Driver so handlers can drive the page directly.
type Session struct {
	ShopID string
	Driver

	discard atomic.Bool
}

// Discard marks the session to be closed on release instead of kept warm.
// Used after a timeout or panic leaves the page in an unknown state.
func (s *Session) Discard() {
	s.discard.Store(true)
}

type entry struct {
	sess     *Session // nil while opening
	inUse    bool
	lastUsed time.Time
}

// Manager maps shop identifiers to browser sessions. Only Acquire and
// Release mutate the map; a released session stays warm for the same shop.
type Manager struct {
	provider Provider
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a session manager backed by provider.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Acquire returns the shop's session, opening one through the provider if
// none is warm. The caller bounds the wait with ctx.
func (m *Manager) Acquire(ctx context.Context, shopID string) (*Session, error) {
	m.mu.Lock()
	if e, ok := m.sessions[shopID]; ok {
		if e.inUse {
			m.mu.Unlock()
			return nil, fmt.Errorf("shop %s: %w", shopID, ErrSessionBusy)
		}
		e.inUse = true
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.sess, nil
	}
	e := &entry{inUse: true}
	m.sessions[shopID] = e
	m.mu.Unlock()

	start := time.Now()
	driver, err := m.provider.Open(ctx, shopID)
	if err != nil {
		sessionOpensTotal.WithLabelValues(openFailed).Inc()
		m.mu.Lock()
		delete(m.sessions, shopID)
		m.mu.Unlock()
		return nil, fmt.Errorf("open session for shop %s: %w", shopID, err)
	}
	sessionOpensTotal.WithLabelValues(openOK).Inc()
	sessionOpenDuration.Observe(time.Since(start).Seconds())
	activeSessions.Inc()

	sess := &Session{ShopID: shopID, Driver: driver}
	m.mu.Lock()
	e.sess = sess
	e.lastUsed = time.Now()
	m.mu.Unlock()

	m.logger.Info("browser session opened", "shop_id", shopID, "duration_ms", time.Since(start).Milliseconds())
	return sess, nil
}

// Release returns a session to the manager. Discarded sessions are closed;
// others stay warm for the next task of the same shop.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}

	m.mu.Lock()
	e, ok := m.sessions[s.ShopID]
	if !ok || e.sess != s || !e.inUse {
		m.mu.Unlock()
		m.logger.Warn("release of session not held", "shop_id", s.ShopID)
		return
	}
	if s.discard.Load() {
		delete(m.sessions, s.ShopID)
		m.mu.Unlock()
		m.quit(s, "discarded")
		return
	}
	e.inUse = false
	e.lastUsed = time.Now()
	m.mu.Unlock()
}

// ReapIdle closes warm sessions unused for longer than idle and returns how
// many were closed.
func (m *Manager) ReapIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	var stale []*Session
	for shopID, e := range m.sessions {
		if e.inUse || e.sess == nil || e.lastUsed.After(cutoff) {
			continue
		}
		stale = append(stale, e.sess)
		delete(m.sessions, shopID)
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.quit(s, "idle")
		sessionsReapedTotal.Inc()
	}
	return len(stale)
}

// RunReaper closes idle sessions every idle/2 until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ReapIdle(idle); n > 0 {
				m.logger.Info("reaped idle browser sessions", "count", n)
			}
		}
	}
}

// Len returns the number of sessions currently open or opening.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close quits every session regardless of use.
func (m *Manager) Close() {
	m.mu.Lock()
	var all []*Session
	for shopID, e := range m.sessions {
		if e.sess != nil {
			all = append(all, e.sess)
		}
		delete(m.sessions, shopID)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.quit(s, "shutdown")
	}
}

// quit closes the browser with a fresh context so it completes even when the
// task's context has already expired.
func (m *Manager) quit(s *Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	if err := s.Quit(ctx); err != nil {
		m.logger.Warn("browser session quit failed", "shop_id", s.ShopID, "reason", reason, "error", err)
	} else {
		m.logger.Info("browser session closed", "shop_id", s.ShopID, "reason", reason)
	}
	activeSessions.Dec()
}
