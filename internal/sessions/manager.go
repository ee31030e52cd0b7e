// Package sessions owns the in-memory session map, per-session turn
// exclusivity, branching, and idle eviction to the memory store.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/memstore"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	// SessionTimeout is how long a session may sit idle before it is
	// flushed to the store and evicted.
	SessionTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// Metrics, when set, receives the active-session gauge.
	Metrics *observability.Metrics
}

// DefaultManagerConfig returns the standard timings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SessionTimeout: 30 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// entry is one live session plus its coordination state. The turn slot is a
// one-deep channel so acquisition can race against context cancellation.
type entry struct {
	once    sync.Once
	session *models.Session
	turn    chan struct{}
}

// Manager maps session ids to canonical in-memory sessions. Concurrent
// GetOrCreate calls for the same id always return the identical instance;
// Acquire serializes turns per session while leaving other sessions free.
type Manager struct {
	store  memstore.Store
	config ManagerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager creates a manager backed by store.
func NewManager(store memstore.Store, config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultManagerConfig().SessionTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultManagerConfig().SweepInterval
	}
	return &Manager{
		store:   store,
		config:  config,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the canonical session for (channelID, senderID),
// loading a persisted snapshot on first touch or creating a fresh session.
// Every concurrent caller for the same id receives the same instance.
func (m *Manager) GetOrCreate(ctx context.Context, channelID, senderID string) *models.Session {
	id := models.BuildSessionKey(channelID, senderID)

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{turn: make(chan struct{}, 1)}
		m.entries[id] = e
		m.observeActiveLocked()
	}
	m.mu.Unlock()

	// Initialization is serialized per id; losers of the map race share the
	// winner's entry and block here until the session exists.
	e.once.Do(func() {
		stored, err := m.store.GetSession(ctx, id)
		switch {
		case err == nil:
			stored.State = models.SessionActive
			e.session = stored
		case err == memstore.ErrNotFound:
			e.session = models.NewSession(channelID, senderID)
		default:
			m.logger.Error("session load failed, starting fresh", "session_id", id, "error", err)
			e.session = models.NewSession(channelID, senderID)
		}
	})

	return e.session
}

// Handle is a scoped exclusive hold on one session's turn slot.
type Handle struct {
	session *models.Session
	release func()
	once    sync.Once
}

// Session returns the held session.
func (h *Handle) Session() *models.Session {
	return h.session
}

// Release frees the turn slot. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Acquire takes the session's turn slot, blocking until the current turn
// (if any) releases it or ctx is done. While held, no other turn on the
// same session can start.
func (m *Manager) Acquire(ctx context.Context, session *models.Session) (*Handle, error) {
	for {
		e := m.entryFor(session.ID)
		if e == nil {
			// Session was evicted between resolution and acquisition;
			// re-admit it. Double-check under the write lock so concurrent
			// re-admissions converge on a single entry.
			m.mu.Lock()
			if cur, ok := m.entries[session.ID]; ok {
				e = cur
			} else {
				e = &entry{turn: make(chan struct{}, 1)}
				e.once.Do(func() { e.session = session })
				m.entries[session.ID] = e
				m.observeActiveLocked()
			}
			m.mu.Unlock()
		}

		select {
		case e.turn <- struct{}{}:
			// The sweep may have evicted this entry while we waited. A slot
			// on an evicted entry excludes nothing, so release it and start
			// over against the current map state.
			if m.entryFor(session.ID) != e {
				<-e.turn
				continue
			}
			return &Handle{
				session: e.session,
				release: func() { <-e.turn },
			}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryAcquire takes the turn slot without blocking.
func (m *Manager) tryAcquire(e *entry) (release func(), ok bool) {
	select {
	case e.turn <- struct{}{}:
		return func() { <-e.turn }, true
	default:
		return nil, false
	}
}

// ListActive returns the sessions currently resident in memory.
func (m *Manager) ListActive() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(m.entries))
	for _, e := range m.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	return sessions
}

// IsActive reports whether the session is resident in memory.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	return ok && e.session != nil
}

// Flush persists a single session. Storage errors are logged, not fatal;
// the in-memory session stays authoritative until the next flush succeeds.
func (m *Manager) Flush(ctx context.Context, session *models.Session) {
	snapshot := session.Clone()
	snapshot.History = models.PersistentHistory(snapshot.History)
	if err := m.store.SaveSession(ctx, snapshot); err != nil {
		m.logger.Error("session flush failed", "session_id", session.ID, "error", err)
	}
}

// FlushAll persists every resident session. Used on shutdown.
func (m *Manager) FlushAll(ctx context.Context) {
	for _, session := range m.ListActive() {
		m.Flush(ctx, session)
	}
}

// Delete evicts a session and removes it, and its branches, from the store.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.observeActiveLocked()
	m.mu.Unlock()

	if err := m.store.DeleteSessionBranches(ctx, sessionID); err != nil {
		return err
	}
	err := m.store.DeleteSession(ctx, sessionID)
	if err == memstore.ErrNotFound {
		return nil
	}
	return err
}

// StartSweep launches the idle sweep. Call StopSweep to halt it.
func (m *Manager) StartSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// StopSweep halts the idle sweep and waits for it to exit.
func (m *Manager) StopSweep() {
	if m.sweepCancel == nil {
		return
	}
	m.sweepCancel()
	<-m.sweepDone
	m.sweepCancel = nil
}

// sweepOnce flushes and evicts sessions idle past the timeout. Sessions in
// the middle of a turn are skipped and picked up on a later pass.
func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.config.SessionTimeout)

	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		if e.session != nil && e.session.LastActivityAt.Before(cutoff) {
			candidates[id] = e
		}
	}
	m.mu.RUnlock()

	for id, e := range candidates {
		release, ok := m.tryAcquire(e)
		if !ok {
			continue
		}
		e.session.State = models.SessionIdle
		m.Flush(ctx, e.session)
		m.mu.Lock()
		// Only evict the entry we flushed; a concurrent re-admission may
		// have replaced it already.
		if m.entries[id] == e {
			delete(m.entries, id)
			m.observeActiveLocked()
		}
		m.mu.Unlock()
		release()
		m.logger.Debug("session evicted after idle timeout", "session_id", id)
	}
}

// observeActiveLocked updates the active-session gauge. Caller holds m.mu.
func (m *Manager) observeActiveLocked() {
	if m.config.Metrics != nil {
		m.config.Metrics.ActiveSessions.Set(float64(len(m.entries)))
	}
}

func (m *Manager) entryFor(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}
