package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-turn-service/internal/transport"
)

var (
	// ErrTooManySessions is returned when max_sessions is reached.
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrSessionExists is returned for a duplicate session id.
	ErrSessionExists = errors.New("session already exists")
)

// Destroy reasons reported to the ManagerRecorder.
const (
	ReasonDisconnect   = "disconnect"
	ReasonExpired      = "expired"
	ReasonRemoved      = "removed"
	ReasonShutdown     = "shutdown"
	ReasonBackpressure = "backpressure"
	ReasonError        = "error"
)

// ManagerRecorder observes the session lifecycle.
type ManagerRecorder interface {
	Recorder
	RecordSessionCreated()
	RecordSessionDestroyed(reason string, duration time.Duration)
	RecordBackpressure()
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration // sessions without client messages this long are closed
	CleanupInterval time.Duration
	Session         Config
}

// Stats summarizes the manager.
type Stats struct {
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Expired   uint64 `json:"expired"`
	Rejected  uint64 `json:"rejected"`
}

type entry struct {
	session *Session
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

var (
	errExpired = errors.New("session idle timeout")
	errRemoved = errors.New("session removed")
	errStopped = errors.New("manager stopped")
)

// Manager manages all active sessions
type Manager struct {
	sessions map[string]*entry
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	deps     Deps
	recorder ManagerRecorder
	stats    Stats

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a session manager and starts its cleanup routine.
// recorder may be nil.
func NewManager(config ManagerConfig, deps Deps, recorder ManagerRecorder, logger *slog.Logger) *Manager {
	if config.MaxSessions <= 0 {
		config.MaxSessions = 100
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*entry),
		logger:   logger.With(slog.String("component", "session_manager")),
		config:   config,
		deps:     deps,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Start creates a session over conn and runs it until it ends. An empty
// sessionID gets a generated one.
func (m *Manager) Start(conn transport.Conn, userID, chatID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, errStopped
	}
	if _, exists := m.sessions[sessionID]; exists {
		m.stats.Rejected++
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	if len(m.sessions) >= m.config.MaxSessions {
		m.stats.Rejected++
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}

	var rec Recorder
	if m.recorder != nil {
		rec = m.recorder
	}
	s, err := New(sessionID, userID, chatID, conn, m.config.Session, m.deps, rec, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ctx, cancel := context.WithCancelCause(m.ctx)
	e := &entry{session: s, cancel: cancel, done: make(chan struct{})}
	m.sessions[sessionID] = e
	m.stats.Created++
	if m.recorder != nil {
		m.recorder.RecordSessionCreated()
	}

	m.wg.Add(1)
	go m.run(ctx, e)

	m.logger.Info("Created new session",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("chat_id", chatID),
		slog.Int("active_sessions", len(m.sessions)),
	)
	return s, nil
}

func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)

	err := e.session.Run(ctx)

	reason := ReasonDisconnect
	switch cause := context.Cause(ctx); {
	case errors.Is(err, transport.ErrBackpressure):
		reason = ReasonBackpressure
		if m.recorder != nil {
			m.recorder.RecordBackpressure()
		}
	case errors.Is(cause, errExpired):
		reason = ReasonExpired
	case errors.Is(cause, errRemoved):
		reason = ReasonRemoved
	case errors.Is(cause, errStopped), errors.Is(cause, context.Canceled) && m.ctx.Err() != nil:
		reason = ReasonShutdown
	case err != nil && ctx.Err() == nil:
		reason = ReasonError
	}

	m.mu.Lock()
	delete(m.sessions, e.session.ID)
	m.stats.Destroyed++
	active := len(m.sessions)
	m.mu.Unlock()

	duration := time.Since(e.session.CreatedAt)
	if m.recorder != nil {
		m.recorder.RecordSessionDestroyed(reason, duration)
	}

	attrs := []any{
		slog.String("session_id", e.session.ID),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
		slog.Int("active_sessions", active),
	}
	if reason == ReasonBackpressure || reason == ReasonError {
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.Warn("Session ended with error", attrs...)
		return
	}
	m.logger.Info("Session removed", attrs...)
}

// GetSession retrieves an active session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.sessions[id]
	if !exists {
		return nil, false
	}
	return e.session, true
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions, oldest first
func (m *Manager) GetAllSessions() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// RemoveSession stops a session and waits for it to finish
func (m *Manager) RemoveSession(id string) bool {
	m.mu.RLock()
	e, exists := m.sessions[id]
	m.mu.RUnlock()
	if !exists {
		return false
	}

	e.cancel(errRemoved)
	<-e.done
	return true
}

// GetStats returns the manager counters
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Active = len(m.sessions)
	return s
}

// Stop ends every session and the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	for _, e := range m.sessions {
		e.cancel(errStopped)
	}
	m.mu.Unlock()

	// Cancel context to stop cleanup routine
	m.cancel()

	// Wait for cleanup routine and sessions to finish
	<-m.cleanup
	m.wg.Wait()

	stats := m.GetStats()
	m.logger.Info("Session manager stopped",
		slog.Uint64("total_sessions", stats.Created),
		slog.Uint64("expired_sessions", stats.Expired),
		slog.Uint64("rejected_sessions", stats.Rejected),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case now := <-ticker.C:
			m.cleanupExpiredSessions(now)
		}
	}
}

// cleanupExpiredSessions closes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions(now time.Time) int {
	var expired []*entry

	m.mu.Lock()
	for _, e := range m.sessions {
		if now.Sub(e.session.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, e)
		}
	}
	m.stats.Expired += uint64(len(expired))
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
	}
	for _, e := range expired {
		e.cancel(errExpired)
	}
	return len(expired)
}
