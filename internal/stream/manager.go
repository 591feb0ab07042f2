package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
)

const defaultCleanupInterval = 30 * time.Second

// Manager owns all open streaming sessions
type Manager struct {
	sessions map[string]*Session
	aborted  map[string]time.Time // recently aborted ids, so late calls fail distinctly
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig

	scheduler Scheduler

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(config ManagerConfig, scheduler Scheduler, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	config.Session = config.Session.WithDefaults()
	if err := config.Session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions cannot be negative, got %d", config.MaxSessions)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:  make(map[string]*Session),
		aborted:   make(map[string]time.Time),
		logger:    logger,
		metrics:   m,
		config:    config,
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go mgr.startCleanupRoutine()

	return mgr, nil
}

// OpenSession creates a new ACTIVE session for language
func (m *Manager) OpenSession(language string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("session manager stopped")
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w (%d): %w", ErrTooManySessions, m.config.MaxSessions, batch.ErrCapacityExceeded)
	}

	id := uuid.NewString()
	session, err := NewSession(id, language, m.config.Session, m.scheduler, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = session

	m.metrics.RecordSessionOpened()
	m.metrics.SetActiveSessions(len(m.sessions))
	m.logger.Info("Created new stream session",
		slog.String("session_id", id),
		slog.String("language", language),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// GetSession retrieves an open session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// lookup returns an open session or the error describing why there is none
func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if session, exists := m.sessions[id]; exists {
		return session, nil
	}
	if _, wasAborted := m.aborted[id]; wasAborted {
		return nil, ErrSessionClosedPrematurely
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// PushFrame feeds audio bytes to a session
func (m *Manager) PushFrame(id string, data []byte) error {
	session, err := m.lookup(id)
	if err != nil {
		return err
	}
	return session.PushAudio(data)
}

// CloseSession drains a session and returns its transcript
func (m *Manager) CloseSession(ctx context.Context, id string) (transcript.Transcript, error) {
	session, err := m.lookup(id)
	if err != nil {
		return transcript.Transcript{}, err
	}

	result, err := session.Close(ctx)
	if session.Aborted() {
		m.forget(id, true)
	} else if err == nil {
		m.forget(id, false)
	}
	return result, err
}

// AbortSession drops a session without a final result
func (m *Manager) AbortSession(id string) error {
	session, err := m.lookup(id)
	if err != nil {
		return err
	}
	session.Abort()
	m.forget(id, true)
	return nil
}

func (m *Manager) forget(id string, aborted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return
	}
	delete(m.sessions, id)
	if aborted {
		m.aborted[id] = time.Now()
	}
	m.metrics.SetActiveSessions(len(m.sessions))
}

// ActiveCount returns the number of open sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of all open sessions (for monitoring)
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// Stop closes every open session, aborting those that do not finish before ctx ends
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping stream manager...")

	// Cancel context to stop cleanup routine and reject new sessions
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	<-m.cleanup

	var wg sync.WaitGroup
	for _, info := range m.Sessions() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.CloseSession(ctx, id); err != nil {
				m.logger.Warn("Session did not close cleanly",
					slog.String("session_id", id),
					slog.String("error", err.Error()))
				_ = m.AbortSession(id)
			}
		}(info.ID)
	}
	wg.Wait()

	m.logger.Info("Stream manager stopped", slog.Int("remaining_sessions", m.ActiveCount()))
	return ctx.Err()
}

// startCleanupRoutine runs in a separate goroutine to abort idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", m.config.SessionTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions aborts sessions that have been idle for too long
func (m *Manager) cleanupExpiredSessions() {
	if m.config.SessionTimeout <= 0 {
		return
	}

	now := time.Now()
	expired := make([]string, 0)

	m.mu.Lock()
	for id, session := range m.sessions {
		if session.State() == StateActive && now.Sub(session.LastActivity()) > m.config.SessionTimeout {
			expired = append(expired, id)
		}
	}
	for id, at := range m.aborted {
		if now.Sub(at) > m.config.SessionTimeout {
			delete(m.aborted, id)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
		for _, id := range expired {
			_ = m.AbortSession(id)
		}
	}
}
