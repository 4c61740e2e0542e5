package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/config"
	"wraith/internal/orcherr"
)

// Manager owns the active session and persists sessions through a Store
type Manager struct {
	store  Store
	cfg    config.SessionConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	current  *Session

	checkpointMu   sync.Mutex
	checkpointStop chan struct{}
	checkpointDone chan struct{}
}

// NewManager creates a manager backed by store
func NewManager(store Store, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   log.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// OpenStore returns the Store selected by cfg.Backend
func OpenStore(cfg config.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "bolt":
		return NewBoltStore(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
}

// CreateSession starts tracking a new session, makes it current and saves it
func (m *Manager) CreateSession(name string, configSnapshot map[string]interface{}) (*Session, error) {
	id := uuid.New().String()
	if name == "" {
		name = "campaign-" + time.Now().Format("20060102-150405")
	}
	s := newSession(id, name, configSnapshot, m.cfg.MaxEvents)

	m.mu.Lock()
	m.sessions[id] = s
	m.current = s
	m.mu.Unlock()

	if err := m.Save(s); err != nil {
		return s, err
	}
	m.cleanup()

	m.logger.Info().Str("session", id).Str("name", name).Msg("Session created")
	return s, nil
}

// LoadSession returns a session by id, reading it from the store if it is not in memory
func (m *Manager) LoadSession(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	doc, err := m.store.Load(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, orcherr.E("session.Load", orcherr.NotFound, err)
		}
		return nil, orcherr.E("session.Load", orcherr.PersistenceFailure, err)
	}

	s := fromDocument(doc, m.cfg.MaxEvents)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s
	return s, nil
}

// ResumeSession loads a session, moves it back to Running and makes it
// current. A session saved while Running was interrupted and is resumed too.
func (m *Manager) ResumeSession(id string) (*Session, error) {
	s, err := m.LoadSession(id)
	if err != nil {
		return nil, err
	}

	if s.State() == StateRunning {
		if err := s.Pause(); err != nil {
			return nil, err
		}
	}
	if err := s.Resume(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	if err := m.Save(s); err != nil {
		m.logger.Error().Err(err).Str("session", id).Msg("Failed to save resumed session")
	}
	m.logger.Info().Str("session", id).Str("name", s.Name()).Msg("Session resumed")
	return s, nil
}

// Current returns the active session, or nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Save persists a consistent snapshot of s
func (m *Manager) Save(s *Session) error {
	if s == nil {
		return nil
	}
	doc := s.Snapshot(m.cfg.PersistedEvents)
	if err := m.store.Save(doc); err != nil {
		return orcherr.E("session.Save", orcherr.PersistenceFailure, err)
	}
	return nil
}

// SaveCurrent persists the active session if there is one
func (m *Manager) SaveCurrent() error {
	return m.Save(m.Current())
}

// EndSession finalizes the active session as Completed, or Aborted when
// reason is not empty, and always performs a final synchronous save
func (m *Manager) EndSession(reason string) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	var err error
	if reason == "" {
		err = s.Complete()
	} else {
		err = s.Abort(reason)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("session", s.ID()).Msg("Session already ended")
	}

	if err := m.Save(s); err != nil {
		m.logger.Error().Err(err).Str("session", s.ID()).Msg("Final session save failed")
		return err
	}

	m.logger.Info().
		Str("session", s.ID()).
		Str("state", string(s.State())).
		Interface("stats", s.Stats()).
		Msg("Session ended")
	return nil
}

// ListSessions returns summaries of the stored sessions, oldest first
func (m *Manager) ListSessions() ([]Summary, error) {
	summaries, err := m.store.List()
	if err != nil {
		return nil, orcherr.E("session.List", orcherr.PersistenceFailure, err)
	}
	return summaries, nil
}

// DeleteSession removes a session from memory and the store. The active
// session cannot be deleted.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	if m.current != nil && m.current.ID() == id {
		m.mu.Unlock()
		return orcherr.E("session.Delete", orcherr.PreconditionFailed, errors.New("cannot delete the active session"))
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return orcherr.E("session.Delete", orcherr.NotFound, err)
		}
		return orcherr.E("session.Delete", orcherr.PersistenceFailure, err)
	}
	return nil
}

// StartCheckpointing saves the active session every interval until
// StopCheckpointing is called. Failed saves are logged and retried on the next tick.
func (m *Manager) StartCheckpointing(interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.GetCheckpointInterval()
	}

	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	if m.checkpointStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.checkpointStop = stop
	m.checkpointDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.SaveCurrent(); err != nil {
					m.logger.Error().Err(err).Msg("Checkpoint failed")
				} else {
					m.logger.Debug().Msg("Checkpoint saved")
				}
			case <-stop:
				return
			}
		}
	}()

	m.logger.Info().Dur("interval", interval).Msg("Checkpointing started")
}

// StopCheckpointing stops the background checkpoint and waits for it to exit
func (m *Manager) StopCheckpointing() {
	m.checkpointMu.Lock()
	stop, done := m.checkpointStop, m.checkpointDone
	m.checkpointStop, m.checkpointDone = nil, nil
	m.checkpointMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops checkpointing and releases the store
func (m *Manager) Close() error {
	m.StopCheckpointing()
	return m.store.Close()
}

// cleanup evicts the oldest sessions beyond MaxSessions, never the active one
func (m *Manager) cleanup() {
	if m.cfg.MaxSessions <= 0 {
		return
	}

	summaries, err := m.store.List()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list sessions for cleanup")
		return
	}

	m.mu.Lock()
	currentID := ""
	if m.current != nil {
		currentID = m.current.ID()
	}
	m.mu.Unlock()

	excess := len(summaries) - m.cfg.MaxSessions
	for _, summary := range summaries {
		if excess <= 0 {
			break
		}
		if summary.ID == currentID {
			continue
		}
		if err := m.store.Delete(summary.ID); err != nil {
			m.logger.Warn().Err(err).Str("session", summary.ID).Msg("Failed to evict session")
			continue
		}
		m.mu.Lock()
		delete(m.sessions, summary.ID)
		m.mu.Unlock()
		excess--
		m.logger.Info().Str("session", summary.ID).Msg("Evicted old session")
	}
}
