package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

const (
	defaultMaxSessions = 256
	DefaultSessionKey  = "default"
)

var ErrManagerClosed = errors.New("bridge manager closed")

type Config struct {
	TerrainWSURL string
	StateFile    string
	MaxSessions  int
	// PreviewStride is sent in HELLO; 0 keeps RESULTs preview-free.
	PreviewStride int
	Logger        *log.Logger
}

// Manager owns one terrain ws session per agent key. When full, the least
// recently used session is closed to make room.
type Manager struct {
	cfg   Config
	store *stateStore

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.TerrainWSURL == "":
		return nil, fmt.Errorf("empty terrain ws url")
	case cfg.PreviewStride < 0:
		return nil, fmt.Errorf("preview stride %d must be >= 0", cfg.PreviewStride)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	store, err := openStateStore(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, store: store, sessions: map[string]*Session{}}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	return nil
}

func (m *Manager) GetStatus(_ context.Context, sessionKey string) (Status, error) {
	s, err := m.session(sessionKey)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

func (m *Manager) GetResult(ctx context.Context, sessionKey string, opts GetResultOpts) (ResultResult, error) {
	s, err := m.activeSession(sessionKey)
	if err != nil {
		return ResultResult{}, err
	}
	return s.GetResult(ctx, opts)
}

func (m *Manager) Edit(ctx context.Context, sessionKey string, args EditArgs) (EditResult, error) {
	s, err := m.activeSession(sessionKey)
	if err != nil {
		return EditResult{}, err
	}
	return s.Edit(ctx, args)
}

// Disconnect drops the ws connection and keeps the session paused until the
// next GetResult or Edit.
func (m *Manager) Disconnect(_ context.Context, sessionKey string) error {
	s, err := m.session(sessionKey)
	if err != nil {
		return err
	}
	s.DisconnectAndPause()
	return nil
}

func (m *Manager) activeSession(key string) (*Session, error) {
	s, err := m.session(key)
	if err != nil {
		return nil, err
	}
	s.ResumeReconnect()
	return s, nil
}

func (m *Manager) session(key string) (*Session, error) {
	if key == "" {
		key = DefaultSessionKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictLRULocked()
	}

	s := NewSession(SessionConfig{
		Key:             key,
		TerrainWSURL:    m.cfg.TerrainWSURL,
		PreviewStride:   m.cfg.PreviewStride,
		LastConnectedAt: m.store.get(key).LastConnectedAt,
	}, m.onSessionUpdate)
	m.sessions[key] = s
	s.Start()
	return s, nil
}

func (m *Manager) evictLRULocked() {
	var victim string
	var victimSession *Session
	for k, s := range m.sessions {
		if victimSession == nil || s.LastUsedAt().Before(victimSession.LastUsedAt()) {
			victim, victimSession = k, s
		}
	}
	if victimSession != nil {
		victimSession.Close()
		delete(m.sessions, victim)
	}
}

func (m *Manager) onSessionUpdate(key string, upd sessionUpdate) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	if err := m.store.merge(key, upd); err != nil && m.cfg.Logger != nil {
		m.cfg.Logger.Printf("[bridge] persist session %q: %v", key, err)
	}
}
