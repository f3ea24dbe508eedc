package service

import (
	"context"
	"sync"
	"time"

	"github.com/vendaflow/atendimento-console/internal/transport"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

// sessionIdleTTL is how long a released session lingers before its
// subscriptions are torn down. REST calls between SSE reconnects reuse the
// same session instead of churning consumers.
const sessionIdleTTL = 2 * time.Minute

// SessionManager hands out per-viewer conversation sessions with reference
// counting. Every viewer (conversation, actor) pair gets its own session;
// sessions are never shared across viewers, matching the
// one-timeline-per-viewer model.
type SessionManager struct {
	convs     *ConversationService
	store     MessageStore
	transport transport.Client
	presence  Presence
	logger    *logger.Logger
	cfg       SessionConfig

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	session *Session
	refs    int
	idle    *time.Timer
}

// NewSessionManager creates a session manager.
func NewSessionManager(
	convs *ConversationService,
	store MessageStore,
	tc transport.Client,
	presence Presence,
	log *logger.Logger,
	cfg SessionConfig,
) *SessionManager {
	return &SessionManager{
		convs:     convs,
		store:     store,
		transport: tc,
		presence:  presence,
		logger:    log,
		cfg:       cfg,
		entries:   make(map[string]*sessionEntry),
	}
}

// Acquire returns the viewer's session for a conversation, opening one if
// needed. Callers must Release with the same key when done.
func (m *SessionManager) Acquire(ctx context.Context, conversationID, actorID string) (*Session, error) {
	key := conversationID + "/" + actorID

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		if entry.idle != nil {
			entry.idle.Stop()
			entry.idle = nil
		}
		entry.refs++
		m.mu.Unlock()
		return entry.session, nil
	}
	m.mu.Unlock()

	conv, err := m.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	session, err := OpenSession(ctx, conv, m.store, m.transport, m.presence, m.logger, m.cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		// Lost the race to a concurrent Acquire; keep theirs.
		session.Close()
		if entry.idle != nil {
			entry.idle.Stop()
			entry.idle = nil
		}
		entry.refs++
		return entry.session, nil
	}
	m.entries[key] = &sessionEntry{session: session, refs: 1}
	return session, nil
}

// Release drops one reference. The last release arms an idle timer that
// closes the session unless the viewer comes back first.
func (m *SessionManager) Release(conversationID, actorID string) {
	key := conversationID + "/" + actorID

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}

	entry.idle = time.AfterFunc(sessionIdleTTL, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		current, ok := m.entries[key]
		if !ok || current.refs > 0 {
			return
		}
		delete(m.entries, key)
		current.session.Close()
	})
}

// CloseAll tears down every open session, for shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.idle != nil {
			entry.idle.Stop()
		}
		entry.session.Close()
		delete(m.entries, key)
	}
}
