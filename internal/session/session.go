package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session represents one client connection on the frontend
type Session struct {
	// SessionID is assigned by the Manager
	SessionID int64

	// ClientConn is the connection to the client
	ClientConn net.Conn

	// RemoteAddr is the client address
	RemoteAddr string

	// CreatedAt is the session creation time
	CreatedAt time.Time

	subject    atomic.Uint32
	lastActive atomic.Int64 // unix nanos
}

// New creates a session for a client connection
func New(conn net.Conn) *Session {
	now := time.Now()
	s := &Session{
		ClientConn: conn,
		RemoteAddr: conn.RemoteAddr().String(),
		CreatedAt:  now,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Subject returns the subjectId associated with the session (0 if none yet)
func (s *Session) Subject() uint32 {
	return s.subject.Load()
}

// ObserveSubject associates a non-zero subjectId with the session. The latest
// one wins. It reports whether the session had no subject before.
func (s *Session) ObserveSubject(id uint32) bool {
	if id == 0 {
		return false
	}
	return s.subject.Swap(id) == 0
}

// Touch records client activity
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActiveAt returns the last time the client sent a frame
func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Manager manages client sessions in memory
// Optimized: uses sharded maps to reduce lock contention
type Manager struct {
	seq    atomic.Int64
	shards [16]*SessionShard
}

// SessionShard is a shard of the session map
type SessionShard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewManager creates a new session manager
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i] = &SessionShard{
			sessions: make(map[int64]*Session),
		}
	}
	return m
}

func (m *Manager) getShard(sessionID int64) *SessionShard {
	// Use low 4 bits for shard selection (16 shards)
	return m.shards[sessionID&0xF]
}

// Add assigns a session ID and stores the session
func (m *Manager) Add(session *Session) int64 {
	session.SessionID = m.seq.Add(1)
	shard := m.getShard(session.SessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.sessions[session.SessionID] = session
	return session.SessionID
}

// Get gets a session by session ID
func (m *Manager) Get(sessionID int64) (*Session, bool) {
	shard := m.getShard(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	session, ok := shard.sessions[sessionID]
	return session, ok
}

// Remove removes a session
func (m *Manager) Remove(sessionID int64) {
	shard := m.getShard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sessions, sessionID)
}

// Count returns the number of sessions
func (m *Manager) Count() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// CleanupIdle closes the client connection of every session idle longer than
// idleTimeout. The connection handler removes the session when its read
// loop ends.
func (m *Manager) CleanupIdle(idleTimeout time.Duration) int {
	now := time.Now()
	closed := 0

	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, session := range shard.sessions {
			if now.Sub(session.LastActiveAt()) > idleTimeout && session.ClientConn != nil {
				session.ClientConn.Close()
				closed++
			}
		}
		shard.mu.RUnlock()
	}

	return closed
}

// CloseAll closes every client connection
func (m *Manager) CloseAll() {
	for _, session := range m.GetAll() {
		if session.ClientConn != nil {
			session.ClientConn.Close()
		}
	}
}

// GetAll returns all sessions (for monitoring)
func (m *Manager) GetAll() []*Session {
	allSessions := make([]*Session, 0)
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, session := range shard.sessions {
			allSessions = append(allSessions, session)
		}
		shard.mu.RUnlock()
	}
	return allSessions
}
