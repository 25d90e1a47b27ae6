// Package session implements the relay's server-side session registry: the
// set of active multi-party sessions, their participants, the pairwise peer
// connections participants report as they complete handshakes with each
// other, and expiry of sessions that go quiet.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Id is a session's 128-bit random identifier.
type Id [16]byte

func newId() Id {
	var id Id
	copy(id[:], uuid.New()[:])
	return id
}

type pairKey [2]string

func makePairKey(a, b []byte) pairKey {
	as, bs := string(a), string(b)
	if as <= bs {
		return pairKey{as, bs}
	}
	return pairKey{bs, as}
}

// Session is the server's view of one multi-party run: its owner, its
// other participants, and the pairwise peer connections reported so far.
type Session struct {
	mu sync.Mutex

	id              Id
	ownerKey        []byte
	participantKeys [][]byte
	connections     map[pairKey]struct{}
	lastAccess      time.Time

	readyFired  bool
	activeFired bool
}

// ID returns the session's identifier.
func (s *Session) ID() Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// OwnerKey returns the session's owner public key.
func (s *Session) OwnerKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerKey
}

// AllParticipants returns owner-first then participants, the canonical
// ordering used for party-index resolution by the driver bridge.
func (s *Session) AllParticipants() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, 1+len(s.participantKeys))
	out = append(out, s.ownerKey)
	out = append(out, s.participantKeys...)
	return out
}

// RegisterConnection records that a and b have completed a pairwise peer
// handshake. The pair is unordered: registering (a,b) and (b,a) are
// equivalent.
func (s *Session) RegisterConnection(a, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[makePairKey(a, b)] = struct{}{}
	s.lastAccess = time.Now()
}

// IsActive reports whether every distinct pair of participants has a
// registered connection. A session with fewer than two participants is
// trivially active.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([][]byte{s.ownerKey}, s.participantKeys...)
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if _, ok := s.connections[makePairKey(all[i], all[j])]; !ok {
				return false
			}
		}
	}
	return true
}

// touch updates the session's last-access timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

func (s *Session) expired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAccess) > timeout
}

// Manager is the server's registry of live sessions, guarded by a single
// read-write lock over the session map, matching the relay's "shared
// state behind one lock, mutated briefly per operation" concurrency model.
type Manager struct {
	mu       sync.RWMutex
	sessions map[Id]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[Id]*Session)}
}

// NewSession creates a fresh, not-yet-ready session for ownerKey and the
// given participant keys. No liveness validation of the participants is
// performed here.
func (m *Manager) NewSession(ownerKey []byte, participantKeys [][]byte) Id {
	id := newId()
	s := &Session{
		id:              id,
		ownerKey:        ownerKey,
		participantKeys: participantKeys,
		connections:     make(map[pairKey]struct{}),
		lastAccess:      time.Now(),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return id
}

// Get returns the session for id, or false if it does not exist.
func (m *Manager) Get(id Id) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// RegisterConnection records a pairwise peer handshake for the named
// session and touches its last-access time.
func (m *Manager) RegisterConnection(id Id, a, b []byte) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.RegisterConnection(a, b)
	return true
}

// Touch refreshes a session's last-access timestamp.
func (m *Manager) Touch(id Id) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.touch()
	return true
}

// Remove deletes and returns the session for id, or false if absent.
func (m *Manager) Remove(id Id) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return s, ok
}

// Sessions returns every currently registered session, so a caller can
// recheck readiness whenever a participant's connection goes live rather
// than only at session-creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ExpiredKeys returns the ids of every session whose last access is older
// than timeout.
func (m *Manager) ExpiredKeys(timeout time.Duration) []Id {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []Id
	for id, s := range m.sessions {
		if s.expired(timeout) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReadyFired reports whether SessionReady has already been emitted for
// this session, without latching it. Callers use this to decide whether
// a readiness recheck is worth doing at all before re-evaluating the
// participant roster.
func (s *Session) ReadyFired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyFired
}

// MarkReadyFired and MarkActiveFired record that the corresponding
// once-only SessionReady/SessionActive event has already been emitted for
// this session, so repeated mutations don't re-fire it.
func (s *Session) MarkReadyFired() (already bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	already = s.readyFired
	s.readyFired = true
	return already
}

func (s *Session) MarkActiveFired() (already bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	already = s.activeFired
	s.activeFired = true
	return already
}
