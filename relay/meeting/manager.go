// Package meeting implements the relay's server-side meeting registry: a
// rendezvous point where participants exchange public keys out-of-band,
// before any session exists, by claiming pre-named slots.
package meeting

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSlotNotFound is returned when joining a user id that is not a slot in
// the meeting.
var ErrSlotNotFound = errors.New("meeting: user id is not a slot")

// ErrInitiatorNotExist is returned by New when ownerId is absent from
// slots.
var ErrInitiatorNotExist = errors.New("meeting: slots do not contain the owner id")

// ErrIdentifiersNotUnique is returned by New when slots contains a
// duplicate UserId.
var ErrIdentifiersNotUnique = errors.New("meeting: identifiers are not unique")

// Id is a meeting's 128-bit random identifier.
type Id [16]byte

func newId() Id {
	var id Id
	copy(id[:], uuid.New()[:])
	return id
}

// UserId names a meeting slot before the corresponding public key is known.
type UserId [32]byte

// Meeting is the server's view of one rendezvous: a fixed set of named
// slots, each eventually filled with a public key.
type Meeting struct {
	mu         sync.Mutex
	slots      map[UserId][]byte
	data       []byte
	lastAccess time.Time
}

// IsFull reports whether every slot has a bound public key.
func (m *Meeting) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isFullLocked()
}

func (m *Meeting) isFullLocked() bool {
	for _, pk := range m.slots {
		if pk == nil {
			return false
		}
	}
	return true
}

// PublicKeys returns every bound public key. Only meaningful once IsFull.
func (m *Meeting) PublicKeys() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.slots))
	for _, pk := range m.slots {
		if pk != nil {
			out = append(out, pk)
		}
	}
	return out
}

// Data returns the meeting's associated out-of-band data.
func (m *Meeting) Data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *Meeting) expired(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastAccess) > timeout
}

// Manager is the server's registry of live meetings.
type Manager struct {
	mu       sync.RWMutex
	meetings map[Id]*Meeting
}

// NewManager returns an empty meeting manager.
func NewManager() *Manager {
	return &Manager{meetings: make(map[Id]*Meeting)}
}

// New creates a meeting with the given slots (which must include ownerId)
// and immediately binds ownerId's slot to ownerKey.
func (m *Manager) New(ownerKey []byte, ownerId UserId, slots []UserId, data []byte) (Id, error) {
	seen := make(map[UserId]bool, len(slots))
	hasOwner := false
	for _, s := range slots {
		if seen[s] {
			return Id{}, ErrIdentifiersNotUnique
		}
		seen[s] = true
		if s == ownerId {
			hasOwner = true
		}
	}
	if !hasOwner {
		return Id{}, ErrInitiatorNotExist
	}

	mt := &Meeting{
		slots:      make(map[UserId][]byte, len(slots)),
		data:       data,
		lastAccess: time.Now(),
	}
	for _, s := range slots {
		mt.slots[s] = nil
	}
	mt.slots[ownerId] = ownerKey

	id := newId()
	m.mu.Lock()
	m.meetings[id] = mt
	m.mu.Unlock()
	return id, nil
}

// Get returns the meeting for id, or false if it does not exist.
func (m *Manager) Get(id Id) (*Meeting, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.meetings[id]
	return mt, ok
}

// Join fills userId's slot with publicKey. Idempotent when called again
// with the same (userId, publicKey); fails with ErrSlotNotFound if userId
// is not one of the meeting's slots. Returns whether the meeting became
// full as a result of this call.
func (m *Manager) Join(id Id, userId UserId, publicKey []byte) (becameFull bool, err error) {
	mt, ok := m.Get(id)
	if !ok {
		return false, ErrSlotNotFound
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, present := mt.slots[userId]; !present {
		return false, ErrSlotNotFound
	}
	wasFull := mt.isFullLocked()
	mt.slots[userId] = publicKey
	mt.lastAccess = time.Now()
	nowFull := mt.isFullLocked()
	return !wasFull && nowFull, nil
}

// Remove deletes and returns the meeting for id.
func (m *Manager) Remove(id Id) (*Meeting, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[id]
	if ok {
		delete(m.meetings, id)
	}
	return mt, ok
}

// ExpiredKeys returns the ids of every meeting whose last access predates
// timeout.
func (m *Manager) ExpiredKeys(timeout time.Duration) []Id {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []Id
	for id, mt := range m.meetings {
		if mt.expired(timeout) {
			ids = append(ids, id)
		}
	}
	return ids
}
