package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte('a' + i)}
	}
	return out
}

func TestIsActiveRequiresEveryPair(t *testing.T) {
	all := keys(4)
	owner, participants := all[0], all[1:]

	m := NewManager()
	id := m.NewSession(owner, participants)
	s, ok := m.Get(id)
	require.True(t, ok)

	assert.False(t, s.IsActive())

	var pairs [][2][]byte
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			pairs = append(pairs, [2][]byte{all[i], all[j]})
		}
	}
	for i, p := range pairs {
		m.RegisterConnection(id, p[0], p[1])
		if i < len(pairs)-1 {
			assert.False(t, s.IsActive(), "should not be active until every pair is registered")
		}
	}
	assert.True(t, s.IsActive())

	// Removing any one registration makes it inactive again.
	s2 := &Session{
		ownerKey:        owner,
		participantKeys: participants,
		connections:     make(map[pairKey]struct{}),
		lastAccess:      time.Now(),
	}
	for _, p := range pairs[1:] {
		s2.RegisterConnection(p[0], p[1])
	}
	assert.False(t, s2.IsActive())
}

func TestZeroParticipantSessionTriviallyActive(t *testing.T) {
	m := NewManager()
	id := m.NewSession([]byte("owner"), nil)
	s, ok := m.Get(id)
	require.True(t, ok)
	assert.True(t, s.IsActive())
}

func TestRegisterConnectionUnorderedPair(t *testing.T) {
	m := NewManager()
	a, b := []byte("alice"), []byte("bob")
	id := m.NewSession(a, [][]byte{b})
	s, _ := m.Get(id)
	m.RegisterConnection(id, b, a) // registered in reverse order
	assert.True(t, s.IsActive())
}

func TestExpiredKeys(t *testing.T) {
	m := NewManager()
	id := m.NewSession([]byte("o"), [][]byte{[]byte("p")})
	s, _ := m.Get(id)
	s.lastAccess = time.Now().Add(-time.Hour)
	expired := m.ExpiredKeys(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0])
}

func TestRemoveSession(t *testing.T) {
	m := NewManager()
	id := m.NewSession([]byte("o"), nil)
	_, ok := m.Remove(id)
	require.True(t, ok)
	_, ok = m.Get(id)
	require.False(t, ok)
	_, ok = m.Remove(id)
	require.False(t, ok)
}
