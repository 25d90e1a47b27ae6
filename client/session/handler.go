// Package session implements the client-side session-formation state
// machine: the Initiator and Participant variants that drive a group of
// peers from "server connected" to "session active" by exchanging peer
// handshakes in a fixed, collision-free order.
package session

import (
	"bytes"

	"github.com/polysig/relay/client"
	"github.com/polysig/relay/protocol"
)

// Role distinguishes the party that requests session creation from the
// parties that merely join one.
type Role int

const (
	Initiator Role = iota
	Participant
)

// Handler runs one session's formation on top of a Transport. It
// consumes the transport's event stream one event at a time via
// HandleEvent and is not safe for concurrent use from multiple
// goroutines.
type Handler struct {
	transport    *client.Transport
	role         Role
	ownKey       []byte
	participants [][]byte // the Initiator's declared list; nil for Participant until SessionReady

	sessionID  *protocol.SessionId
	downstream [][]byte // keys this side must connect_peer to
	pending    map[string]bool
}

// NewInitiator builds a handler that will create a session with
// participantKeys once the server handshake completes.
func NewInitiator(t *client.Transport, ownKey []byte, participantKeys [][]byte) *Handler {
	return &Handler{transport: t, role: Initiator, ownKey: ownKey, participants: participantKeys, pending: make(map[string]bool)}
}

// NewParticipant builds a handler that waits to be told about a session
// via SessionReady.
func NewParticipant(t *client.Transport, ownKey []byte) *Handler {
	return &Handler{transport: t, role: Participant, ownKey: ownKey, pending: make(map[string]bool)}
}

// SessionID returns the session id once known, or nil before then.
func (h *Handler) SessionID() *protocol.SessionId { return h.sessionID }

func keyEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// HandleEvent applies one transport event to the handler's state machine.
// It returns true once the session has reached SessionActive.
func (h *Handler) HandleEvent(ev client.Event) (active bool, err error) {
	switch ev.Kind {
	case client.EventServerConnected:
		if h.role == Initiator {
			if err := h.transport.NewSession(h.participants); err != nil {
				return false, err
			}
		}

	case client.EventSessionCreated:
		if h.role == Initiator {
			id := ev.SessionState.SessionId
			h.sessionID = &id
		}

	case client.EventSessionReady:
		id := ev.SessionState.SessionId
		h.sessionID = &id
		h.downstream = downstreamOf(ev.SessionState.AllParticipants, h.ownKey)
		for _, pk := range h.downstream {
			h.pending[keyStr(pk)] = true
			if err := h.transport.ConnectPeer(pk); err != nil {
				return false, err
			}
		}

	case client.EventPeerConnected:
		if h.pending[keyStr(ev.PeerPublicKey)] {
			delete(h.pending, keyStr(ev.PeerPublicKey))
			if h.sessionID == nil {
				return false, nil
			}
			if err := h.transport.RegisterConnection(*h.sessionID, ev.PeerPublicKey); err != nil {
				return false, err
			}
		}

	case client.EventSessionActive:
		return true, nil
	}
	return false, nil
}

// downstreamOf returns the suffix of allParticipants strictly after
// ownKey's position, guaranteeing each unordered pair is handshaken
// exactly once: the lower-indexed side always initiates.
func downstreamOf(allParticipants [][]byte, ownKey []byte) [][]byte {
	for i, pk := range allParticipants {
		if keyEqual(pk, ownKey) {
			return allParticipants[i+1:]
		}
	}
	return nil
}

func keyStr(pk []byte) string { return string(pk) }
