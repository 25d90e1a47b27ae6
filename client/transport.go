// Package client implements the peer-facing half of the relay protocol:
// the dual-channel transport (one Noise channel to the server, one per
// peer), the cooperative event loop that is the transport's sole socket
// owner, and the public request API that other goroutines use to drive
// it without ever touching the socket directly.
package client

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	relayerrors "github.com/polysig/relay/errors"
	"github.com/polysig/relay/keypair"
	"github.com/polysig/relay/noise"
	"github.com/polysig/relay/protocol"
)

// ErrTransportClosed is returned by every public request method once the
// transport has been closed.
var ErrTransportClosed = errors.New("client: transport closed")

// peerState tracks one peer channel's handshake progress.
type peerState struct {
	channel   *noise.Channel
	initiator bool // true if we started the handshake (the "downstream" side)
}

// request is one public-API call, queued for the event loop to run. The
// event loop is the only goroutine that ever touches the socket or the
// peers table for writes; request methods never do so directly.
type request struct {
	run    func() error
	result chan error
}

// Transport owns the socket, the server channel, and every peer channel.
// Its public methods are safe to call from any goroutine: they enqueue a
// request for the event loop and block for its result. Run must be
// called (typically in its own goroutine) to actually service requests
// and inbound frames.
type Transport struct {
	ws  *websocket.Conn
	own keypair.Keypair

	serverPub []byte
	server    *noise.Channel

	peers map[string]*peerState // hex(pubkey) -> state; event-loop-owned

	requests chan request
	inbound  chan []byte
	readErr  chan error
	events   chan Event
	closed   chan struct{}
	closeOne sync.Once

	log *logrus.Entry
}

// Dial opens a WebSocket to the relay at url (scheme ws/wss), declaring
// own's public key in the upgrade query string, and returns a Transport
// whose event loop has not yet been started. Call Run (in its own
// goroutine) to drive it, then Connect to perform the server handshake.
func Dial(url string, own keypair.Keypair, serverPub []byte) (*Transport, error) {
	full := url + querySep(url) + "public_key=" + hex.EncodeToString(own.Public)

	ws, _, err := websocket.DefaultDialer.Dial(full, nil)
	if err != nil {
		return nil, err
	}

	channel, err := noise.NewChannel(noise.Initiator, noise.DefaultPattern, own.Private, own.Public, serverPub)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	return &Transport{
		ws:        ws,
		own:       own,
		serverPub: serverPub,
		server:    channel,
		peers:     make(map[string]*peerState),
		requests:  make(chan request, 64),
		inbound:   make(chan []byte, 64),
		readErr:   make(chan error, 1),
		events:    make(chan Event, 64),
		closed:    make(chan struct{}),
		log:       logrus.WithField("component", "client.Transport"),
	}, nil
}

func querySep(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '?' {
			return "&"
		}
	}
	return "?"
}

// Events returns the channel the event loop publishes decoded inbound
// events on. Callers must drain it; it is closed when the loop exits.
func (t *Transport) Events() <-chan Event { return t.events }

func keyHex(pk []byte) string { return hex.EncodeToString(pk) }

// submit enqueues fn to run on the event loop and blocks for its result.
func (t *Transport) submit(fn func() error) error {
	req := request{run: fn, result: make(chan error, 1)}
	select {
	case t.requests <- req:
	case <-t.closed:
		return ErrTransportClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *Transport) writeFrame(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Connect starts the server handshake by writing an initiator first
// message wrapped in Transparent(ServerHandshake(Initiator)).
func (t *Transport) Connect() error {
	return t.submit(func() error {
		out, err := t.server.Advance(nil)
		if err != nil {
			return err
		}
		return t.writeFrame(protocol.Envelope{
			Kind: protocol.EnvelopeTransparent,
			Transparent: protocol.TransparentMessage{
				Kind: protocol.TransparentServerHandshake,
				ServerHandshake: protocol.HandshakeMessage{
					Role:    protocol.RoleInitiator,
					Payload: out,
				},
			},
		})
	})
}

// ConnectPeer starts an initiator-side peer handshake with pk. It fails
// with ErrPeerAlreadyExists if a peer entry (handshake or transport) is
// already present.
func (t *Transport) ConnectPeer(pk []byte) error {
	return t.submit(func() error {
		h := keyHex(pk)
		if _, exists := t.peers[h]; exists {
			return relayerrors.ErrPeerAlreadyExists
		}
		channel, err := noise.NewChannel(noise.Initiator, noise.DefaultPattern, t.own.Private, t.own.Public, pk)
		if err != nil {
			return err
		}
		out, err := channel.Advance(nil)
		if err != nil {
			return err
		}
		t.peers[h] = &peerState{channel: channel, initiator: true}
		return t.writeFrame(protocol.Envelope{
			Kind: protocol.EnvelopeTransparent,
			Transparent: protocol.TransparentMessage{
				Kind:          protocol.TransparentPeerHandshake,
				PeerPublicKey: pk,
				PeerHandshake: protocol.HandshakeMessage{Role: protocol.RoleInitiator, Payload: out},
			},
		})
	})
}

// SendJSON encrypts payload on the named peer channel and transmits it
// as an Opaque(PeerMessage) with EncodingJson. Fails with ErrPeerNotFound
// if the peer has no transport-state channel.
func (t *Transport) SendJSON(pk []byte, payload []byte, sessionID *protocol.SessionId) error {
	return t.sendPeer(pk, payload, protocol.EncodingJson, false, sessionID)
}

// SendBlob is SendJSON with EncodingBlob.
func (t *Transport) SendBlob(pk []byte, payload []byte, sessionID *protocol.SessionId) error {
	return t.sendPeer(pk, payload, protocol.EncodingBlob, false, sessionID)
}

// BroadcastJSON sends payload to every recipient with the envelope's
// broadcast flag set.
func (t *Transport) BroadcastJSON(recipients [][]byte, payload []byte, sessionID *protocol.SessionId) error {
	for _, pk := range recipients {
		if err := t.sendPeer(pk, payload, protocol.EncodingJson, true, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastBlob is BroadcastJSON with EncodingBlob.
func (t *Transport) BroadcastBlob(recipients [][]byte, payload []byte, sessionID *protocol.SessionId) error {
	for _, pk := range recipients {
		if err := t.sendPeer(pk, payload, protocol.EncodingBlob, true, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sendPeer(pk []byte, payload []byte, enc protocol.Encoding, broadcast bool, sessionID *protocol.SessionId) error {
	return t.submit(func() error {
		st, ok := t.peers[keyHex(pk)]
		if !ok || !st.channel.IsTransport() {
			return relayerrors.ErrPeerNotFound
		}
		env, err := st.channel.Encrypt(payload, enc, broadcast)
		if err != nil {
			return err
		}
		return t.writeFrame(protocol.Envelope{
			Kind: protocol.EnvelopeOpaque,
			Opaque: protocol.OpaqueMessage{
				Kind:          protocol.OpaquePeerMessage,
				PeerPublicKey: pk,
				PeerSessionId: sessionID,
				PeerEnvelope:  env,
			},
		})
	})
}

// sendServer encrypts msg on the server channel and transmits it as
// Opaque(ServerMessage).
func (t *Transport) sendServer(msg protocol.ServerMessage) error {
	return t.submit(func() error {
		w := protocol.NewWriter()
		if err := msg.Encode(w); err != nil {
			return err
		}
		env, err := t.server.Encrypt(w.Bytes(), protocol.EncodingBlob, false)
		if err != nil {
			return err
		}
		return t.writeFrame(protocol.Envelope{
			Kind:   protocol.EnvelopeOpaque,
			Opaque: protocol.OpaqueMessage{Kind: protocol.OpaqueServerMessage, ServerEnvelope: env},
		})
	})
}

// NewSession asks the relay to create a session with participantKeys.
func (t *Transport) NewSession(participantKeys [][]byte) error {
	return t.sendServer(protocol.ServerMessage{Kind: protocol.ServerNewSession, NewSessionParticipantKeys: participantKeys})
}

// RegisterConnection reports a completed pairwise peer handshake to the
// relay's session manager.
func (t *Transport) RegisterConnection(sessionID protocol.SessionId, peerKey []byte) error {
	return t.sendServer(protocol.ServerMessage{Kind: protocol.ServerSessionConnection, SessionId: sessionID, SessionPeerKey: peerKey})
}

// CloseSession asks the relay to tear down sessionID.
func (t *Transport) CloseSession(sessionID protocol.SessionId) error {
	return t.sendServer(protocol.ServerMessage{Kind: protocol.ServerCloseSession, SessionId: sessionID})
}

// NewMeeting asks the relay to create a meeting rendezvous.
func (t *Transport) NewMeeting(ownerID protocol.UserId, slots []protocol.UserId, data []byte) error {
	return t.sendServer(protocol.ServerMessage{Kind: protocol.ServerNewMeeting, NewMeetingOwnerId: ownerID, NewMeetingSlots: slots, NewMeetingData: data})
}

// JoinMeeting claims userID's slot in meetingID.
func (t *Transport) JoinMeeting(meetingID protocol.MeetingId, userID protocol.UserId) error {
	return t.sendServer(protocol.ServerMessage{Kind: protocol.ServerJoinMeeting, MeetingId: meetingID, JoinMeetingUserId: userID})
}

// Close sends an internal Close signal to the event loop; the loop
// drains pending outbound work, closes the socket, and exits.
func (t *Transport) Close() {
	t.closeOne.Do(func() { close(t.closed) })
}
