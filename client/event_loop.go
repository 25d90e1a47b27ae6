package client

import (
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	relayerrors "github.com/polysig/relay/errors"
	"github.com/polysig/relay/noise"
	"github.com/polysig/relay/protocol"
)

// Run is the single-threaded cooperative multiplexer: the sole owner of
// the socket's write half and the sole decoder of inbound frames. It
// blocks until Close is called or the socket errors, then drains
// remaining requests with ErrTransportClosed, closes the socket, emits
// Close, and returns. Callers run it in its own goroutine.
func (t *Transport) Run() {
	go t.readLoop()
	defer close(t.events)

	for {
		// Priority stage: outbound requests and shutdown take precedence
		// over inbound traffic whenever both are ready.
		select {
		case req := <-t.requests:
			req.result <- req.run()
			continue
		case <-t.closed:
			t.shutdown()
			return
		default:
		}

		select {
		case req := <-t.requests:
			req.result <- req.run()
		case raw := <-t.inbound:
			t.handleInbound(raw)
		case err := <-t.readErr:
			t.log.WithFields(logrus.Fields{"function": "Run", "error": err.Error()}).Warn("socket read failed")
			t.shutdown()
			return
		case <-t.closed:
			t.shutdown()
			return
		}
	}
}

func (t *Transport) shutdown() {
	t.drainRequests()
	_ = t.ws.Close()
	t.events <- Event{Kind: EventClose}
}

func (t *Transport) drainRequests() {
	for {
		select {
		case req := <-t.requests:
			req.result <- ErrTransportClosed
		default:
			return
		}
	}
}

// readLoop is the only goroutine that ever calls ws.ReadMessage; it
// exists because that call blocks, and the event loop must also be able
// to service outbound requests while waiting on it.
func (t *Transport) readLoop() {
	for {
		kind, raw, err := t.ws.ReadMessage()
		if err != nil {
			select {
			case t.readErr <- err:
			case <-t.closed:
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case t.inbound <- raw:
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

func (t *Transport) handleInbound(raw []byte) {
	env, err := protocol.DecodeFrame(raw)
	if err != nil {
		t.emit(Event{Kind: EventError, ErrStatus: 400, ErrMessage: err.Error()})
		return
	}
	switch env.Kind {
	case protocol.EnvelopeTransparent:
		t.handleTransparent(env.Transparent)
	case protocol.EnvelopeOpaque:
		t.handleOpaque(env.Opaque)
	}
}

func (t *Transport) handleTransparent(msg protocol.TransparentMessage) {
	switch msg.Kind {
	case protocol.TransparentError:
		t.emit(Event{Kind: EventError, ErrStatus: msg.Status, ErrMessage: msg.Message})

	case protocol.TransparentServerHandshake:
		if msg.ServerHandshake.Role != protocol.RoleResponder {
			return
		}
		if _, err := t.server.Advance(msg.ServerHandshake.Payload); err != nil {
			t.emit(Event{Kind: EventError, ErrStatus: 500, ErrMessage: err.Error()})
			return
		}
		if t.server.IsTransport() {
			t.emit(Event{Kind: EventServerConnected})
		}

	case protocol.TransparentPeerHandshake:
		t.handlePeerHandshake(msg)
	}
}

func (t *Transport) handlePeerHandshake(msg protocol.TransparentMessage) {
	pk := msg.PeerPublicKey
	h := keyHex(pk)

	switch msg.PeerHandshake.Role {
	case protocol.RoleInitiator:
		if st, exists := t.peers[h]; exists && st.initiator {
			t.emit(Event{Kind: EventError, PeerPublicKey: pk, ErrStatus: 409, ErrMessage: relayerrors.ErrPeerAlreadyExistsMaybeRace.Error()})
			return
		}
		channel, err := noise.NewChannel(noise.Responder, noise.DefaultPattern, t.own.Private, t.own.Public, pk)
		if err != nil {
			t.emit(Event{Kind: EventError, PeerPublicKey: pk, ErrStatus: 500, ErrMessage: err.Error()})
			return
		}
		out, err := channel.Advance(msg.PeerHandshake.Payload)
		if err != nil {
			t.emit(Event{Kind: EventError, PeerPublicKey: pk, ErrStatus: 400, ErrMessage: err.Error()})
			return
		}
		t.peers[h] = &peerState{channel: channel, initiator: false}
		if out != nil {
			_ = t.writeFrame(protocol.Envelope{
				Kind: protocol.EnvelopeTransparent,
				Transparent: protocol.TransparentMessage{
					Kind:          protocol.TransparentPeerHandshake,
					PeerPublicKey: t.own.Public,
					PeerHandshake: protocol.HandshakeMessage{Role: protocol.RoleResponder, Payload: out},
				},
			})
		}
		if channel.IsTransport() {
			t.emit(Event{Kind: EventPeerConnected, PeerPublicKey: pk})
		}

	case protocol.RoleResponder:
		st, exists := t.peers[h]
		if !exists || !st.initiator {
			t.emit(Event{Kind: EventError, PeerPublicKey: pk, ErrStatus: 400, ErrMessage: "no pending initiator handshake for peer"})
			return
		}
		if _, err := st.channel.Advance(msg.PeerHandshake.Payload); err != nil {
			t.emit(Event{Kind: EventError, PeerPublicKey: pk, ErrStatus: 400, ErrMessage: err.Error()})
			return
		}
		if st.channel.IsTransport() {
			t.emit(Event{Kind: EventPeerConnected, PeerPublicKey: pk})
		}
	}
}

func (t *Transport) handleOpaque(msg protocol.OpaqueMessage) {
	switch msg.Kind {
	case protocol.OpaqueServerMessage:
		t.handleServerEnvelope(msg.ServerEnvelope)
	case protocol.OpaquePeerMessage:
		t.handlePeerEnvelope(msg)
	}
}

func (t *Transport) handleServerEnvelope(env protocol.SealedEnvelope) {
	plaintext, err := t.server.Decrypt(env)
	if err != nil {
		t.emit(Event{Kind: EventError, ErrStatus: 400, ErrMessage: err.Error()})
		return
	}
	inner, err := protocol.DecodeServerMessage(protocol.NewReader(plaintext))
	if err != nil {
		t.emit(Event{Kind: EventError, ErrStatus: 400, ErrMessage: err.Error()})
		return
	}
	t.emitServerMessage(inner)
}

func (t *Transport) emitServerMessage(msg protocol.ServerMessage) {
	switch msg.Kind {
	case protocol.ServerError:
		t.emit(Event{Kind: EventError, ErrStatus: msg.Status, ErrMessage: msg.Message})
	case protocol.ServerMeetingCreated:
		t.emit(Event{Kind: EventMeetingCreated, MeetingId: msg.MeetingId})
	case protocol.ServerMeetingReady:
		t.emit(Event{Kind: EventMeetingReady, MeetingId: msg.MeetingId, MeetingPubKeys: msg.MeetingReadyPublicKeys, MeetingData: msg.MeetingReadyData})
	case protocol.ServerSessionCreated:
		t.emit(Event{Kind: EventSessionCreated, SessionState: msg.SessionState})
	case protocol.ServerSessionReady:
		t.emit(Event{Kind: EventSessionReady, SessionState: msg.SessionState})
	case protocol.ServerSessionActive:
		t.emit(Event{Kind: EventSessionActive, SessionState: msg.SessionState})
	case protocol.ServerSessionTimeout:
		t.emit(Event{Kind: EventSessionTimeout, SessionId: msg.SessionId})
	case protocol.ServerSessionFinished:
		t.emit(Event{Kind: EventSessionFinished, SessionId: msg.SessionId})
	}
}

func (t *Transport) handlePeerEnvelope(msg protocol.OpaqueMessage) {
	st, ok := t.peers[keyHex(msg.PeerPublicKey)]
	if !ok || !st.channel.IsTransport() {
		t.emit(Event{Kind: EventError, PeerPublicKey: msg.PeerPublicKey, ErrStatus: 404, ErrMessage: relayerrors.ErrPeerNotFound.Error()})
		return
	}
	plaintext, err := st.channel.Decrypt(msg.PeerEnvelope)
	if err != nil {
		t.emit(Event{Kind: EventError, PeerPublicKey: msg.PeerPublicKey, ErrStatus: 400, ErrMessage: err.Error()})
		return
	}
	kind := EventBinaryMessage
	if msg.PeerEnvelope.Encoding == protocol.EncodingJson {
		kind = EventJsonMessage
	}
	t.emit(Event{
		Kind:            kind,
		SenderPublicKey: msg.PeerPublicKey,
		SessionIdOpt:    msg.PeerSessionId,
		Payload:         plaintext,
	})
}
