package relay

import (
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/polysig/relay/keypair"
	"github.com/polysig/relay/noise"
	"github.com/polysig/relay/protocol"
	"github.com/polysig/relay/relay/config"
)

// testClient drives one side of the wire protocol over a raw websocket
// dial, standing in for the not-yet-built client package so the server
// can be exercised end to end.
type testClient struct {
	t            *testing.T
	ws           *websocket.Conn
	channel      *noise.Channel
	ownPublicKey []byte
}

func dialTestClient(t *testing.T, srv *httptest.Server, serverPub []byte) *testClient {
	t.Helper()
	kp, err := keypair.Generate()
	require.NoError(t, err)

	channel, err := noise.NewChannel(noise.Initiator, noise.DefaultPattern, kp.Private, kp.Public, serverPub)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?public_key=" + hex.EncodeToString(kp.Public)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return &testClient{t: t, ws: ws, channel: channel, ownPublicKey: kp.Public}
}

func (c *testClient) handshake() {
	c.t.Helper()
	out, err := c.channel.Advance(nil)
	require.NoError(c.t, err)
	require.NoError(c.t, c.send(protocol.Envelope{
		Kind: protocol.EnvelopeTransparent,
		Transparent: protocol.TransparentMessage{
			Kind: protocol.TransparentServerHandshake,
			ServerHandshake: protocol.HandshakeMessage{
				Role:    protocol.RoleInitiator,
				Payload: out,
			},
		},
	}))

	env := c.recv()
	require.Equal(c.t, protocol.EnvelopeTransparent, env.Kind)
	require.Equal(c.t, protocol.TransparentServerHandshake, env.Transparent.Kind)
	_, err = c.channel.Advance(env.Transparent.ServerHandshake.Payload)
	require.NoError(c.t, err)
	require.True(c.t, c.channel.IsTransport())
}

func (c *testClient) send(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *testClient) recv() protocol.Envelope {
	c.t.Helper()
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	env, err := protocol.DecodeFrame(raw)
	require.NoError(c.t, err)
	return env
}

func (c *testClient) sendServerMessage(msg protocol.ServerMessage) {
	c.t.Helper()
	w := protocol.NewWriter()
	require.NoError(c.t, msg.Encode(w))
	env, err := c.channel.Encrypt(w.Bytes(), protocol.EncodingBlob, false)
	require.NoError(c.t, err)
	require.NoError(c.t, c.send(protocol.Envelope{
		Kind:   protocol.EnvelopeOpaque,
		Opaque: protocol.OpaqueMessage{Kind: protocol.OpaqueServerMessage, ServerEnvelope: env},
	}))
}

func (c *testClient) recvServerMessage() protocol.ServerMessage {
	c.t.Helper()
	env := c.recv()
	require.Equal(c.t, protocol.EnvelopeOpaque, env.Kind)
	require.Equal(c.t, protocol.OpaqueServerMessage, env.Opaque.Kind)
	plaintext, err := c.channel.Decrypt(env.Opaque.ServerEnvelope)
	require.NoError(c.t, err)
	msg, err := protocol.DecodeServerMessage(protocol.NewReader(plaintext))
	require.NoError(c.t, err)
	return msg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, []byte) {
	t.Helper()
	kp, err := keypair.Generate()
	require.NoError(t, err)
	srv := NewServer(config.Config{Session: config.SessionConfig{Timeout: 900, Interval: 1800}}, kp)
	hs := httptest.NewServer(srv.Mux())
	t.Cleanup(hs.Close)
	return srv, hs, kp.Public
}

func TestServerHandshakeCompletesAndPromotesConnection(t *testing.T) {
	srv, hs, serverPub := newTestServer(t)
	client := dialTestClient(t, hs, serverPub)
	defer client.ws.Close()

	client.handshake()

	require.Eventually(t, func() bool {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		return len(srv.active) == 1 && len(srv.pending) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerNewSessionFiresCreatedAndReady(t *testing.T) {
	_, hs, serverPub := newTestServer(t)
	owner := dialTestClient(t, hs, serverPub)
	defer owner.ws.Close()
	owner.handshake()

	owner.sendServerMessage(protocol.ServerMessage{
		Kind:                      protocol.ServerNewSession,
		NewSessionParticipantKeys: nil,
	})

	created := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionCreated, created.Kind)

	ready := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionReady, ready.Kind)
	require.Equal(t, created.SessionState.SessionId, ready.SessionState.SessionId)
}

func TestServerNewSessionReadyWaitsForLateParticipant(t *testing.T) {
	_, hs, serverPub := newTestServer(t)
	owner := dialTestClient(t, hs, serverPub)
	defer owner.ws.Close()
	owner.handshake()

	late := dialTestClient(t, hs, serverPub)
	defer late.ws.Close()
	// late dials and declares its public key but has not completed its
	// server handshake yet, so it is not active when NewSession runs.

	owner.sendServerMessage(protocol.ServerMessage{
		Kind:                      protocol.ServerNewSession,
		NewSessionParticipantKeys: [][]byte{late.ownPublicKey},
	})

	created := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionCreated, created.Kind)

	// SessionReady must not arrive yet: late has not connected. The owner's
	// next read runs on its own goroutine rather than under a read
	// deadline, because a timed-out read leaves a gorilla websocket
	// returning that same error on every later read.
	type readResult struct {
		raw []byte
		err error
	}
	ownerNext := make(chan readResult, 1)
	go func() {
		_, raw, err := owner.ws.ReadMessage()
		ownerNext <- readResult{raw: raw, err: err}
	}()
	select {
	case <-ownerNext:
		t.Fatal("SessionReady fired before every participant had a live connection")
	case <-time.After(150 * time.Millisecond):
	}

	late.handshake()

	var next readResult
	select {
	case next = <-ownerNext:
	case <-time.After(2 * time.Second):
		t.Fatal("owner never received SessionReady")
	}
	require.NoError(t, next.err)
	env, err := protocol.DecodeFrame(next.raw)
	require.NoError(t, err)
	require.Equal(t, protocol.EnvelopeOpaque, env.Kind)
	plaintext, err := owner.channel.Decrypt(env.Opaque.ServerEnvelope)
	require.NoError(t, err)
	ready, err := protocol.DecodeServerMessage(protocol.NewReader(plaintext))
	require.NoError(t, err)
	require.Equal(t, protocol.ServerSessionReady, ready.Kind)
	require.Equal(t, created.SessionState.SessionId, ready.SessionState.SessionId)

	lateReady := late.recvServerMessage()
	require.Equal(t, protocol.ServerSessionReady, lateReady.Kind)
	require.Equal(t, created.SessionState.SessionId, lateReady.SessionState.SessionId)
}

func TestServerMeetingRendezvous(t *testing.T) {
	_, hs, serverPub := newTestServer(t)
	owner := dialTestClient(t, hs, serverPub)
	defer owner.ws.Close()
	owner.handshake()

	joiner := dialTestClient(t, hs, serverPub)
	defer joiner.ws.Close()
	joiner.handshake()

	var ownerId, joinerId protocol.UserId
	ownerId[0], joinerId[0] = 1, 2

	owner.sendServerMessage(protocol.ServerMessage{
		Kind:              protocol.ServerNewMeeting,
		NewMeetingOwnerId: ownerId,
		NewMeetingSlots:   []protocol.UserId{ownerId, joinerId},
		NewMeetingData:    []byte("assoc-data"),
	})
	created := owner.recvServerMessage()
	require.Equal(t, protocol.ServerMeetingCreated, created.Kind)

	joiner.sendServerMessage(protocol.ServerMessage{
		Kind:              protocol.ServerJoinMeeting,
		MeetingId:         created.MeetingId,
		JoinMeetingUserId: joinerId,
	})

	ownerReady := owner.recvServerMessage()
	require.Equal(t, protocol.ServerMeetingReady, ownerReady.Kind)
	joinerReady := joiner.recvServerMessage()
	require.Equal(t, protocol.ServerMeetingReady, joinerReady.Kind)
	require.Len(t, ownerReady.MeetingReadyPublicKeys, 2)
}

func TestServerPeerHandshakeForwardsWithSenderKey(t *testing.T) {
	_, hs, serverPub := newTestServer(t)
	a := dialTestClient(t, hs, serverPub)
	defer a.ws.Close()
	a.handshake()
	b := dialTestClient(t, hs, serverPub)
	defer b.ws.Close()
	b.handshake()

	require.NoError(t, a.send(protocol.Envelope{
		Kind: protocol.EnvelopeTransparent,
		Transparent: protocol.TransparentMessage{
			Kind:          protocol.TransparentPeerHandshake,
			PeerPublicKey: b.ownPublicKey,
			PeerHandshake: protocol.HandshakeMessage{Role: protocol.RoleInitiator, Payload: []byte("hello")},
		},
	}))

	env := b.recv()
	require.Equal(t, protocol.EnvelopeTransparent, env.Kind)
	require.Equal(t, protocol.TransparentPeerHandshake, env.Transparent.Kind)
	require.Equal(t, []byte("hello"), env.Transparent.PeerHandshake.Payload)
	require.Equal(t, a.ownPublicKey, env.Transparent.PeerPublicKey)
}

// TestServerRunPurgeLoopEvictsTimedOutSession exercises scenario S5: a
// session whose participants stop reporting activity is evicted by the
// background purge loop, and every surviving participant is notified
// with ServerSessionTimeout. Timeout is configured to 0 seconds so the
// session is already expired by the purge loop's first tick.
func TestServerRunPurgeLoopEvictsTimedOutSession(t *testing.T) {
	kp, err := keypair.Generate()
	require.NoError(t, err)
	srv := NewServer(config.Config{Session: config.SessionConfig{Timeout: 0, Interval: 1}}, kp)
	hs := httptest.NewServer(srv.Mux())
	t.Cleanup(hs.Close)

	owner := dialTestClient(t, hs, kp.Public)
	defer owner.ws.Close()
	owner.handshake()
	participant := dialTestClient(t, hs, kp.Public)
	defer participant.ws.Close()
	participant.handshake()

	owner.sendServerMessage(protocol.ServerMessage{
		Kind:                      protocol.ServerNewSession,
		NewSessionParticipantKeys: [][]byte{participant.ownPublicKey},
	})
	created := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionCreated, created.Kind)
	ownerReady := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionReady, ownerReady.Kind)
	participantReady := participant.recvServerMessage()
	require.Equal(t, protocol.ServerSessionReady, participantReady.Kind)

	stop := make(chan struct{})
	go srv.RunPurgeLoop(stop)
	t.Cleanup(func() { close(stop) })

	require.NoError(t, owner.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	ownerTimeout := owner.recvServerMessage()
	require.Equal(t, protocol.ServerSessionTimeout, ownerTimeout.Kind)
	require.Equal(t, created.SessionState.SessionId, ownerTimeout.SessionId)

	require.NoError(t, participant.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	participantTimeout := participant.recvServerMessage()
	require.Equal(t, protocol.ServerSessionTimeout, participantTimeout.Kind)
	require.Equal(t, created.SessionState.SessionId, participantTimeout.SessionId)
}
