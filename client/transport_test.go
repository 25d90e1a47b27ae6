package client

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polysig/relay/keypair"
	"github.com/polysig/relay/relay"
	"github.com/polysig/relay/relay/config"
)

func startTestRelay(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()
	kp, err := keypair.Generate()
	require.NoError(t, err)
	srv := relay.NewServer(config.Config{Session: config.SessionConfig{Timeout: 900, Interval: 1800}}, kp)
	hs := httptest.NewServer(srv.Mux())
	t.Cleanup(hs.Close)
	return hs, kp.Public
}

func dialRunningClient(t *testing.T, hs *httptest.Server, serverPub []byte) (*Transport, keypair.Keypair) {
	t.Helper()
	kp, err := keypair.Generate()
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/"
	tr, err := Dial(url, kp, serverPub)
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(tr.Close)
	return tr, kp
}

func awaitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestTransportConnectReachesServerConnected(t *testing.T) {
	hs, serverPub := startTestRelay(t)
	tr, _ := dialRunningClient(t, hs, serverPub)

	require.NoError(t, tr.Connect())
	awaitEvent(t, tr.Events(), EventServerConnected)
}

func TestTransportPeerHandshakeAndMessageRoundTrip(t *testing.T) {
	hs, serverPub := startTestRelay(t)

	a, aKp := dialRunningClient(t, hs, serverPub)
	b, bKp := dialRunningClient(t, hs, serverPub)

	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	awaitEvent(t, a.Events(), EventServerConnected)
	awaitEvent(t, b.Events(), EventServerConnected)

	require.NoError(t, a.ConnectPeer(bKp.Public))
	awaitEvent(t, b.Events(), EventPeerConnected)
	awaitEvent(t, a.Events(), EventPeerConnected)

	require.NoError(t, a.SendJSON(bKp.Public, []byte(`{"hello":"world"}`), nil))
	ev := awaitEvent(t, b.Events(), EventJsonMessage)
	require.Equal(t, aKp.Public, ev.SenderPublicKey)
	require.Equal(t, []byte(`{"hello":"world"}`), ev.Payload)
}

func TestTransportSessionLifecycleTwoParties(t *testing.T) {
	hs, serverPub := startTestRelay(t)

	owner, ownerKp := dialRunningClient(t, hs, serverPub)
	participant, participantKp := dialRunningClient(t, hs, serverPub)

	require.NoError(t, owner.Connect())
	require.NoError(t, participant.Connect())
	awaitEvent(t, owner.Events(), EventServerConnected)
	awaitEvent(t, participant.Events(), EventServerConnected)

	require.NoError(t, owner.NewSession([][]byte{participantKp.Public}))
	created := awaitEvent(t, owner.Events(), EventSessionCreated)
	ownerReady := awaitEvent(t, owner.Events(), EventSessionReady)
	require.Equal(t, created.SessionState.SessionId, ownerReady.SessionState.SessionId)
	participantReady := awaitEvent(t, participant.Events(), EventSessionReady)
	require.Equal(t, created.SessionState.SessionId, participantReady.SessionState.SessionId)

	sessionID := created.SessionState.SessionId

	require.NoError(t, owner.ConnectPeer(participantKp.Public))
	awaitEvent(t, participant.Events(), EventPeerConnected)
	awaitEvent(t, owner.Events(), EventPeerConnected)

	require.NoError(t, owner.RegisterConnection(sessionID, participantKp.Public))
	require.NoError(t, participant.RegisterConnection(sessionID, ownerKp.Public))

	awaitEvent(t, owner.Events(), EventSessionActive)
	awaitEvent(t, participant.Events(), EventSessionActive)
}
