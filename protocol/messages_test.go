package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, e Envelope) Envelope {
	t.Helper()
	body, err := e.Encode()
	require.NoError(t, err)
	got, err := Decode(body)
	require.NoError(t, err)
	return got
}

func TestRoundTripTransparentError(t *testing.T) {
	e := Envelope{Kind: EnvelopeTransparent, Transparent: TransparentMessage{
		Kind: TransparentError, Status: 400, Message: "bad request",
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
}

func TestRoundTripServerHandshake(t *testing.T) {
	e := Envelope{Kind: EnvelopeTransparent, Transparent: TransparentMessage{
		Kind:            TransparentServerHandshake,
		ServerHandshake: HandshakeMessage{Role: RoleInitiator, Payload: []byte{1, 2, 3, 4}},
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
}

func TestRoundTripPeerHandshake(t *testing.T) {
	e := Envelope{Kind: EnvelopeTransparent, Transparent: TransparentMessage{
		Kind:          TransparentPeerHandshake,
		PeerPublicKey: []byte("pubkey-bytes"),
		PeerHandshake: HandshakeMessage{Role: RoleResponder, Payload: []byte{5, 6}},
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
}

func TestRoundTripSessionLifecycle(t *testing.T) {
	var sid SessionId
	copy(sid[:], []byte("0123456789abcdef"))
	st := SessionStateMsg{SessionId: sid, AllParticipants: [][]byte{[]byte("alice"), []byte("bob")}}

	for _, kind := range []serverKind{ServerSessionCreated, ServerSessionReady, ServerSessionActive} {
		w := NewWriter()
		msg := ServerMessage{Kind: kind, SessionState: st}
		require.NoError(t, msg.Encode(w))
		got, err := DecodeServerMessage(NewReader(w.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestRoundTripOpaqueServerEnvelope(t *testing.T) {
	e := Envelope{Kind: EnvelopeOpaque, Opaque: OpaqueMessage{
		Kind: OpaqueServerMessage,
		ServerEnvelope: SealedEnvelope{
			Encoding:  EncodingJson,
			Broadcast: true,
			Chunks:    []Chunk{{Ciphertext: []byte("abc")}, {Ciphertext: []byte("def")}},
		},
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
}

func TestRoundTripPeerMessageWithSession(t *testing.T) {
	var sid SessionId
	copy(sid[:], []byte("sessionid-16byte"))
	e := Envelope{Kind: EnvelopeOpaque, Opaque: OpaqueMessage{
		Kind:          OpaquePeerMessage,
		PeerPublicKey: []byte("peer-public-key"),
		PeerSessionId: &sid,
		PeerEnvelope: SealedEnvelope{
			Encoding: EncodingBlob,
			Chunks:   []Chunk{{Ciphertext: []byte("blob-ciphertext")}},
		},
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
}

func TestRoundTripPeerMessageWithoutSession(t *testing.T) {
	e := Envelope{Kind: EnvelopeOpaque, Opaque: OpaqueMessage{
		Kind:          OpaquePeerMessage,
		PeerPublicKey: []byte("peer-public-key"),
		PeerEnvelope: SealedEnvelope{
			Encoding: EncodingJson,
			Chunks:   []Chunk{{Ciphertext: []byte("x")}},
		},
	}}
	got := roundTrip(t, e)
	assert.Equal(t, e, got)
	assert.Nil(t, got.Opaque.PeerSessionId)
}

func TestServerMessageNewSessionRoundTrip(t *testing.T) {
	w := NewWriter()
	msg := ServerMessage{Kind: ServerNewSession, NewSessionParticipantKeys: [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}}
	require.NoError(t, msg.Encode(w))
	got, err := DecodeServerMessage(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestServerMessageMeetingReadyRoundTrip(t *testing.T) {
	var mid MeetingId
	copy(mid[:], []byte("meetingid-16byte"))
	w := NewWriter()
	msg := ServerMessage{
		Kind:                   ServerMeetingReady,
		MeetingId:              mid,
		MeetingReadyPublicKeys: [][]byte{[]byte("k1"), []byte("k2")},
		MeetingReadyData:       []byte("assoc-data"),
	}
	require.NoError(t, msg.Encode(w))
	got, err := DecodeServerMessage(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestMaxBufferSizeRejected(t *testing.T) {
	w := NewWriter()
	err := w.WriteBuffer(make([]byte, 32*1024+1))
	require.Error(t, err)
}

func TestDecodeUnknownTagFails(t *testing.T) {
	w := NewWriter()
	w.WriteU16(Version)
	w.WriteU8(0xFF)
	_, err := Decode(w.Bytes())
	require.Error(t, err)
}

func TestChunkSplittingLaw(t *testing.T) {
	// 76893 bytes must split into exactly two chunks at ChunkPlaintextSize
	// (65535-16 = 65519 bytes per chunk).
	total := 76893
	chunks := 0
	for off := 0; off < total; {
		end := off + ChunkPlaintextSize
		if end > total {
			end = total
		}
		chunks++
		off = end
	}
	assert.Equal(t, 2, chunks)
}
