package noise

import (
	"bytes"
	"crypto/rand"
	"testing"

	flynn "github.com/flynn/noise"
	"github.com/stretchr/testify/require"

	"github.com/polysig/relay/protocol"
)

func genKeypair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	kp, err := flynn.DH25519.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	return kp.Private, kp.Public
}

func handshakePair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	iPriv, iPub := genKeypair(t)
	rPriv, rPub := genKeypair(t)

	initiator, err := NewChannel(Initiator, DefaultPattern, iPriv, iPub, rPub)
	require.NoError(t, err)
	responder, err := NewChannel(Responder, DefaultPattern, rPriv, rPub, iPub)
	require.NoError(t, err)

	msg1, err := initiator.Advance(nil)
	require.NoError(t, err)
	require.False(t, initiator.IsTransport())

	msg2, err := responder.Advance(msg1)
	require.NoError(t, err)
	require.True(t, responder.IsTransport())

	out, err := initiator.Advance(msg2)
	require.NoError(t, err)
	require.Nil(t, out)
	require.True(t, initiator.IsTransport())

	return initiator, responder
}

func TestHandshakeCompletesAndTransitionsToTransport(t *testing.T) {
	handshakePair(t)
}

func TestEncryptDecryptRoundTripSingleChunk(t *testing.T) {
	a, b := handshakePair(t)
	plaintext := []byte("this is the message that is sent out")

	env, err := a.Encrypt(plaintext, protocol.EncodingBlob, false)
	require.NoError(t, err)
	require.Len(t, env.Chunks, 1)

	got, err := b.Decrypt(env)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, got))
}

func TestEncryptDecryptRoundTripTwoChunks(t *testing.T) {
	a, b := handshakePair(t)
	plaintext := make([]byte, 76893)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	env, err := a.Encrypt(plaintext, protocol.EncodingJson, false)
	require.NoError(t, err)
	require.Len(t, env.Chunks, 2)

	got, err := b.Decrypt(env)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, got))
}

func TestDecryptBeforeTransportFails(t *testing.T) {
	iPriv, iPub := genKeypair(t)
	ch, err := NewChannel(Initiator, DefaultPattern, iPriv, iPub, nil)
	require.NoError(t, err)
	_, err = ch.Decrypt(protocol.SealedEnvelope{})
	require.Error(t, err)
}

func TestAEADFailurePoisonsChannel(t *testing.T) {
	a, b := handshakePair(t)
	env, err := a.Encrypt([]byte("hello"), protocol.EncodingBlob, false)
	require.NoError(t, err)
	// corrupt the ciphertext so the AEAD tag check fails.
	env.Chunks[0].Ciphertext[0] ^= 0xFF

	_, err = b.Decrypt(env)
	require.Error(t, err)

	// the channel must not be reused for further traffic.
	_, err = b.Decrypt(env)
	require.Error(t, err)
}
