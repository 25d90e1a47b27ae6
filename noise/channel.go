// Package noise wraps the Noise Protocol Framework (via github.com/flynn/noise)
// into the per-client channel state machine the relay and its clients share:
// a handshake phase that advances one message at a time, and a transport
// phase that encrypts and decrypts application payloads, splitting anything
// larger than a single Noise message into chunks.
package noise

import (
	"crypto/rand"

	flynn "github.com/flynn/noise"

	relayerrors "github.com/polysig/relay/errors"
	"github.com/polysig/relay/protocol"
)

// Role distinguishes the initiating and responding sides of a handshake.
type Role int

const (
	Initiator Role = iota
	Responder
)

// DefaultPattern is the relay's default Noise pattern: KK, since every
// client is expected to already know the server's static key (fetched via
// GET /public-key) and to declare its own static key in the WebSocket
// upgrade query string, which the server configures as the responder's
// peer static key before the handshake runs. Both sides' static keys are
// therefore known in advance, matching Noise's "KK" two-message exchange.
// A differently-configured pattern is accepted as long as both sides
// agree on it out of band (e.g. via the pattern PEM block, see package
// keypair).
var DefaultPattern = flynn.HandshakeKK

// CipherSuite is the fixed DH/cipher/hash combination used by every Channel:
// Curve25519, ChaCha20-Poly1305, SHA-256.
var CipherSuite = flynn.NewCipherSuite(flynn.DH25519, flynn.CipherChaChaPoly, flynn.HashSHA256)

// Channel is one side of a Noise session. It starts in the handshake phase
// and transitions, monotonically and exactly once, into the transport
// phase; there is no way back.
type Channel struct {
	role    Role
	pattern flynn.HandshakePattern
	state   *flynn.HandshakeState
	step    int

	send *flynn.CipherState
	recv *flynn.CipherState

	transport bool
	poisoned  bool
}

// NewChannel builds a handshake-phase Channel. staticPriv/staticPub are this
// side's long-term Noise keypair (may be nil for patterns, like NN, that do
// not use static keys). peerStatic is the remote's static public key, needed
// by whichever side the pattern requires to know it in advance (both sides
// for KK, the initiator for IK).
func NewChannel(role Role, pattern flynn.HandshakePattern, staticPriv, staticPub, peerStatic []byte) (*Channel, error) {
	cfg := flynn.Config{
		CipherSuite: CipherSuite,
		Random:      rand.Reader,
		Pattern:     pattern,
		Initiator:   role == Initiator,
	}
	if staticPriv != nil && staticPub != nil {
		cfg.StaticKeypair = flynn.DHKey{Private: staticPriv, Public: staticPub}
	}
	if peerStatic != nil {
		cfg.PeerStatic = peerStatic
	}
	hs, err := flynn.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}
	return &Channel{role: role, pattern: pattern, state: hs}, nil
}

// stepIsMine reports whether handshake message index i is sent by this side.
// Every two-party pattern in this package alternates sender strictly,
// starting with the initiator at index 0.
func (c *Channel) stepIsMine(i int) bool {
	mineIsEven := c.role == Initiator
	return (i%2 == 0) == mineIsEven
}

// Advance consumes an optional incoming handshake payload and produces the
// next outgoing payload, if it is this side's turn to send one. It
// transitions the channel to the transport phase on the terminal step.
// Calling Advance after completion fails with ErrNotHandshakeState.
func (c *Channel) Advance(incoming []byte) ([]byte, error) {
	if c.transport {
		return nil, relayerrors.ErrNotHandshakeState
	}
	total := len(c.pattern.Messages)

	if incoming != nil {
		if c.stepIsMine(c.step) {
			return nil, relayerrors.ErrInvalidPeerHandshakeMessage
		}
		_, cs1, cs2, err := c.state.ReadMessage(nil, incoming)
		if err != nil {
			return nil, err
		}
		c.step++
		if cs1 != nil {
			c.recv, c.send = cs1, cs2
		}
		if c.step == total {
			c.transport = true
			return nil, nil
		}
	}

	if c.step < total && c.stepIsMine(c.step) {
		out, cs1, cs2, err := c.state.WriteMessage(nil, nil)
		if err != nil {
			return nil, err
		}
		c.step++
		if cs1 != nil {
			c.send, c.recv = cs1, cs2
		}
		if c.step == total {
			c.transport = true
		}
		return out, nil
	}
	return nil, nil
}

// IsTransport reports whether the channel has completed its handshake.
func (c *Channel) IsTransport() bool { return c.transport && !c.poisoned }

// Encrypt splits plaintext into chunks no larger than ChunkPlaintextSize,
// seals each through Noise, and returns the assembled envelope. Valid only
// in the transport phase.
func (c *Channel) Encrypt(plaintext []byte, encoding protocol.Encoding, broadcast bool) (protocol.SealedEnvelope, error) {
	if !c.transport || c.poisoned {
		return protocol.SealedEnvelope{}, relayerrors.ErrNotTransportState
	}
	var chunks []protocol.Chunk
	for off := 0; off < len(plaintext) || (len(plaintext) == 0 && off == 0); {
		end := off + protocol.ChunkPlaintextSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		ct, err := c.send.Encrypt(nil, nil, plaintext[off:end])
		if err != nil {
			c.poisoned = true
			return protocol.SealedEnvelope{}, err
		}
		chunks = append(chunks, protocol.Chunk{Ciphertext: ct})
		off = end
		if len(plaintext) == 0 {
			break
		}
	}
	return protocol.SealedEnvelope{Encoding: encoding, Broadcast: broadcast, Chunks: chunks}, nil
}

// Decrypt reassembles the plaintext from every chunk in env, in order.
// Valid only in the transport phase. Any AEAD failure poisons the channel:
// it must not be used for further traffic.
func (c *Channel) Decrypt(env protocol.SealedEnvelope) ([]byte, error) {
	if !c.transport {
		return nil, relayerrors.ErrNotTransportState
	}
	if c.poisoned {
		return nil, relayerrors.ErrNotTransportState
	}
	var out []byte
	for _, chunk := range env.Chunks {
		pt, err := c.recv.Decrypt(nil, nil, chunk.Ciphertext)
		if err != nil {
			c.poisoned = true
			return nil, err
		}
		out = append(out, pt...)
	}
	return out, nil
}
