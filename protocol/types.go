// Package protocol implements the wire codec for the relay: the bit-exact
// serialization of request/response messages, sealed envelopes, and their
// length-prefixed chunks. Every message is written as a u16 version
// preamble, a u8 variant tag, and the variant's payload, with the whole
// frame deflated with zlib before it reaches the socket.
package protocol

import "encoding/binary"

// Version is the wire-protocol version carried in every frame's preamble.
const Version uint16 = 1

// ChunkPlaintextSize is the largest plaintext slice placed into a single
// Noise message: the 65535-byte Noise message ceiling less the 16-byte
// AEAD tag.
const ChunkPlaintextSize = 65535 - 16

// TagLen is the length of the Noise AEAD authentication tag appended to
// every encrypted chunk.
const TagLen = 16

// SessionId is a 128-bit random session identifier.
type SessionId [16]byte

// MeetingId is a 128-bit random meeting identifier.
type MeetingId [16]byte

// UserId names a meeting slot before the corresponding public key is known,
// typically a hash of a nickname or email address.
type UserId [32]byte

// PublicKey is a Noise static public key; it doubles as client identity.
type PublicKey []byte

// Encoding names the application-level payload encoding carried by a
// SealedEnvelope.
type Encoding byte

const (
	EncodingNoop Encoding = iota
	EncodingBlob
	EncodingJson
)

// Variant tags for HandshakeMessage.
const (
	tagHandshakeNoop byte = iota
	tagHandshakeInitiator
	tagHandshakeResponder
)

// Variant tags for TransparentMessage.
const (
	tagTransparentNoop byte = iota
	tagTransparentError
	tagTransparentServerHandshake
	tagTransparentPeerHandshake
)

// Variant tags for ServerMessage.
const (
	tagServerNoop byte = iota
	tagServerError
	tagServerNewMeeting
	tagServerMeetingCreated
	tagServerJoinMeeting
	tagServerMeetingReady
	tagServerNewSession
	tagServerSessionConnection
	tagServerSessionCreated
	tagServerSessionReady
	tagServerSessionActive
	tagServerSessionTimeout
	tagServerCloseSession
	tagServerSessionFinished
)

// Variant tags for OpaqueMessage.
const (
	tagOpaqueNoop byte = iota
	tagOpaqueServerMessage
	tagOpaquePeerMessage
)

// Variant tags for RequestMessage / ResponseMessage.
const (
	tagEnvelopeNoop byte = iota
	tagEnvelopeTransparent
	tagEnvelopeOpaque
)

func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func getUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
