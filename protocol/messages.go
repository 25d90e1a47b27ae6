package protocol

import relayerrors "github.com/polysig/relay/errors"

// HandshakeRole distinguishes the two sides of a Noise handshake frame.
type HandshakeRole byte

const (
	RoleInitiator HandshakeRole = iota
	RoleResponder
)

// HandshakeMessage carries one step of a Noise handshake: either side's
// empty Noop, or a role-tagged raw handshake payload.
type HandshakeMessage struct {
	IsNoop  bool
	Role    HandshakeRole
	Payload []byte
}

func (m HandshakeMessage) encode(w *Writer) error {
	if m.IsNoop {
		w.WriteU8(tagHandshakeNoop)
		return nil
	}
	switch m.Role {
	case RoleInitiator:
		w.WriteU8(tagHandshakeInitiator)
	case RoleResponder:
		w.WriteU8(tagHandshakeResponder)
	}
	return w.WriteBuffer(m.Payload)
}

func decodeHandshakeMessage(r *Reader) (HandshakeMessage, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return HandshakeMessage{}, err
	}
	switch tag {
	case tagHandshakeNoop:
		return HandshakeMessage{IsNoop: true}, nil
	case tagHandshakeInitiator, tagHandshakeResponder:
		payload, err := r.ReadBuffer()
		if err != nil {
			return HandshakeMessage{}, err
		}
		role := RoleInitiator
		if tag == tagHandshakeResponder {
			role = RoleResponder
		}
		return HandshakeMessage{Role: role, Payload: payload}, nil
	default:
		return HandshakeMessage{}, &relayerrors.EncodingKindError{Tag: tag}
	}
}

// TransparentMessage is an unencrypted frame: error reports and the Noise
// handshake frames that establish a channel in the first place.
type TransparentMessage struct {
	Kind transparentKind

	// Error
	Status  uint16
	Message string

	// ServerHandshake
	ServerHandshake HandshakeMessage

	// PeerHandshake
	PeerPublicKey []byte
	PeerHandshake HandshakeMessage
}

type transparentKind byte

const (
	TransparentNoop transparentKind = iota
	TransparentError
	TransparentServerHandshake
	TransparentPeerHandshake
)

func (m TransparentMessage) Encode(w *Writer) error {
	switch m.Kind {
	case TransparentNoop:
		w.WriteU8(tagTransparentNoop)
		return nil
	case TransparentError:
		w.WriteU8(tagTransparentError)
		w.WriteU16(m.Status)
		return w.WriteBuffer([]byte(m.Message))
	case TransparentServerHandshake:
		w.WriteU8(tagTransparentServerHandshake)
		return m.ServerHandshake.encode(w)
	case TransparentPeerHandshake:
		w.WriteU8(tagTransparentPeerHandshake)
		if err := w.WriteBuffer(m.PeerPublicKey); err != nil {
			return err
		}
		return m.PeerHandshake.encode(w)
	default:
		return &relayerrors.EncodingKindError{Tag: byte(m.Kind)}
	}
}

func DecodeTransparentMessage(r *Reader) (TransparentMessage, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return TransparentMessage{}, err
	}
	switch tag {
	case tagTransparentNoop:
		return TransparentMessage{Kind: TransparentNoop}, nil
	case tagTransparentError:
		status, err := r.ReadU16()
		if err != nil {
			return TransparentMessage{}, err
		}
		msg, err := r.ReadBuffer()
		if err != nil {
			return TransparentMessage{}, err
		}
		return TransparentMessage{Kind: TransparentError, Status: status, Message: string(msg)}, nil
	case tagTransparentServerHandshake:
		hs, err := decodeHandshakeMessage(r)
		if err != nil {
			return TransparentMessage{}, err
		}
		return TransparentMessage{Kind: TransparentServerHandshake, ServerHandshake: hs}, nil
	case tagTransparentPeerHandshake:
		pk, err := r.ReadBuffer()
		if err != nil {
			return TransparentMessage{}, err
		}
		hs, err := decodeHandshakeMessage(r)
		if err != nil {
			return TransparentMessage{}, err
		}
		return TransparentMessage{Kind: TransparentPeerHandshake, PeerPublicKey: pk, PeerHandshake: hs}, nil
	default:
		return TransparentMessage{}, &relayerrors.EncodingKindError{Tag: tag}
	}
}

// SessionStateMsg is the wire form of a session's participant roster, sent
// with SessionCreated/Ready/Active.
type SessionStateMsg struct {
	SessionId       SessionId
	AllParticipants [][]byte
}

func (s SessionStateMsg) encode(w *Writer) error {
	w.WriteFixed(s.SessionId[:])
	w.WriteU32(uint32(len(s.AllParticipants)))
	for _, pk := range s.AllParticipants {
		if err := w.WriteBuffer(pk); err != nil {
			return err
		}
	}
	return nil
}

func decodeSessionStateMsg(r *Reader) (SessionStateMsg, error) {
	idBytes, err := r.ReadFixed(16)
	if err != nil {
		return SessionStateMsg{}, err
	}
	count, err := r.ReadU32()
	if err != nil {
		return SessionStateMsg{}, err
	}
	parts := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		pk, err := r.ReadBuffer()
		if err != nil {
			return SessionStateMsg{}, err
		}
		parts = append(parts, pk)
	}
	var id SessionId
	copy(id[:], idBytes)
	return SessionStateMsg{SessionId: id, AllParticipants: parts}, nil
}

// ServerMessage is the inner payload of opaque server-channel traffic.
type ServerMessage struct {
	Kind serverKind

	Status  uint16
	Message string

	NewMeetingOwnerId UserId
	NewMeetingSlots   []UserId
	NewMeetingData    []byte

	MeetingId MeetingId

	JoinMeetingUserId UserId

	MeetingReadyPublicKeys [][]byte
	MeetingReadyData       []byte

	NewSessionParticipantKeys [][]byte

	SessionId      SessionId
	SessionPeerKey []byte

	SessionState SessionStateMsg
}

type serverKind byte

const (
	ServerNoop serverKind = iota
	ServerError
	ServerNewMeeting
	ServerMeetingCreated
	ServerJoinMeeting
	ServerMeetingReady
	ServerNewSession
	ServerSessionConnection
	ServerSessionCreated
	ServerSessionReady
	ServerSessionActive
	ServerSessionTimeout
	ServerCloseSession
	ServerSessionFinished
)

func (m ServerMessage) Encode(w *Writer) error {
	switch m.Kind {
	case ServerNoop:
		w.WriteU8(tagServerNoop)
	case ServerError:
		w.WriteU8(tagServerError)
		w.WriteU16(m.Status)
		return w.WriteBuffer([]byte(m.Message))
	case ServerNewMeeting:
		w.WriteU8(tagServerNewMeeting)
		w.WriteFixed(m.NewMeetingOwnerId[:])
		w.WriteU32(uint32(len(m.NewMeetingSlots)))
		for _, s := range m.NewMeetingSlots {
			w.WriteFixed(s[:])
		}
		return w.WriteBuffer(m.NewMeetingData)
	case ServerMeetingCreated:
		w.WriteU8(tagServerMeetingCreated)
		w.WriteFixed(m.MeetingId[:])
	case ServerJoinMeeting:
		w.WriteU8(tagServerJoinMeeting)
		w.WriteFixed(m.MeetingId[:])
		w.WriteFixed(m.JoinMeetingUserId[:])
	case ServerMeetingReady:
		w.WriteU8(tagServerMeetingReady)
		w.WriteFixed(m.MeetingId[:])
		w.WriteU32(uint32(len(m.MeetingReadyPublicKeys)))
		for _, pk := range m.MeetingReadyPublicKeys {
			if err := w.WriteBuffer(pk); err != nil {
				return err
			}
		}
		return w.WriteBuffer(m.MeetingReadyData)
	case ServerNewSession:
		w.WriteU8(tagServerNewSession)
		w.WriteU32(uint32(len(m.NewSessionParticipantKeys)))
		for _, pk := range m.NewSessionParticipantKeys {
			if err := w.WriteBuffer(pk); err != nil {
				return err
			}
		}
	case ServerSessionConnection:
		w.WriteU8(tagServerSessionConnection)
		w.WriteFixed(m.SessionId[:])
		return w.WriteBuffer(m.SessionPeerKey)
	case ServerSessionCreated:
		w.WriteU8(tagServerSessionCreated)
		return m.SessionState.encode(w)
	case ServerSessionReady:
		w.WriteU8(tagServerSessionReady)
		return m.SessionState.encode(w)
	case ServerSessionActive:
		w.WriteU8(tagServerSessionActive)
		return m.SessionState.encode(w)
	case ServerSessionTimeout:
		w.WriteU8(tagServerSessionTimeout)
		w.WriteFixed(m.SessionId[:])
	case ServerCloseSession:
		w.WriteU8(tagServerCloseSession)
		w.WriteFixed(m.SessionId[:])
	case ServerSessionFinished:
		w.WriteU8(tagServerSessionFinished)
		w.WriteFixed(m.SessionId[:])
	default:
		return &relayerrors.EncodingKindError{Tag: byte(m.Kind)}
	}
	return nil
}

func DecodeServerMessage(r *Reader) (ServerMessage, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ServerMessage{}, err
	}
	readSessionId := func() (SessionId, error) {
		b, err := r.ReadFixed(16)
		var id SessionId
		if err != nil {
			return id, err
		}
		copy(id[:], b)
		return id, nil
	}
	readMeetingId := func() (MeetingId, error) {
		b, err := r.ReadFixed(16)
		var id MeetingId
		if err != nil {
			return id, err
		}
		copy(id[:], b)
		return id, nil
	}
	switch tag {
	case tagServerNoop:
		return ServerMessage{Kind: ServerNoop}, nil
	case tagServerError:
		status, err := r.ReadU16()
		if err != nil {
			return ServerMessage{}, err
		}
		msg, err := r.ReadBuffer()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Kind: ServerError, Status: status, Message: string(msg)}, nil
	case tagServerNewMeeting:
		ownerB, err := r.ReadFixed(32)
		if err != nil {
			return ServerMessage{}, err
		}
		count, err := r.ReadU32()
		if err != nil {
			return ServerMessage{}, err
		}
		slots := make([]UserId, 0, count)
		for i := uint32(0); i < count; i++ {
			b, err := r.ReadFixed(32)
			if err != nil {
				return ServerMessage{}, err
			}
			var uid UserId
			copy(uid[:], b)
			slots = append(slots, uid)
		}
		data, err := r.ReadBuffer()
		if err != nil {
			return ServerMessage{}, err
		}
		var owner UserId
		copy(owner[:], ownerB)
		return ServerMessage{Kind: ServerNewMeeting, NewMeetingOwnerId: owner, NewMeetingSlots: slots, NewMeetingData: data}, nil
	case tagServerMeetingCreated:
		id, err := readMeetingId()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Kind: ServerMeetingCreated, MeetingId: id}, nil
	case tagServerJoinMeeting:
		id, err := readMeetingId()
		if err != nil {
			return ServerMessage{}, err
		}
		uidB, err := r.ReadFixed(32)
		if err != nil {
			return ServerMessage{}, err
		}
		var uid UserId
		copy(uid[:], uidB)
		return ServerMessage{Kind: ServerJoinMeeting, MeetingId: id, JoinMeetingUserId: uid}, nil
	case tagServerMeetingReady:
		id, err := readMeetingId()
		if err != nil {
			return ServerMessage{}, err
		}
		count, err := r.ReadU32()
		if err != nil {
			return ServerMessage{}, err
		}
		keys := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			pk, err := r.ReadBuffer()
			if err != nil {
				return ServerMessage{}, err
			}
			keys = append(keys, pk)
		}
		data, err := r.ReadBuffer()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Kind: ServerMeetingReady, MeetingId: id, MeetingReadyPublicKeys: keys, MeetingReadyData: data}, nil
	case tagServerNewSession:
		count, err := r.ReadU32()
		if err != nil {
			return ServerMessage{}, err
		}
		keys := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			pk, err := r.ReadBuffer()
			if err != nil {
				return ServerMessage{}, err
			}
			keys = append(keys, pk)
		}
		return ServerMessage{Kind: ServerNewSession, NewSessionParticipantKeys: keys}, nil
	case tagServerSessionConnection:
		id, err := readSessionId()
		if err != nil {
			return ServerMessage{}, err
		}
		pk, err := r.ReadBuffer()
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Kind: ServerSessionConnection, SessionId: id, SessionPeerKey: pk}, nil
	case tagServerSessionCreated, tagServerSessionReady, tagServerSessionActive:
		st, err := decodeSessionStateMsg(r)
		if err != nil {
			return ServerMessage{}, err
		}
		kind := ServerSessionCreated
		if tag == tagServerSessionReady {
			kind = ServerSessionReady
		} else if tag == tagServerSessionActive {
			kind = ServerSessionActive
		}
		return ServerMessage{Kind: kind, SessionState: st}, nil
	case tagServerSessionTimeout, tagServerCloseSession, tagServerSessionFinished:
		id, err := readSessionId()
		if err != nil {
			return ServerMessage{}, err
		}
		kind := ServerSessionTimeout
		if tag == tagServerCloseSession {
			kind = ServerCloseSession
		} else if tag == tagServerSessionFinished {
			kind = ServerSessionFinished
		}
		return ServerMessage{Kind: kind, SessionId: id}, nil
	default:
		return ServerMessage{}, &relayerrors.EncodingKindError{Tag: tag}
	}
}

// Chunk is one Noise-sized ciphertext segment of a SealedEnvelope.
type Chunk struct {
	Ciphertext []byte
}

func (c Chunk) encode(w *Writer) error { return w.WriteBuffer(c.Ciphertext) }

func decodeChunk(r *Reader) (Chunk, error) {
	ct, err := r.ReadBuffer()
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Ciphertext: ct}, nil
}

// SealedEnvelope is the authenticated-encrypted wrapper around one
// application payload, possibly split across several Noise-sized chunks.
type SealedEnvelope struct {
	Encoding  Encoding
	Broadcast bool
	Chunks    []Chunk
}

func (e SealedEnvelope) Encode(w *Writer) error {
	if e.Encoding == EncodingNoop {
		return &relayerrors.EncodingKindError{Tag: byte(EncodingNoop)}
	}
	w.WriteU8(byte(e.Encoding))
	w.WriteBool(e.Broadcast)
	w.WriteU16(uint16(len(e.Chunks)))
	for _, c := range e.Chunks {
		if err := c.encode(w); err != nil {
			return err
		}
	}
	return nil
}

func DecodeSealedEnvelope(r *Reader) (SealedEnvelope, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return SealedEnvelope{}, err
	}
	enc := Encoding(tag)
	broadcast, err := r.ReadBool()
	if err != nil {
		return SealedEnvelope{}, err
	}
	count, err := r.ReadU16()
	if err != nil {
		return SealedEnvelope{}, err
	}
	chunks := make([]Chunk, 0, count)
	for i := uint16(0); i < count; i++ {
		c, err := decodeChunk(r)
		if err != nil {
			return SealedEnvelope{}, err
		}
		chunks = append(chunks, c)
	}
	return SealedEnvelope{Encoding: enc, Broadcast: broadcast, Chunks: chunks}, nil
}

// OpaqueMessage is a sealed envelope addressed either to the server or to a
// peer.
type OpaqueMessage struct {
	Kind opaqueKind

	ServerEnvelope SealedEnvelope

	PeerPublicKey []byte
	PeerSessionId *SessionId
	PeerEnvelope  SealedEnvelope
}

type opaqueKind byte

const (
	OpaqueNoop opaqueKind = iota
	OpaqueServerMessage
	OpaquePeerMessage
)

func (m OpaqueMessage) Encode(w *Writer) error {
	switch m.Kind {
	case OpaqueNoop:
		w.WriteU8(tagOpaqueNoop)
		return nil
	case OpaqueServerMessage:
		w.WriteU8(tagOpaqueServerMessage)
		return m.ServerEnvelope.Encode(w)
	case OpaquePeerMessage:
		w.WriteU8(tagOpaquePeerMessage)
		if err := w.WriteBuffer(m.PeerPublicKey); err != nil {
			return err
		}
		w.WriteBool(m.PeerSessionId != nil)
		if m.PeerSessionId != nil {
			w.WriteFixed(m.PeerSessionId[:])
		}
		return m.PeerEnvelope.Encode(w)
	default:
		return &relayerrors.EncodingKindError{Tag: byte(m.Kind)}
	}
}

func DecodeOpaqueMessage(r *Reader) (OpaqueMessage, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return OpaqueMessage{}, err
	}
	switch tag {
	case tagOpaqueNoop:
		return OpaqueMessage{Kind: OpaqueNoop}, nil
	case tagOpaqueServerMessage:
		env, err := DecodeSealedEnvelope(r)
		if err != nil {
			return OpaqueMessage{}, err
		}
		return OpaqueMessage{Kind: OpaqueServerMessage, ServerEnvelope: env}, nil
	case tagOpaquePeerMessage:
		pk, err := r.ReadBuffer()
		if err != nil {
			return OpaqueMessage{}, err
		}
		hasSession, err := r.ReadBool()
		if err != nil {
			return OpaqueMessage{}, err
		}
		var sid *SessionId
		if hasSession {
			b, err := r.ReadFixed(16)
			if err != nil {
				return OpaqueMessage{}, err
			}
			var id SessionId
			copy(id[:], b)
			sid = &id
		}
		env, err := DecodeSealedEnvelope(r)
		if err != nil {
			return OpaqueMessage{}, err
		}
		return OpaqueMessage{Kind: OpaquePeerMessage, PeerPublicKey: pk, PeerSessionId: sid, PeerEnvelope: env}, nil
	default:
		return OpaqueMessage{}, &relayerrors.EncodingKindError{Tag: tag}
	}
}

// Envelope is the top-level request/response frame: either an unencrypted
// Transparent message or an Opaque sealed envelope. It serves both
// directions of traffic (client-to-server requests and server-to-client
// responses share this shape).
type Envelope struct {
	Kind envelopeKind

	Transparent TransparentMessage
	Opaque      OpaqueMessage
}

type envelopeKind byte

const (
	EnvelopeNoop envelopeKind = iota
	EnvelopeTransparent
	EnvelopeOpaque
)

// Encode writes the full frame body (preamble + tag + payload) ready for
// Deflate.
func (e Envelope) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteU16(Version)
	switch e.Kind {
	case EnvelopeNoop:
		w.WriteU8(tagEnvelopeNoop)
	case EnvelopeTransparent:
		w.WriteU8(tagEnvelopeTransparent)
		if err := e.Transparent.Encode(w); err != nil {
			return nil, err
		}
	case EnvelopeOpaque:
		w.WriteU8(tagEnvelopeOpaque)
		if err := e.Opaque.Encode(w); err != nil {
			return nil, err
		}
	default:
		return nil, &relayerrors.EncodingKindError{Tag: byte(e.Kind)}
	}
	return w.Bytes(), nil
}

// Decode parses a full frame body (preamble included) written by Encode.
func Decode(body []byte) (Envelope, error) {
	r := NewReader(body)
	if _, err := r.ReadU16(); err != nil { // preamble version; caller may want to check separately
		return Envelope{}, err
	}
	tag, err := r.ReadU8()
	if err != nil {
		return Envelope{}, err
	}
	switch tag {
	case tagEnvelopeNoop:
		return Envelope{Kind: EnvelopeNoop}, nil
	case tagEnvelopeTransparent:
		t, err := DecodeTransparentMessage(r)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: EnvelopeTransparent, Transparent: t}, nil
	case tagEnvelopeOpaque:
		o, err := DecodeOpaqueMessage(r)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: EnvelopeOpaque, Opaque: o}, nil
	default:
		return Envelope{}, &relayerrors.EncodingKindError{Tag: tag}
	}
}

// EncodeFrame deflates the encoded envelope for transmission over the wire.
func EncodeFrame(e Envelope) ([]byte, error) {
	body, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return Deflate(body)
}

// DecodeFrame inflates a received frame and decodes it into an Envelope.
func DecodeFrame(compressed []byte) (Envelope, error) {
	body, err := Inflate(compressed)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}
