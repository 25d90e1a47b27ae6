package client

import "github.com/polysig/relay/protocol"

// EventKind names the events the event loop publishes on Transport.Events.
type EventKind int

const (
	EventServerConnected EventKind = iota
	EventPeerConnected
	EventSessionCreated
	EventSessionReady
	EventSessionActive
	EventSessionTimeout
	EventSessionFinished
	EventMeetingCreated
	EventMeetingReady
	EventJsonMessage
	EventBinaryMessage
	EventError
	EventClose
)

// Event is the event loop's single published type; only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	PeerPublicKey []byte

	SessionState protocol.SessionStateMsg
	SessionId    protocol.SessionId

	MeetingId       protocol.MeetingId
	MeetingPubKeys  [][]byte
	MeetingData     []byte

	SenderPublicKey []byte
	SessionIdOpt    *protocol.SessionId
	Payload         []byte

	ErrStatus  uint16
	ErrMessage string
}
