package relay

import (
	"github.com/polysig/relay/protocol"
	"github.com/polysig/relay/relay/meeting"
	"github.com/polysig/relay/relay/session"
)

// dispatchServerMessage applies one decrypted ServerMessage from conn to
// the session/meeting managers and replies or broadcasts as needed. The
// owner of a session already knows its own participant list (it supplied
// it to NewSession), so SessionCreated is an acknowledgement sent only to
// the owner; SessionReady carries the same roster to every participant,
// including the owner, once every one of them has a live server channel
// — which may not be true yet at NewSession time if the owner named a
// participant who hasn't connected, so readiness is rechecked again as
// each connection is promoted (see Server.promote).
func (s *Server) dispatchServerMessage(conn *connection, msg protocol.ServerMessage) {
	switch msg.Kind {
	case protocol.ServerNewMeeting:
		s.handleNewMeeting(conn, msg)
	case protocol.ServerJoinMeeting:
		s.handleJoinMeeting(conn, msg)
	case protocol.ServerNewSession:
		s.handleNewSession(conn, msg)
	case protocol.ServerSessionConnection:
		s.handleSessionConnection(conn, msg)
	case protocol.ServerCloseSession:
		s.handleCloseSession(conn, msg)
	default:
		conn.enqueueError(400, "unexpected server message")
	}
}

func (s *Server) handleNewMeeting(conn *connection, msg protocol.ServerMessage) {
	var slots []meeting.UserId
	for _, uid := range msg.NewMeetingSlots {
		slots = append(slots, meeting.UserId(uid))
	}
	id, err := s.meetings.New(conn.activeKey, meeting.UserId(msg.NewMeetingOwnerId), slots, msg.NewMeetingData)
	if err != nil {
		s.sendServerMessage(conn, protocol.ServerMessage{Kind: protocol.ServerError, Status: 400, Message: err.Error()})
		return
	}
	s.sendServerMessage(conn, protocol.ServerMessage{Kind: protocol.ServerMeetingCreated, MeetingId: protocol.MeetingId(id)})
}

func (s *Server) handleJoinMeeting(conn *connection, msg protocol.ServerMessage) {
	id := meeting.Id(msg.MeetingId)
	becameFull, err := s.meetings.Join(id, meeting.UserId(msg.JoinMeetingUserId), conn.activeKey)
	if err != nil {
		s.sendServerMessage(conn, protocol.ServerMessage{Kind: protocol.ServerError, Status: 400, Message: err.Error()})
		return
	}
	if !becameFull {
		return
	}
	mt, ok := s.meetings.Get(id)
	if !ok {
		return
	}
	ready := protocol.ServerMessage{
		Kind:                   protocol.ServerMeetingReady,
		MeetingId:              msg.MeetingId,
		MeetingReadyPublicKeys: mt.PublicKeys(),
		MeetingReadyData:       mt.Data(),
	}
	s.notifyParticipants(mt.PublicKeys(), ready)
}

func (s *Server) handleNewSession(conn *connection, msg protocol.ServerMessage) {
	id := s.sessions.NewSession(conn.activeKey, msg.NewSessionParticipantKeys)
	sess, ok := s.sessions.Get(id)
	if !ok {
		return
	}
	state := protocol.SessionStateMsg{
		SessionId:       protocol.SessionId(id),
		AllParticipants: sess.AllParticipants(),
	}
	s.sendServerMessage(conn, protocol.ServerMessage{Kind: protocol.ServerSessionCreated, SessionState: state})

	s.maybeFireSessionReady(sess)
}

func (s *Server) handleSessionConnection(conn *connection, msg protocol.ServerMessage) {
	id := session.Id(msg.SessionId)
	if ok := s.sessions.RegisterConnection(id, conn.activeKey, msg.SessionPeerKey); !ok {
		s.sendServerMessage(conn, protocol.ServerMessage{Kind: protocol.ServerError, Status: 404, Message: "session not found"})
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok || !sess.IsActive() {
		return
	}
	if sess.MarkActiveFired() {
		return
	}
	state := protocol.SessionStateMsg{
		SessionId:       msg.SessionId,
		AllParticipants: sess.AllParticipants(),
	}
	s.notifyParticipants(sess.AllParticipants(), protocol.ServerMessage{Kind: protocol.ServerSessionActive, SessionState: state})
}

func (s *Server) handleCloseSession(conn *connection, msg protocol.ServerMessage) {
	id := session.Id(msg.SessionId)
	sess, ok := s.sessions.Remove(id)
	if !ok {
		return
	}
	s.notifyParticipants(sess.AllParticipants(), protocol.ServerMessage{Kind: protocol.ServerSessionFinished, SessionId: msg.SessionId})
}
