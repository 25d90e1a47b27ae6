// Package relay implements the server half of the protocol: the HTTP
// front-end that upgrades sockets to the relay's binary WebSocket
// protocol, the per-connection Noise channel bookkeeping, the dispatch
// of opaque server/peer messages, and the periodic purge of stale
// sessions and meetings.
package relay

import (
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/polysig/relay/keypair"
	"github.com/polysig/relay/noise"
	"github.com/polysig/relay/protocol"
	"github.com/polysig/relay/relay/config"
	"github.com/polysig/relay/relay/meeting"
	"github.com/polysig/relay/relay/session"
)

// Server holds every connection's state and the session/meeting
// registries. It implements http.Handler-producing methods and runs no
// goroutines of its own until a socket is upgraded (each connection gets
// a reader and a writer goroutine) or RunPurgeLoop is started.
type Server struct {
	cfg     config.Config
	keypair keypair.Keypair

	sessions *session.Manager
	meetings *meeting.Manager

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	pending map[*connection]struct{}
	active  map[string]*connection // keyed by hex-encoded public key

	log *logrus.Entry
}

// NewServer builds a Server from its TOML configuration and static
// keypair. The caller registers the returned Server's handlers with an
// http.ServeMux (or calls Mux) and starts RunPurgeLoop in its own
// goroutine.
func NewServer(cfg config.Config, kp keypair.Keypair) *Server {
	s := &Server{
		cfg:      cfg,
		keypair:  kp,
		sessions: session.NewManager(),
		meetings: meeting.NewManager(),
		pending:  make(map[*connection]struct{}),
		active:   make(map[string]*connection),
		log:      logrus.WithField("component", "relay.Server"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.CORS.Origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.CORS.Origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) keyAllowed(pubKey []byte) bool {
	hexKey := hex.EncodeToString(pubKey)
	for _, denied := range s.cfg.Deny {
		if strings.EqualFold(denied, hexKey) {
			return false
		}
	}
	if len(s.cfg.Allow) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Allow {
		if strings.EqualFold(allowed, hexKey) {
			return true
		}
	}
	return false
}

// Mux returns an http.ServeMux wired to the relay's two endpoints:
// GET / (WebSocket upgrade) and GET /public-key.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleUpgrade)
	mux.HandleFunc("/public-key", s.HandlePublicKey)
	return mux
}

// HandlePublicKey serves the server's static public key as hex text.
func (s *Server) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(hex.EncodeToString(s.keypair.Public)))
}

// HandleUpgrade upgrades the request to a WebSocket connection and builds
// the per-connection Noise responder using the declared public key from
// the query string, per the KK-pattern handshake described in the relay's
// external interface: both sides' static keys are known before the
// handshake runs.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	declaredHex := r.URL.Query().Get("public_key")
	declaredKey, err := hex.DecodeString(declaredHex)
	if err != nil || len(declaredKey) == 0 {
		http.Error(w, "missing or malformed public_key", http.StatusBadRequest)
		return
	}
	if !s.keyAllowed(declaredKey) {
		http.Error(w, "public key is not permitted", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "HandleUpgrade",
			"error":    err.Error(),
		}).Warn("websocket upgrade failed")
		return
	}

	channel, err := noise.NewChannel(noise.Responder, noise.DefaultPattern, s.keypair.Private, s.keypair.Public, declaredKey)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "HandleUpgrade",
			"error":    err.Error(),
		}).Error("failed to build responder channel")
		_ = ws.Close()
		return
	}

	conn := newConnection(ws, declaredKey, channel)
	s.mu.Lock()
	s.pending[conn] = struct{}{}
	s.mu.Unlock()

	go conn.writePump()
	go func() {
		conn.readPump(func(raw []byte) { s.handleFrame(conn, raw) })
		s.dropConnection(conn)
	}()
}

func (s *Server) promote(conn *connection, key []byte) {
	hexKey := hex.EncodeToString(key)
	s.mu.Lock()
	delete(s.pending, conn)
	s.active[hexKey] = conn
	s.mu.Unlock()
	conn.markActive(key)
	s.recomputeSessionReadiness()
}

// recomputeSessionReadiness rechecks every session that hasn't yet fired
// SessionReady against the server's current active-connection set.
// promote is the only place a connection becomes active, so this is the
// only place besides session creation itself that a session's readiness
// can change; a participant named at NewSession time but not yet
// connected would otherwise never receive SessionReady once it arrives.
func (s *Server) recomputeSessionReadiness() {
	for _, sess := range s.sessions.Sessions() {
		s.maybeFireSessionReady(sess)
	}
}

// maybeFireSessionReady fires and latches SessionReady for sess the first
// time every one of its participants has a live server channel. It is
// safe to call repeatedly; once readiness has fired it is a no-op.
func (s *Server) maybeFireSessionReady(sess *session.Session) {
	if sess.ReadyFired() {
		return
	}
	if !s.allParticipantsActive(sess) {
		return
	}
	if sess.MarkReadyFired() {
		return
	}
	state := protocol.SessionStateMsg{
		SessionId:       protocol.SessionId(sess.ID()),
		AllParticipants: sess.AllParticipants(),
	}
	s.notifyParticipants(sess.AllParticipants(), protocol.ServerMessage{Kind: protocol.ServerSessionReady, SessionState: state})
}

func (s *Server) allParticipantsActive(sess *session.Session) bool {
	for _, key := range sess.AllParticipants() {
		if _, ok := s.lookupActive(key); !ok {
			return false
		}
	}
	return true
}

func (s *Server) dropConnection(conn *connection) {
	s.mu.Lock()
	delete(s.pending, conn)
	if conn.isActive() {
		delete(s.active, hex.EncodeToString(conn.activeKey))
	}
	s.mu.Unlock()
}

func (s *Server) lookupActive(key []byte) (*connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.active[hex.EncodeToString(key)]
	return c, ok
}

// handleFrame decodes one inbound frame and dispatches it. Any decode or
// handling error is reported back as a Transparent Error on the
// originating socket; the connection itself is never dropped for a
// recoverable protocol error.
func (s *Server) handleFrame(conn *connection, raw []byte) {
	env, err := protocol.DecodeFrame(raw)
	if err != nil {
		conn.enqueueError(400, err.Error())
		return
	}
	switch env.Kind {
	case protocol.EnvelopeTransparent:
		s.handleTransparent(conn, env.Transparent)
	case protocol.EnvelopeOpaque:
		s.handleOpaque(conn, env.Opaque)
	}
}

func (s *Server) handleTransparent(conn *connection, msg protocol.TransparentMessage) {
	switch msg.Kind {
	case protocol.TransparentServerHandshake:
		if msg.ServerHandshake.Role != protocol.RoleInitiator {
			conn.enqueueError(400, "expected initiator handshake message")
			return
		}
		out, err := conn.channel.Advance(msg.ServerHandshake.Payload)
		if err != nil {
			conn.enqueueError(400, err.Error())
			return
		}
		if out != nil {
			_ = conn.enqueue(protocol.Envelope{
				Kind: protocol.EnvelopeTransparent,
				Transparent: protocol.TransparentMessage{
					Kind: protocol.TransparentServerHandshake,
					ServerHandshake: protocol.HandshakeMessage{
						Role:    protocol.RoleResponder,
						Payload: out,
					},
				},
			})
		}
		if conn.channel.IsTransport() {
			s.promote(conn, conn.declaredKey)
		}

	case protocol.TransparentPeerHandshake:
		if !conn.isActive() {
			conn.enqueueError(400, "server handshake not complete")
			return
		}
		target, ok := s.lookupActive(msg.PeerPublicKey)
		if !ok {
			conn.enqueueError(404, "peer not found")
			return
		}
		_ = target.enqueue(protocol.Envelope{
			Kind: protocol.EnvelopeTransparent,
			Transparent: protocol.TransparentMessage{
				Kind:          protocol.TransparentPeerHandshake,
				PeerPublicKey: conn.activeKey,
				PeerHandshake: msg.PeerHandshake,
			},
		})
	}
}

func (s *Server) handleOpaque(conn *connection, msg protocol.OpaqueMessage) {
	if !conn.isActive() {
		conn.enqueueError(400, "server handshake not complete")
		return
	}
	switch msg.Kind {
	case protocol.OpaqueServerMessage:
		s.handleServerEnvelope(conn, msg.ServerEnvelope)
	case protocol.OpaquePeerMessage:
		target, ok := s.lookupActive(msg.PeerPublicKey)
		if !ok {
			conn.enqueueError(404, "peer not found")
			return
		}
		_ = target.enqueue(protocol.Envelope{
			Kind: protocol.EnvelopeOpaque,
			Opaque: protocol.OpaqueMessage{
				Kind:          protocol.OpaquePeerMessage,
				PeerPublicKey: conn.activeKey,
				PeerSessionId: msg.PeerSessionId,
				PeerEnvelope:  msg.PeerEnvelope,
			},
		})
	}
}

func (s *Server) handleServerEnvelope(conn *connection, env protocol.SealedEnvelope) {
	plaintext, err := conn.channel.Decrypt(env)
	if err != nil {
		conn.enqueueError(400, "decrypt failed: "+err.Error())
		return
	}
	inner, err := protocol.DecodeServerMessage(protocol.NewReader(plaintext))
	if err != nil {
		conn.enqueueError(400, err.Error())
		return
	}
	s.dispatchServerMessage(conn, inner)
}

// sendServerMessage encrypts msg on the named connection's server channel
// and delivers it as an Opaque(ServerMessage).
func (s *Server) sendServerMessage(conn *connection, msg protocol.ServerMessage) {
	w := protocol.NewWriter()
	if err := msg.Encode(w); err != nil {
		s.log.WithFields(logrus.Fields{"function": "sendServerMessage", "error": err.Error()}).Error("failed to encode server message")
		return
	}
	env, err := conn.channel.Encrypt(w.Bytes(), protocol.EncodingBlob, false)
	if err != nil {
		s.log.WithFields(logrus.Fields{"function": "sendServerMessage", "error": err.Error()}).Error("failed to encrypt server message")
		return
	}
	_ = conn.enqueue(protocol.Envelope{
		Kind:   protocol.EnvelopeOpaque,
		Opaque: protocol.OpaqueMessage{Kind: protocol.OpaqueServerMessage, ServerEnvelope: env},
	})
}

func (s *Server) notifyParticipants(keys [][]byte, msg protocol.ServerMessage) {
	for _, key := range keys {
		if conn, ok := s.lookupActive(key); ok {
			s.sendServerMessage(conn, msg)
		}
	}
}

// RunPurgeLoop walks the session and meeting managers every
// cfg.Session.Interval, evicting anything idle past cfg.Session.Timeout
// and notifying surviving session participants of the timeout. It runs
// until ctx-like stop channel is closed; callers typically launch it in
// its own goroutine for the server's lifetime.
func (s *Server) RunPurgeLoop(stop <-chan struct{}) {
	interval := s.cfg.IntervalDuration()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.purgeOnce()
		}
	}
}

func (s *Server) purgeOnce() {
	timeout := s.cfg.TimeoutDuration()
	for _, id := range s.sessions.ExpiredKeys(timeout) {
		sess, ok := s.sessions.Remove(id)
		if !ok {
			continue
		}
		s.notifyParticipants(sess.AllParticipants(), protocol.ServerMessage{
			Kind:      protocol.ServerSessionTimeout,
			SessionId: protocol.SessionId(id),
		})
	}
	for _, id := range s.meetings.ExpiredKeys(timeout) {
		s.meetings.Remove(id)
	}
}
