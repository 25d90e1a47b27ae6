package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	relayerrors "github.com/polysig/relay/errors"
	"github.com/polysig/relay/noise"
	"github.com/polysig/relay/protocol"
)

// outboundQueueDepth bounds each connection's pending-write queue. The
// relay flushes one frame per WriteMessage call; a slow reader backs up
// here rather than blocking the dispatcher that filled it.
const outboundQueueDepth = 256

// connection is one socket's server-side state: its declared identity
// before the Noise handshake completes, its channel, and the outbound
// queue its writer goroutine drains.
type connection struct {
	ws *websocket.Conn

	mu          sync.Mutex
	channel     *noise.Channel
	declaredKey []byte
	activeKey   []byte // set once the handshake completes

	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ws *websocket.Conn, declaredKey []byte, channel *noise.Channel) *connection {
	return &connection{
		ws:          ws,
		declaredKey: declaredKey,
		channel:     channel,
		outbound:    make(chan []byte, outboundQueueDepth),
		closed:      make(chan struct{}),
	}
}

// isActive reports whether the handshake has completed and this
// connection has been promoted out of the pending table.
func (c *connection) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeKey != nil
}

func (c *connection) markActive(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeKey = key
}

// enqueue frames env and pushes it onto the outbound queue. A full queue
// drops the connection rather than blocking the dispatching goroutine.
func (c *connection) enqueue(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		c.close()
		return relayerrors.ErrWebSocketSend
	}
}

func (c *connection) enqueueError(status uint16, msg string) {
	_ = c.enqueue(protocol.Envelope{
		Kind: protocol.EnvelopeTransparent,
		Transparent: protocol.TransparentMessage{
			Kind:    protocol.TransparentError,
			Status:  status,
			Message: msg,
		},
	})
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump drains the outbound queue onto the socket until the
// connection is closed. It is the sole writer of c.ws.
func (c *connection) writePump() {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writePump",
					"error":    err.Error(),
				}).Warn("websocket write failed")
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump reads binary frames off the socket and hands each to handle,
// until the socket errors or the connection is closed.
func (c *connection) readPump(handle func(raw []byte)) {
	defer c.close()
	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		handle(raw)
	}
}
