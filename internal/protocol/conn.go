package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opentelebot/teleop-relay/internal/metrics"
)

const (
	wsWriteWait   = 1 * time.Second
	sendQueueSize = 64
)

// peerState is the connection's role, set at most once by its read loop.
type peerState interface{ isPeerState() }

type unidentified struct{}

type robotPeer struct {
	id string
}

type headsetPeer struct {
	id string
}

func (unidentified) isPeerState() {}
func (robotPeer) isPeerState()    {}
func (headsetPeer) isPeerState()  {}

// conn wraps a websocket with a non-blocking outbound queue and a dedicated
// writer goroutine. All reads happen on the owning handler goroutine; state
// is only touched there.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger
	m   *metrics.Metrics

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// alive is set on every inbound frame and pong, cleared by the liveness
	// sweep. Two sweeps without traffic means the peer is gone.
	alive atomic.Bool

	state peerState
}

func newConn(ws *websocket.Conn, log *slog.Logger, m *metrics.Metrics) *conn {
	c := &conn{
		ws:    ws,
		log:   log,
		m:     m,
		send:  make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
		state: unidentified{},
	}
	c.alive.Store(true)
	return c
}

// Send marshals v and enqueues it. It never blocks: a full queue or a closed
// connection drops the message and reports false.
func (c *conn) Send(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "err", err)
		return false
	}
	return c.SendRaw(payload)
}

// SendRaw enqueues a pre-encoded message without blocking.
func (c *conn) SendRaw(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.m.Inc(metrics.EventSendDropped)
		return false
	}
}

// Close tears the transport down. Registry cleanup happens when the read
// loop observes the closed socket and exits.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump is the only goroutine that writes data frames to the socket.
func (c *conn) writePump() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ping sends a control frame; safe to call concurrently with writePump.
func (c *conn) ping() {
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
