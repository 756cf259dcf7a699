// Package protocol implements the websocket signaling and control endpoint.
//
// Each connection runs a read loop on its handler goroutine and a writer
// goroutine draining the outbound queue. A connection starts unidentified and
// becomes a robot or a headset on its hello; the role never changes after
// that. All cross-connection state lives in the registry.
package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opentelebot/teleop-relay/internal/config"
	"github.com/opentelebot/teleop-relay/internal/gate"
	"github.com/opentelebot/teleop-relay/internal/metrics"
	"github.com/opentelebot/teleop-relay/internal/ratelimit"
	"github.com/opentelebot/teleop-relay/internal/registry"
)

type Server struct {
	cfg   config.Config
	log   *slog.Logger
	reg   *registry.Registry
	gate  *gate.Gate
	m     *metrics.Metrics
	clock ratelimit.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg config.Config, logger *slog.Logger, reg *registry.Registry, g *gate.Gate, m *metrics.Metrics) *Server {
	return &Server{
		cfg:   cfg,
		log:   logger,
		reg:   reg,
		gate:  g,
		m:     m,
		clock: ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, s.log, s.m)
	s.track(c)
	go c.writePump()

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	// Runs on the read goroutine, so touching c.state is safe.
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		if st, ok := c.state.(robotPeer); ok {
			s.reg.Touch(st.id)
		}
		return nil
	})

	limiter := ratelimit.NewTokenBucket(s.clock,
		int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	defer s.cleanup(c)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.alive.Store(true)

		if msgType != websocket.TextMessage {
			s.m.Inc(metrics.EventMalformedJSON)
			continue
		}

		if !limiter.Allow(1) {
			s.m.Inc(metrics.EventInboundOverLimit)
			s.log.Warn("closing connection over inbound message budget", "remote", ws.RemoteAddr())
			writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.handleMessage(c, data)
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

// cleanup is the single disconnect path: explicit closes, read errors and
// liveness reaping all end up here via the read loop.
func (s *Server) cleanup(c *conn) {
	switch st := c.state.(type) {
	case robotPeer:
		s.reg.RemoveRobot(st.id, c)
		s.log.Info("robot disconnected", "robotId", st.id)
	case headsetPeer:
		s.reg.RemoveHeadset(st.id, c)
		s.log.Info("headset disconnected", "clientId", st.id)
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	c.Close()
}

func (s *Server) handleMessage(c *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		s.m.Inc(metrics.EventMalformedJSON)
		return
	}

	switch st := c.state.(type) {
	case unidentified:
		s.handleUnidentified(c, env, data)
	case headsetPeer:
		s.handleHeadset(c, st, env, data)
	case robotPeer:
		s.handleRobot(c, st, env, data)
	}
}

func (s *Server) handleUnidentified(c *conn, env envelope, data []byte) {
	if env.Type != msgHello {
		c.Send(errorOf(reasonSendHelloFirst))
		return
	}

	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		s.m.Inc(metrics.EventMalformedJSON)
		return
	}

	switch hello.Role {
	case "robot":
		if hello.RobotID == "" {
			c.Send(errorOf(reasonRobotIDRequired))
			return
		}
		s.reg.RegisterRobot(hello.RobotID, c, hello.Meta)
		c.state = robotPeer{id: hello.RobotID}
		c.Send(helloOKMessage{Type: "hello_ok", Role: "robot", RobotID: hello.RobotID})
		s.log.Info("robot connected", "robotId", hello.RobotID)

	case "headset":
		h := s.reg.RegisterHeadset(hello.ClientID, c)
		c.state = headsetPeer{id: h.ID}
		c.Send(helloOKMessage{Type: "hello_ok", Role: "headset", ClientID: h.ID})
		c.Send(rosterMessage{Type: "robots", Robots: s.reg.SnapshotRoster()})
		s.log.Info("headset connected", "clientId", h.ID)

	default:
		c.Send(errorOf(reasonBadRole))
	}
}

func (s *Server) handleHeadset(c *conn, st headsetPeer, env envelope, data []byte) {
	switch env.Type {
	case msgListRobots:
		c.Send(rosterMessage{Type: "robots", Robots: s.reg.SnapshotRoster()})

	case msgSelectRobot:
		var req struct {
			RobotID string `json:"robotId"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			s.m.Inc(metrics.EventMalformedJSON)
			return
		}
		robot, ok := s.reg.Select(st.id, req.RobotID)
		if !ok {
			c.Send(errorMessage{Type: "error", Reason: reasonRobotNotOnline, RobotID: req.RobotID})
			return
		}
		c.Send(selectedRobotMessage{Type: "selected_robot", RobotID: robot.ID})
		robot.Conn.Send(viewerAttachedMessage{Type: "viewer_attached", ClientID: st.id})
		// Replay the current mode so the headset can pick a renderer without
		// waiting for the robot's next announcement.
		c.Send(streamModeMessage{Type: "streamMode", Mode: robot.StreamMode})

	case msgOffer, msgCandidate:
		selected := s.reg.Selection(st.id)
		robot, ok := s.reg.Robot(selected)
		if selected == "" || !ok {
			c.Send(errorOf(reasonNoSelectedRobot))
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			s.m.Inc(metrics.EventMalformedJSON)
			return
		}
		payload["clientId"] = st.id
		robot.Conn.Send(payload)
		s.m.Inc(metrics.EventSignalForwarded)

	case msgPose, msgJoy, msgButton, msgViewport:
		s.handleGatedChannel(st, env.Type, data)

	case msgControl:
		s.handleControl(c, st, data)
	}
	// Anything else is ignored for forward compatibility.
}

// handleGatedChannel runs the per-axis channels. Routing mismatches drop
// silently: channel-switch races are normal and an error echo per message
// would flood the operator UI.
func (s *Server) handleGatedChannel(st headsetPeer, channel string, data []byte) {
	fields, target := parseFields(data)
	selected := s.reg.Selection(st.id)
	if target == "" {
		target = selected
	}
	robot, ok := s.reg.Robot(target)
	if target == "" || !ok || target != selected {
		s.m.Inc(metrics.EventGateDropped)
		return
	}

	throttle := s.throttleFor(st.id)
	if throttle == nil {
		return
	}

	var res gate.Result
	switch channel {
	case msgPose:
		res = s.gate.Pose(throttle, fields)
	case msgJoy:
		res = s.gate.Joystick(throttle, fields)
	case msgButton:
		res = s.gate.Button(fields)
	case msgViewport:
		res = s.gate.Viewport(throttle, fields)
	}

	switch res.Status {
	case gate.StatusForwarded:
		robot.Conn.Send(gatedPayload(channel, res.Payload))
		s.m.Inc(metrics.EventGateForwarded)
	case gate.StatusRejected:
		s.m.Inc(metrics.EventGateRejected)
	case gate.StatusDropped:
		s.m.Inc(metrics.EventGateDropped)
	}
}

// handleControl runs the legacy combined channel, which keeps its original
// noisier contract: routing failures get an error, gate outcomes get a
// control_status echo.
func (s *Server) handleControl(c *conn, st headsetPeer, data []byte) {
	fields, target := parseFields(data)
	selected := s.reg.Selection(st.id)
	if target == "" {
		target = selected
	}
	robot, ok := s.reg.Robot(target)
	if target == "" || !ok {
		c.Send(errorOf(reasonRobotNotOnlineOrNotSelected))
		return
	}

	var seqEcho any
	if raw, ok := fields["seq"]; ok {
		_ = json.Unmarshal(raw, &seqEcho)
	}

	throttle := s.throttleFor(st.id)
	if throttle == nil {
		return
	}

	res := s.gate.Control(throttle, selected, target, fields)
	if res.Status != gate.StatusForwarded {
		if res.Status == gate.StatusRejected {
			s.m.Inc(metrics.EventGateRejected)
		} else {
			s.m.Inc(metrics.EventGateDropped)
		}
		c.Send(controlStatusMessage{
			Type:   "control_status",
			Seq:    seqEcho,
			Status: string(res.Status),
			Reason: res.Reason,
		})
		return
	}

	robot.Conn.Send(gatedPayload(msgControl, res.Payload))
	s.m.Inc(metrics.EventGateForwarded)
}

func (s *Server) handleRobot(c *conn, st robotPeer, env envelope, data []byte) {
	s.reg.Touch(st.id)

	switch env.Type {
	case msgAnswer, msgCandidate:
		for _, viewer := range s.reg.AttachedViewers(st.id) {
			viewer.SendRaw(data)
		}
		s.m.Inc(metrics.EventSignalForwarded)

	case msgTelemetry:
		for _, viewer := range s.reg.AttachedViewers(st.id) {
			viewer.SendRaw(data)
		}

	case msgStreamMode:
		var msg struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.m.Inc(metrics.EventMalformedJSON)
			return
		}
		s.reg.SetStreamMode(st.id, registry.NormalizeStreamMode(msg.Mode))

	case msgStreamFormat:
		// Legacy announcement shape. Normalized here and never forwarded
		// as-is.
		var msg struct {
			Format string `json:"format"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.m.Inc(metrics.EventMalformedJSON)
			return
		}
		s.reg.SetStreamMode(st.id, registry.NormalizeStreamMode(msg.Format))
	}
}

func (s *Server) throttleFor(clientID string) *gate.Throttle {
	h, ok := s.reg.Headset(clientID)
	if !ok {
		return nil
	}
	return h.Throttle
}

// RunLiveness sweeps all open connections every PingInterval. A connection
// with no traffic and no pong since the previous sweep is closed; everyone
// else is pinged.
func (s *Server) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	snapshot := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		if !c.alive.Swap(false) {
			s.m.Inc(metrics.EventLivenessReaped)
			s.log.Info("reaping unresponsive connection", "remote", c.ws.RemoteAddr())
			c.Close()
			continue
		}
		c.ping()
	}
}

// CloseAll force-closes every open connection, for shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	snapshot := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.Close()
	}
}

// parseFields splits an inbound control message into its field set and an
// optional explicit target robot id. Routing keys are stripped so the gate
// only sees channel fields.
func parseFields(data []byte) (gate.Fields, string) {
	var fields gate.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return gate.Fields{}, ""
	}

	var target string
	if raw, ok := fields["robotId"]; ok {
		_ = json.Unmarshal(raw, &target)
	}
	delete(fields, "type")
	delete(fields, "robotId")
	return fields, target
}

func gatedPayload(channel string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = channel
	out["gated"] = true
	return out
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
