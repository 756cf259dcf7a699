package protocol

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opentelebot/teleop-relay/internal/config"
	"github.com/opentelebot/teleop-relay/internal/gate"
	"github.com/opentelebot/teleop-relay/internal/metrics"
	"github.com/opentelebot/teleop-relay/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testRelay struct {
	baseURL string
	clock   *fakeClock
	reg     *registry.Registry
	srv     *Server
	m       *metrics.Metrics
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	cfg := config.Config{
		ListenAddr:           "127.0.0.1:0",
		Mode:                 config.ModeDev,
		PingInterval:         time.Hour,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 10_000,
		PoseRateHz:           config.DefaultPoseRateHz,
		JoyRateHz:            config.DefaultJoyRateHz,
		ViewportRateHz:       config.DefaultViewportRateHz,
		ControlRateHz:        config.DefaultControlRateHz,
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := registry.New(registry.WithCounters(m))
	clock := newFakeClock()
	g := gate.New(gate.Limits{
		PoseHz:     cfg.PoseRateHz,
		JoyHz:      cfg.JoyRateHz,
		ViewportHz: cfg.ViewportRateHz,
		ControlHz:  cfg.ControlRateHz,
	}, clock)

	srv := NewServer(cfg, log, reg, g, m)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
	})

	return &testRelay{
		baseURL: ts.URL,
		clock:   clock,
		reg:     reg,
		srv:     srv,
		m:       m,
	}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(tr.baseURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, src string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(src)); err != nil {
		t.Fatalf("write %s: %v", src, err)
	}
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func expectType(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	msg := readJSON(t, ws)
	if msg["type"] != typ {
		t.Fatalf("got message %v, want type %q", msg, typ)
	}
	return msg
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

// connectRobot completes the robot handshake and drains the ack.
func connectRobot(t *testing.T, tr *testRelay, robotID, meta string) *websocket.Conn {
	t.Helper()
	ws := tr.dial(t)
	hello := `{"type":"hello","role":"robot","robotId":"` + robotID + `"}`
	if meta != "" {
		hello = `{"type":"hello","role":"robot","robotId":"` + robotID + `","meta":` + meta + `}`
	}
	sendJSON(t, ws, hello)
	expectType(t, ws, "hello_ok")
	return ws
}

// connectHeadset completes the headset handshake and drains hello_ok plus the
// initial roster.
func connectHeadset(t *testing.T, tr *testRelay, clientID string) *websocket.Conn {
	t.Helper()
	ws := tr.dial(t)
	sendJSON(t, ws, `{"type":"hello","role":"headset","clientId":"`+clientID+`"}`)
	expectType(t, ws, "hello_ok")
	expectType(t, ws, "robots")
	return ws
}

// attach selects robotID from the headset and drains the acks on both ends.
func attach(t *testing.T, tr *testRelay, headset, robot *websocket.Conn, robotID string) {
	t.Helper()
	sendJSON(t, headset, `{"type":"select_robot","robotId":"`+robotID+`"}`)
	expectType(t, headset, "selected_robot")
	expectType(t, headset, "streamMode")
	expectType(t, robot, "viewer_attached")
}

func TestHandshake_RobotRequiresID(t *testing.T) {
	tr := startRelay(t)
	ws := tr.dial(t)

	sendJSON(t, ws, `{"type":"hello","role":"robot"}`)
	msg := expectType(t, ws, "error")
	if msg["reason"] != "robotId_required" {
		t.Fatalf("reason = %v, want robotId_required", msg["reason"])
	}

	// The connection stays unidentified and may retry.
	sendJSON(t, ws, `{"type":"hello","role":"robot","robotId":"r1"}`)
	ok := expectType(t, ws, "hello_ok")
	if ok["role"] != "robot" || ok["robotId"] != "r1" {
		t.Fatalf("hello_ok = %v", ok)
	}
}

func TestHandshake_RejectsUnknownRole(t *testing.T) {
	tr := startRelay(t)
	ws := tr.dial(t)

	sendJSON(t, ws, `{"type":"hello","role":"drone"}`)
	msg := expectType(t, ws, "error")
	if msg["reason"] != "role_must_be_robot_or_headset" {
		t.Fatalf("reason = %v", msg["reason"])
	}
}

func TestHandshake_RequiredBeforeAnythingElse(t *testing.T) {
	tr := startRelay(t)
	ws := tr.dial(t)

	sendJSON(t, ws, `{"type":"list_robots"}`)
	msg := expectType(t, ws, "error")
	if msg["reason"] != "send_hello_first" {
		t.Fatalf("reason = %v", msg["reason"])
	}
}

func TestHandshake_HeadsetGetsGeneratedClientID(t *testing.T) {
	tr := startRelay(t)
	ws := tr.dial(t)

	sendJSON(t, ws, `{"type":"hello","role":"headset"}`)
	ok := expectType(t, ws, "hello_ok")
	id, _ := ok["clientId"].(string)
	if id == "" {
		t.Fatalf("hello_ok = %v, want generated clientId", ok)
	}
	expectType(t, ws, "robots")
}

func TestSelectRobot_FullHandshake(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", `{"name":"Sim"}`)
	headset := connectHeadset(t, tr, "h1")

	// Headset joined after the robot, so its initial roster already lists r1.
	sendJSON(t, headset, `{"type":"list_robots"}`)
	roster := expectType(t, headset, "robots")
	robots := roster["robots"].([]any)
	if len(robots) != 1 {
		t.Fatalf("roster = %v, want one robot", robots)
	}
	entry := robots[0].(map[string]any)
	if entry["robotId"] != "r1" || entry["streamMode"] != "flat2d" || entry["online"] != true {
		t.Fatalf("roster entry = %v", entry)
	}
	if meta := entry["meta"].(map[string]any); meta["name"] != "Sim" {
		t.Fatalf("meta = %v", meta)
	}

	sendJSON(t, headset, `{"type":"select_robot","robotId":"r1"}`)
	sel := expectType(t, headset, "selected_robot")
	if sel["robotId"] != "r1" {
		t.Fatalf("selected_robot = %v", sel)
	}
	mode := expectType(t, headset, "streamMode")
	if mode["mode"] != "flat2d" {
		t.Fatalf("streamMode replay = %v", mode)
	}
	att := expectType(t, robot, "viewer_attached")
	if att["clientId"] != "h1" {
		t.Fatalf("viewer_attached = %v", att)
	}
}

func TestSelectRobot_OfflineTarget(t *testing.T) {
	tr := startRelay(t)
	headset := connectHeadset(t, tr, "h1")

	sendJSON(t, headset, `{"type":"select_robot","robotId":"ghost"}`)
	msg := expectType(t, headset, "error")
	if msg["reason"] != "robot_not_online" || msg["robotId"] != "ghost" {
		t.Fatalf("error = %v", msg)
	}
}

func TestJoy_ClampAndRateLimit(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")
	attach(t, tr, headset, robot, "r1")

	sendJSON(t, headset, `{"type":"joy","lx":2.0,"ly":0.5}`)
	first := expectType(t, robot, "joy")
	if first["lx"] != 1.0 || first["ly"] != 0.5 || first["gated"] != true {
		t.Fatalf("first joy = %v", first)
	}

	// Within the 90 Hz window: dropped without advancing the throttle.
	sendJSON(t, headset, `{"type":"joy","lx":0.1}`)

	tr.clock.Advance(20 * time.Millisecond)
	sendJSON(t, headset, `{"type":"joy","lx":-0.7}`)
	third := expectType(t, robot, "joy")
	if third["lx"] != -0.7 {
		t.Fatalf("next forwarded joy = %v, want the post-window message", third)
	}
	expectSilence(t, headset)
}

func TestPose_RejectedInFullOnBadField(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")
	attach(t, tr, headset, robot, "r1")

	sendJSON(t, headset, `{"type":"pose","roll":10,"pitch":20,"yaw":"north"}`)
	expectSilence(t, headset)

	tr.clock.Advance(time.Second)
	sendJSON(t, headset, `{"type":"pose","roll":190,"pitch":-20,"yaw":0}`)
	pose := expectType(t, robot, "pose")
	if pose["roll"] != 180.0 || pose["pitch"] != -20.0 || pose["gated"] != true {
		t.Fatalf("pose = %v", pose)
	}
}

func TestViewport_BeforeSelectIsSilentlyDropped(t *testing.T) {
	tr := startRelay(t)
	connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")

	// The viewport message is dropped without an error echo, so the next
	// message the headset receives is the roster reply to list_robots.
	sendJSON(t, headset, `{"type":"viewport","yawDeg":200}`)
	sendJSON(t, headset, `{"type":"list_robots"}`)
	expectType(t, headset, "robots")
}

func TestControl_ErrorAndStatusContract(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")

	// Legacy channel keeps the explicit error on missing selection.
	sendJSON(t, headset, `{"type":"control","lx":0.5}`)
	msg := expectType(t, headset, "error")
	if msg["reason"] != "robot_not_online_or_not_selected" {
		t.Fatalf("error = %v", msg)
	}

	attach(t, tr, headset, robot, "r1")

	sendJSON(t, headset, `{"type":"control","lx":5,"seq":1}`)
	fwd := expectType(t, robot, "control")
	if fwd["lx"] != 1.0 || fwd["seq"] != 1.0 || fwd["gated"] != true {
		t.Fatalf("forwarded control = %v", fwd)
	}

	// In-window: dropped with a control_status echo.
	sendJSON(t, headset, `{"type":"control","lx":0,"seq":2}`)
	status := expectType(t, headset, "control_status")
	if status["status"] != "dropped" || status["reason"] != "rate_limited" || status["seq"] != 2.0 {
		t.Fatalf("control_status = %v", status)
	}

	// Stale seq after the window: also dropped, different reason.
	tr.clock.Advance(time.Second)
	sendJSON(t, headset, `{"type":"control","lx":0,"seq":1}`)
	status = expectType(t, headset, "control_status")
	if status["status"] != "dropped" || status["reason"] != "old_seq" {
		t.Fatalf("control_status = %v", status)
	}
}

func TestSignaling_OfferAnswerPassthrough(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")

	sendJSON(t, headset, `{"type":"offer","sdp":"v=0"}`)
	msg := expectType(t, headset, "error")
	if msg["reason"] != "no_selected_robot" {
		t.Fatalf("error = %v", msg)
	}

	attach(t, tr, headset, robot, "r1")

	sendJSON(t, headset, `{"type":"offer","sdp":"v=0"}`)
	offer := expectType(t, robot, "offer")
	if offer["sdp"] != "v=0" || offer["clientId"] != "h1" {
		t.Fatalf("offer at robot = %v", offer)
	}

	sendJSON(t, robot, `{"type":"answer","sdp":"v=0 answer"}`)
	answer := expectType(t, headset, "answer")
	if answer["sdp"] != "v=0 answer" {
		t.Fatalf("answer at headset = %v", answer)
	}
	if _, ok := answer["clientId"]; ok {
		t.Fatalf("robot-to-headset signaling gained a clientId: %v", answer)
	}

	sendJSON(t, robot, `{"type":"candidate","candidate":"c=1"}`)
	cand := expectType(t, headset, "candidate")
	if cand["candidate"] != "c=1" {
		t.Fatalf("candidate at headset = %v", cand)
	}
}

func TestStreamFormat_LegacyShapeIsNormalized(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")
	attach(t, tr, headset, robot, "r1")

	sendJSON(t, robot, `{"type":"streamFormat","format":"full360"}`)
	mode := expectType(t, headset, "streamMode")
	if mode["mode"] != "full360" {
		t.Fatalf("streamMode = %v", mode)
	}
	// Roster refresh follows the mode change.
	roster := expectType(t, headset, "robots")
	entry := roster["robots"].([]any)[0].(map[string]any)
	if entry["streamMode"] != "full360" {
		t.Fatalf("roster entry = %v", entry)
	}

	// Unknown legacy formats fall back to flat2d.
	sendJSON(t, robot, `{"type":"streamFormat","format":"webcam2d"}`)
	mode = expectType(t, headset, "streamMode")
	if mode["mode"] != "flat2d" {
		t.Fatalf("streamMode = %v", mode)
	}
}

func TestTelemetry_PassthroughToAttachedOnly(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	attached := connectHeadset(t, tr, "h1")
	attach(t, tr, attached, robot, "r1")
	bystander := connectHeadset(t, tr, "h2")

	sendJSON(t, robot, `{"type":"telemetry","battery":87}`)
	msg := expectType(t, attached, "telemetry")
	if msg["battery"] != 87.0 {
		t.Fatalf("telemetry = %v", msg)
	}
	expectSilence(t, bystander)
}

func TestRobotDisconnect_NotifiesWatchers(t *testing.T) {
	tr := startRelay(t)
	robot := connectRobot(t, tr, "r1", "")
	headset := connectHeadset(t, tr, "h1")
	attach(t, tr, headset, robot, "r1")

	_ = robot.Close()

	left := expectType(t, headset, "publisher_left")
	if left["robotId"] != "r1" {
		t.Fatalf("publisher_left = %v", left)
	}
	roster := expectType(t, headset, "robots")
	if robots := roster["robots"].([]any); len(robots) != 0 {
		t.Fatalf("roster after disconnect = %v, want empty", robots)
	}
	if sel := tr.reg.Selection("h1"); sel != "" {
		t.Fatalf("selection = %q, want cleared", sel)
	}
}

func TestRobotReconnect_SupersedesOldConnection(t *testing.T) {
	tr := startRelay(t)
	old := connectRobot(t, tr, "r1", `{"name":"Sim"}`)
	replacement := connectRobot(t, tr, "r1", "")

	// The superseded socket gets closed by the server.
	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Fatal("superseded connection still readable")
	}

	headset := connectHeadset(t, tr, "h1")
	sendJSON(t, headset, `{"type":"list_robots"}`)
	roster := expectType(t, headset, "robots")
	robots := roster["robots"].([]any)
	if len(robots) != 1 {
		t.Fatalf("roster = %v, want one robot", robots)
	}
	// Meta declared by the first connection carries forward.
	entry := robots[0].(map[string]any)
	if meta := entry["meta"].(map[string]any); meta["name"] != "Sim" {
		t.Fatalf("meta = %v, want carried forward", meta)
	}

	attach(t, tr, headset, replacement, "r1")
}

func TestMalformedAndUnknownMessagesAreIgnored(t *testing.T) {
	tr := startRelay(t)
	headset := connectHeadset(t, tr, "h1")

	// Neither produces a reply or kills the connection: the roster reply to
	// list_robots is the next message through.
	sendJSON(t, headset, `this is not json`)
	sendJSON(t, headset, `{"type":"warp_drive"}`)
	sendJSON(t, headset, `{"type":"list_robots"}`)
	expectType(t, headset, "robots")
}

func TestLivenessSweep_ReapsSilentConnection(t *testing.T) {
	tr := startRelay(t)
	connectRobot(t, tr, "r1", "")

	// First sweep clears the alive mark and pings. The client never reads,
	// so no pong comes back; the second sweep reaps it.
	tr.srv.sweep()
	tr.srv.sweep()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if robots, _ := tr.reg.Counts(); robots == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unresponsive robot was not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.m.Get(metrics.EventLivenessReaped); got != 1 {
		t.Fatalf("liveness_reaped = %d, want 1", got)
	}
}
