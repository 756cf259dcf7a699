// Package registry tracks live robot and headset connections and owns the
// selection mapping between them.
//
// All state lives behind a single mutex. Notifications triggered by a
// mutation are enqueued while the lock is held, which is safe because Conn
// enqueue never blocks.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentelebot/teleop-relay/internal/gate"
)

// Conn is the transport half of a registered peer. Implementations must make
// Send and SendRaw non-blocking: they enqueue and report whether the message
// was accepted. Close tears down the transport; registry cleanup then runs
// through the owner's normal disconnect path.
type Conn interface {
	Send(v any) bool
	SendRaw(msg []byte) bool
	Close()
}

// StreamMode is the video projection a robot currently publishes.
type StreamMode string

const (
	StreamModeFlat2D  StreamMode = "flat2d"
	StreamModeFull360 StreamMode = "full360"
	StreamModeCrop360 StreamMode = "crop360"
)

// NormalizeStreamMode maps any declared mode string, including the legacy
// streamFormat vocabulary, onto a supported StreamMode. Unknown values fall
// back to flat2d.
func NormalizeStreamMode(s string) StreamMode {
	switch s {
	case string(StreamModeFull360):
		return StreamModeFull360
	case string(StreamModeCrop360):
		return StreamModeCrop360
	default:
		return StreamModeFlat2D
	}
}

// Robot is a value snapshot of a registered robot. Conn may be shared with
// other goroutines; everything else is a copy taken under the registry lock.
type Robot struct {
	ID         string
	Conn       Conn
	Meta       json.RawMessage
	LastSeen   time.Time
	StreamMode StreamMode
}

// Headset is a value snapshot of a registered headset. Throttle is the
// per-connection gate state and is internally synchronized.
type Headset struct {
	ID              string
	Conn            Conn
	SelectedRobotID string
	Throttle        *gate.Throttle
}

// RobotSummary is one roster entry as serialized to headsets.
type RobotSummary struct {
	RobotID    string          `json:"robotId"`
	Meta       json.RawMessage `json:"meta"`
	Online     bool            `json:"online"`
	LastSeen   int64           `json:"lastSeen"`
	StreamMode StreamMode      `json:"streamMode"`
}

type robotEntry struct {
	conn       Conn
	meta       json.RawMessage
	lastSeen   time.Time
	streamMode StreamMode
}

type headsetEntry struct {
	conn     Conn
	selected string
	throttle *gate.Throttle
}

// robotMemory carries a robot's last known meta and stream mode across
// reconnects, so a robot that re-registers without re-declaring them keeps
// its previous description.
type robotMemory struct {
	meta       json.RawMessage
	streamMode StreamMode
}

// Counters receives registry-level events for metrics. Satisfied by
// metrics.Metrics via a thin adapter in the caller.
type Counters interface {
	Inc(event string)
}

type nopCounters struct{}

func (nopCounters) Inc(string) {}

// Registry is the single source of truth for connected peers.
type Registry struct {
	now      func() time.Time
	counters Counters

	mu         sync.Mutex
	robots     map[string]*robotEntry
	robotOrder []string
	headsets   map[string]*headsetEntry
	memory     map[string]robotMemory
}

// Option configures a Registry.
type Option func(*Registry)

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCounters wires registry events into a metrics sink.
func WithCounters(c Counters) Option {
	return func(r *Registry) { r.counters = c }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		counters: nopCounters{},
		robots:   make(map[string]*robotEntry),
		headsets: make(map[string]*headsetEntry),
		memory:   make(map[string]robotMemory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Wire shapes for registry-originated notifications.

type rosterMessage struct {
	Type   string         `json:"type"`
	Robots []RobotSummary `json:"robots"`
}

type publisherLeftMessage struct {
	Type    string `json:"type"`
	RobotID string `json:"robotId"`
}

type viewerDetachedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type streamModeMessage struct {
	Type string     `json:"type"`
	Mode StreamMode `json:"mode"`
}

// RegisterRobot binds conn as the live connection for robotID. An existing
// connection under the same id is superseded: the old transport is closed and
// the new one takes over without an offline gap. Empty meta falls back to the
// last meta this robotID declared, if any.
func (r *Registry) RegisterRobot(robotID string, conn Conn, meta json.RawMessage) Robot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.robots[robotID]; ok && old.conn != conn {
		r.counters.Inc("robot_superseded")
		old.conn.Close()
	} else if !ok {
		r.robotOrder = append(r.robotOrder, robotID)
	}

	mem := r.memory[robotID]
	if len(meta) == 0 {
		meta = mem.meta
	}
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	mode := mem.streamMode
	if mode == "" {
		mode = StreamModeFlat2D
	}

	entry := &robotEntry{
		conn:       conn,
		meta:       meta,
		lastSeen:   r.now(),
		streamMode: mode,
	}
	r.robots[robotID] = entry
	r.memory[robotID] = robotMemory{meta: meta, streamMode: mode}

	r.broadcastRosterLocked()
	return robotAt(robotID, entry)
}

// RegisterHeadset binds conn under clientID, generating an id when the client
// did not supply one. As with robots, a duplicate id supersedes the previous
// connection.
func (r *Registry) RegisterHeadset(clientID string, conn Conn) Headset {
	if clientID == "" {
		clientID = "headset-" + uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.headsets[clientID]; ok && old.conn != conn {
		old.conn.Close()
	}

	entry := &headsetEntry{conn: conn, throttle: gate.NewThrottle()}
	r.headsets[clientID] = entry
	return headsetAt(clientID, entry)
}

// RemoveRobot drops robotID if it is still bound to conn; a stale removal
// from a superseded connection is a no-op. Headsets watching the robot are
// detached and told, and everyone gets a fresh roster.
func (r *Registry) RemoveRobot(robotID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.robots[robotID]
	if !ok || (conn != nil && entry.conn != conn) {
		return
	}
	delete(r.robots, robotID)
	for i, id := range r.robotOrder {
		if id == robotID {
			r.robotOrder = append(r.robotOrder[:i], r.robotOrder[i+1:]...)
			break
		}
	}

	for _, h := range r.headsets {
		if h.selected == robotID {
			h.selected = ""
			h.conn.Send(publisherLeftMessage{Type: "publisher_left", RobotID: robotID})
		}
	}
	r.broadcastRosterLocked()
}

// RemoveHeadset drops clientID if it is still bound to conn. A robot the
// headset was attached to is told the viewer is gone.
func (r *Registry) RemoveHeadset(clientID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.headsets[clientID]
	if !ok || (conn != nil && entry.conn != conn) {
		return
	}
	if entry.selected != "" {
		if robot, ok := r.robots[entry.selected]; ok {
			robot.conn.Send(viewerDetachedMessage{Type: "viewer_detached", ClientID: clientID})
		}
	}
	delete(r.headsets, clientID)
}

// Select attaches the headset to robotID, detaching it from any previous
// robot first. It returns a snapshot of the newly selected robot, or false
// when the robot is not online.
func (r *Registry) Select(clientID, robotID string) (Robot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.headsets[clientID]
	if !ok {
		return Robot{}, false
	}
	robot, ok := r.robots[robotID]
	if !ok {
		return Robot{}, false
	}

	if h.selected != "" && h.selected != robotID {
		if prev, ok := r.robots[h.selected]; ok {
			prev.conn.Send(viewerDetachedMessage{Type: "viewer_detached", ClientID: clientID})
		}
	}
	h.selected = robotID
	return robotAt(robotID, robot), true
}

// Robot returns a snapshot of the named robot.
func (r *Registry) Robot(robotID string) (Robot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.robots[robotID]
	if !ok {
		return Robot{}, false
	}
	return robotAt(robotID, entry), true
}

// Headset returns a snapshot of the named headset.
func (r *Registry) Headset(clientID string) (Headset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.headsets[clientID]
	if !ok {
		return Headset{}, false
	}
	return headsetAt(clientID, entry), true
}

// Selection returns the robot the headset is currently attached to.
func (r *Registry) Selection(clientID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.headsets[clientID]; ok {
		return entry.selected
	}
	return ""
}

// Touch refreshes a robot's liveness timestamp. Called on every inbound
// message from the robot.
func (r *Registry) Touch(robotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.robots[robotID]; ok {
		entry.lastSeen = r.now()
	}
}

// SetStreamMode records the robot's declared projection, pushes the
// normalized mode to every attached headset and refreshes the roster.
func (r *Registry) SetStreamMode(robotID string, mode StreamMode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.robots[robotID]
	if !ok {
		return
	}
	entry.streamMode = mode
	mem := r.memory[robotID]
	mem.streamMode = mode
	r.memory[robotID] = mem

	msg := streamModeMessage{Type: "streamMode", Mode: mode}
	for _, h := range r.headsets {
		if h.selected == robotID {
			h.conn.Send(msg)
		}
	}
	r.broadcastRosterLocked()
}

// AttachedViewers returns the connections of every headset currently
// attached to robotID, keyed by clientId.
func (r *Registry) AttachedViewers(robotID string) map[string]Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewers := make(map[string]Conn)
	for id, h := range r.headsets {
		if h.selected == robotID {
			viewers[id] = h.conn
		}
	}
	return viewers
}

// SnapshotRoster returns the roster in robot registration order. Calling it
// twice with no intervening mutation yields equal snapshots.
func (r *Registry) SnapshotRoster() []RobotSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotRosterLocked()
}

// BroadcastRoster pushes a fresh roster to every connected headset.
func (r *Registry) BroadcastRoster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastRosterLocked()
}

// Counts reports how many robots and headsets are connected.
func (r *Registry) Counts() (robots, headsets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.robots), len(r.headsets)
}

func (r *Registry) snapshotRosterLocked() []RobotSummary {
	roster := make([]RobotSummary, 0, len(r.robots))
	for _, id := range r.robotOrder {
		entry, ok := r.robots[id]
		if !ok {
			continue
		}
		roster = append(roster, RobotSummary{
			RobotID:    id,
			Meta:       entry.meta,
			Online:     true,
			LastSeen:   entry.lastSeen.UnixMilli(),
			StreamMode: entry.streamMode,
		})
	}
	return roster
}

func (r *Registry) broadcastRosterLocked() {
	msg := rosterMessage{Type: "robots", Robots: r.snapshotRosterLocked()}
	for _, h := range r.headsets {
		h.conn.Send(msg)
	}
}

func robotAt(id string, e *robotEntry) Robot {
	return Robot{ID: id, Conn: e.conn, Meta: e.meta, LastSeen: e.lastSeen, StreamMode: e.streamMode}
}

func headsetAt(id string, e *headsetEntry) Headset {
	return Headset{ID: id, Conn: e.conn, SelectedRobotID: e.selected, Throttle: e.throttle}
}
