// Package gate validates, rate-limits and sanitizes operator control messages
// before they are forwarded to a robot.
//
// This is the single choke point where untrusted headset input becomes
// robot-bound motion, so every policy here errs on the side of refusing:
// a message that fails numeric coercion is rejected in full rather than
// partially forwarded.
package gate

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opentelebot/teleop-relay/internal/ratelimit"
)

// Channel identifies one independently throttled control stream.
type Channel string

const (
	ChannelPose     Channel = "pose"
	ChannelJoy      Channel = "joy"
	ChannelButton   Channel = "btn"
	ChannelViewport Channel = "viewport"
	ChannelControl  Channel = "control"
)

// Status classifies a gate outcome.
//
// Rejected means a structural or identity violation: the sender should stop
// sending. Dropped means a transient condition (rate limit, stale sequence):
// the sender may keep sending.
type Status string

const (
	StatusForwarded Status = "forwarded"
	StatusRejected  Status = "rejected"
	StatusDropped   Status = "dropped"
)

// Reason codes surfaced on control_status and in metrics.
const (
	ReasonRateLimited      = "rate_limited"
	ReasonOldSeq           = "old_seq"
	ReasonNotSelectedRobot = "not_selected_robot"
	ReasonBadValue         = "bad_value"
	ReasonEmptyButtonID    = "empty_button_id"
)

const maxButtonIDLen = 32

// Limits carries the per-channel maximum forward rates in Hz.
// The button channel is intentionally unthrottled.
type Limits struct {
	PoseHz     int
	JoyHz      int
	ViewportHz int
	ControlHz  int
}

// Result is the outcome of gating one message.
//
// When Status is StatusForwarded, Payload holds exactly the declared field set
// for the channel; extra inbound fields are dropped at the gate.
type Result struct {
	Status  Status
	Reason  string
	Payload map[string]any
}

func forwarded(payload map[string]any) Result {
	return Result{Status: StatusForwarded, Payload: payload}
}

func rejected(reason string) Result { return Result{Status: StatusRejected, Reason: reason} }
func dropped(reason string) Result  { return Result{Status: StatusDropped, Reason: reason} }

// Gate applies the per-channel policies using a Clock so throttle behavior is
// deterministic in tests.
type Gate struct {
	limits Limits
	clock  ratelimit.Clock
}

func New(limits Limits, clock ratelimit.Clock) *Gate {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Gate{limits: limits, clock: clock}
}

// Fields is the raw field set of one inbound control message, keyed by JSON
// field name. Routing keys ("type", "robotId") are expected to be stripped by
// the caller; any leftovers are ignored and never forwarded.
type Fields map[string]json.RawMessage

// Pose gates a head-pose message: roll/pitch/yaw in degrees, each clamped to
// [-180, 180]. All three fields are required; any non-numeric field rejects
// the message in full.
func (g *Gate) Pose(th *Throttle, fields Fields) Result {
	payload := make(map[string]any, 3)
	for _, key := range [...]string{"roll", "pitch", "yaw"} {
		v, ok, err := numberField(fields, key)
		if err != nil || !ok {
			return rejected(ReasonBadValue)
		}
		payload[key] = clamp(v, -180, 180)
	}

	if !th.allow(ChannelPose, g.limits.PoseHz, g.clock.Now()) {
		return dropped(ReasonRateLimited)
	}
	return forwarded(payload)
}

// Joystick gates a per-axis joystick message. Sticks are clamped to [-1, 1],
// triggers to [0, 1]; absent fields default to 0 so the forwarded payload
// always carries the full declared field set.
func (g *Gate) Joystick(th *Throttle, fields Fields) Result {
	payload := make(map[string]any, 6)
	for _, key := range [...]string{"lx", "ly", "rx", "ry"} {
		v, _, err := numberField(fields, key)
		if err != nil {
			return rejected(ReasonBadValue)
		}
		payload[key] = clamp(v, -1, 1)
	}
	for _, key := range [...]string{"lt", "rt"} {
		v, _, err := numberField(fields, key)
		if err != nil {
			return rejected(ReasonBadValue)
		}
		payload[key] = clamp(v, 0, 1)
	}

	if !th.allow(ChannelJoy, g.limits.JoyHz, g.clock.Now()) {
		return dropped(ReasonRateLimited)
	}
	return forwarded(payload)
}

// Button gates a button event. Unthrottled: button edges are sparse and losing
// one is worse than forwarding a burst. The id is truncated to 32 characters
// and must be non-empty; v is coerced to 0/1.
func (g *Gate) Button(fields Fields) Result {
	id, ok := stringField(fields, "id")
	if !ok {
		return rejected(ReasonEmptyButtonID)
	}
	if runes := []rune(id); len(runes) > maxButtonIDLen {
		id = string(runes[:maxButtonIDLen])
	}
	if id == "" {
		return rejected(ReasonEmptyButtonID)
	}

	return forwarded(map[string]any{
		"id": id,
		"v":  boolishField(fields, "v"),
	})
}

// Viewport gates a crop-viewport update. Angles are clamped into their
// documented ranges; non-numeric fields reject the message in full.
func (g *Gate) Viewport(th *Throttle, fields Fields) Result {
	ranges := [...]struct {
		key    string
		lo, hi float64
	}{
		{"yawDeg", -180, 180},
		{"pitchDeg", -89, 89},
		{"hfovDeg", 20, 180},
		{"vfovDeg", 20, 160},
	}

	payload := make(map[string]any, len(ranges))
	for _, r := range ranges {
		v, ok, err := numberField(fields, r.key)
		if err != nil || !ok {
			return rejected(ReasonBadValue)
		}
		payload[r.key] = clamp(v, r.lo, r.hi)
	}

	if !th.allow(ChannelViewport, g.limits.ViewportHz, g.clock.Now()) {
		return dropped(ReasonRateLimited)
	}
	return forwarded(payload)
}

// Control gates the legacy combined control message.
//
// Unlike the per-axis channels it re-checks the headset's selection against
// the target robot at gate time and enforces strict sequence monotonicity
// when the client supplies a seq. The check order (identity, rate, sequence,
// clamp) is part of the contract: a burst of stale-sequence messages still
// consumes rate budget.
func (g *Gate) Control(th *Throttle, selectedRobotID, targetRobotID string, fields Fields) Result {
	if selectedRobotID == "" || selectedRobotID != targetRobotID {
		return rejected(ReasonNotSelectedRobot)
	}

	if !th.allow(ChannelControl, g.limits.ControlHz, g.clock.Now()) {
		return dropped(ReasonRateLimited)
	}

	if raw, ok := fields["seq"]; ok {
		seq, err := coerceNumber(raw)
		if err != nil {
			return rejected(ReasonBadValue)
		}
		if !th.acceptSeq(int64(seq)) {
			return dropped(ReasonOldSeq)
		}
	}

	payload := make(map[string]any, 5)
	for _, key := range [...]string{"lx", "ly", "rx", "ry"} {
		v, _, err := numberField(fields, key)
		if err != nil {
			return rejected(ReasonBadValue)
		}
		payload[key] = clamp(v, -1, 1)
	}
	if raw, ok := fields["seq"]; ok {
		seq, err := coerceNumber(raw)
		if err == nil {
			payload["seq"] = int64(seq)
		}
	}

	return forwarded(payload)
}

// Throttle holds the per-headset gate state: one last-accepted timestamp per
// channel plus the legacy channel's last-accepted sequence number. Channels
// are throttled independently.
type Throttle struct {
	mu           sync.Mutex
	lastAccepted map[Channel]time.Time
	lastSeq      int64
	seqSeen      bool
}

func NewThrottle() *Throttle {
	return &Throttle{lastAccepted: make(map[Channel]time.Time)}
}

// allow applies the minimum-interval gate for a channel: a message arriving
// before lastAccepted+1/rateHz is dropped and the stored timestamp stays
// unchanged, so a burst cannot catch up ahead of schedule.
func (t *Throttle) allow(ch Channel, rateHz int, now time.Time) bool {
	if rateHz <= 0 {
		return true
	}
	minInterval := time.Duration(int64(time.Second) / int64(rateHz))

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastAccepted[ch]
	if ok && now.Sub(last) < minInterval {
		return false
	}
	t.lastAccepted[ch] = now
	return true
}

// acceptSeq enforces strictly increasing sequence numbers.
func (t *Throttle) acceptSeq(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seqSeen && seq <= t.lastSeq {
		return false
	}
	t.lastSeq = seq
	t.seqSeen = true
	return true
}

// numberField coerces a possibly-absent field to a float. The bool reports
// presence. JSON numbers and numeric strings are accepted; anything else,
// including NaN and infinities, is an error.
func numberField(fields Fields, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, false, nil
	}
	v, err := coerceNumber(raw)
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}

var errNotANumber = errors.New("not a number")

func coerceNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return checkFinite(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, errNotANumber
		}
		return checkFinite(f)
	}
	return 0, errNotANumber
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotANumber
	}
	return f, nil
}

func stringField(fields Fields, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// boolishField coerces a field to 0 or 1. Numbers and numeric strings are
// truthy when non-zero; booleans map directly; anything else is 0.
func boolishField(fields Fields, key string) int {
	raw, ok := fields[key]
	if !ok {
		return 0
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return 1
		}
		return 0
	}
	if v, err := coerceNumber(raw); err == nil && v != 0 {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
