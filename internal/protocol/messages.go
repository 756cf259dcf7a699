package protocol

import (
	"encoding/json"

	"github.com/opentelebot/teleop-relay/internal/registry"
)

// Inbound message types.
const (
	msgHello        = "hello"
	msgListRobots   = "list_robots"
	msgSelectRobot  = "select_robot"
	msgOffer        = "offer"
	msgAnswer       = "answer"
	msgCandidate    = "candidate"
	msgPose         = "pose"
	msgJoy          = "joy"
	msgButton       = "btn"
	msgViewport     = "viewport"
	msgControl      = "control"
	msgStreamMode   = "streamMode"
	msgStreamFormat = "streamFormat"
	msgTelemetry    = "telemetry"
)

// Stable error reason codes. Clients match on these, so they never change.
const (
	reasonRobotIDRequired             = "robotId_required"
	reasonBadRole                     = "role_must_be_robot_or_headset"
	reasonSendHelloFirst              = "send_hello_first"
	reasonRobotNotOnline              = "robot_not_online"
	reasonNoSelectedRobot             = "no_selected_robot"
	reasonRobotNotOnlineOrNotSelected = "robot_not_online_or_not_selected"
)

type envelope struct {
	Type string `json:"type"`
}

type helloMessage struct {
	Type     string          `json:"type"`
	Role     string          `json:"role"`
	RobotID  string          `json:"robotId"`
	ClientID string          `json:"clientId"`
	Meta     json.RawMessage `json:"meta"`
}

type helloOKMessage struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	RobotID  string `json:"robotId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	RobotID string `json:"robotId,omitempty"`
}

type rosterMessage struct {
	Type   string                  `json:"type"`
	Robots []registry.RobotSummary `json:"robots"`
}

type selectedRobotMessage struct {
	Type    string `json:"type"`
	RobotID string `json:"robotId"`
}

type viewerAttachedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type streamModeMessage struct {
	Type string              `json:"type"`
	Mode registry.StreamMode `json:"mode"`
}

type controlStatusMessage struct {
	Type   string `json:"type"`
	Seq    any    `json:"seq,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func errorOf(reason string) errorMessage {
	return errorMessage{Type: "error", Reason: reason}
}
