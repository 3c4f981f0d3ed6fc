package streaming

import (
	"encoding/json"
	"time"

	"github.com/kartlab/escd/pkg/core"
)

// Message type constants of the live stream protocol.
const (
	TypeStatus      = "status"
	TypeSafetyEvent = "safety_event"
	TypeCommand     = "command"
	TypeAck         = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage answers a CommandMessage.
type AckMessage struct {
	Type   string `json:"type"` // always "ack"
	For    string `json:"for"`  // the command being acknowledged
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommandMessage is a supervision command sent by a client, e.g.
// {"command":":SPEED:","args":["main_motor","30"]}.
type CommandMessage struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// StatusPayload carries an engine snapshot.
type StatusPayload struct {
	Status core.Status `json:"status"`
}

// SafetyEventPayload carries a safety or lifecycle transition.
type SafetyEventPayload struct {
	Event core.SafetyEvent `json:"event"`
	Sent  time.Time        `json:"sent"`
}

// NewEnvelope marshals payload under the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// NewAck builds the acknowledgement for a dispatched command.
func NewAck(command string, result any, err error) AckMessage {
	ack := AckMessage{Type: TypeAck, For: command, OK: err == nil, Result: result}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}
