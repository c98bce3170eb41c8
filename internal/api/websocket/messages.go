package websocket

import (
	"time"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeMachineState  MessageType = "machine_state"
	MessageTypeStatus        MessageType = "status"
	MessageTypePourCompleted MessageType = "pour_completed"
	MessageTypeHealth        MessageType = "health"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// MachineStateData is sent on every fill state transition.
type MachineStateData struct {
	State     machine.State `json:"state"`
	StateCode int           `json:"state_code"`
	Previous  machine.State `json:"previous_state"`
}

type HealthData struct {
	Healthy bool     `json:"healthy"`
	Stale   []string `json:"stale,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachineStateMessage(to, from machine.State) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:     to,
		StateCode: to.Code(),
		Previous:  from,
	})
}

func NewStatusMessage(s machine.Status) Message {
	return NewMessage(MessageTypeStatus, s)
}

func NewPourMessage(rec machine.PourRecord) Message {
	return NewMessage(MessageTypePourCompleted, rec)
}

func NewHealthMessage(healthy bool, stale []string) Message {
	return NewMessage(MessageTypeHealth, HealthData{Healthy: healthy, Stale: stale})
}
