// Package protocol defines the wire frames exchanged between clients and
// the runtime, plus a length-delimited JSON codec for raw duplex streams.
// WebSocket transports carry one frame per text message and skip the length
// prefix.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// SystemComponentID routes frames that address the connection itself rather
// than a mounted component (welcome, heartbeat, global errors).
const SystemComponentID = "system"

// Client → server frame types.
const (
	TypeComponentMount    = "component_mount"
	TypeComponentUnmount  = "component_unmount"
	TypeCallAction        = "call_action"
	TypePropertyUpdate    = "property_update"
	TypeStateUpdate       = "state_update"
	TypeEventEmit         = "event_emit"
	TypeSyncRequest       = "sync_request"
	TypeHeartbeatResponse = "heartbeat_response"
)

// Server → client frame types.
const (
	TypeWelcome              = "welcome"
	TypeHeartbeat            = "heartbeat"
	TypeComponentMounted     = "component_mounted"
	TypeComponentUnmounted   = "component_unmounted"
	TypeStateUpdateConfirmed = "state_update_confirmed"
	TypeMethodResult         = "method_result"
	TypeSyncResponse         = "sync_response"
	TypeBroadcast            = "broadcast"
	TypeError                = "error"
)

// Message is one wire frame. Every frame carries an id, a type, and a
// component routing target; the remaining fields are populated per type.
type Message struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ComponentID string         `json:"component_id"`
	Timestamp   int64          `json:"timestamp"` // unix milliseconds
	Payload     map[string]any `json:"payload,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Version     *uint64        `json:"version,omitempty"`
	Action      string         `json:"action,omitempty"`
	Property    string         `json:"property,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewMessage builds a frame with a fresh id and the current timestamp.
func NewMessage(frameType, componentID string, payload map[string]any) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Type:        frameType,
		ComponentID: componentID,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     payload,
	}
}

// NewReply builds a frame answering a previous one, preserving its
// request id so the client can correlate.
func NewReply(frameType string, inReplyTo *Message, payload map[string]any) *Message {
	m := NewMessage(frameType, inReplyTo.ComponentID, payload)
	m.ReplyTo = inReplyTo.ID
	m.RequestID = inReplyTo.RequestID
	return m
}

// NewError builds an error frame. requestID may be empty for errors that
// are not tied to a specific request.
func NewError(componentID string, kind ErrorKind, message, requestID string) *Message {
	m := NewMessage(TypeError, componentID, map[string]any{
		"kind":    string(kind),
		"message": message,
	})
	m.Error = string(kind)
	m.RequestID = requestID
	return m
}

// WithVersion stamps the server-assigned state version onto a frame.
func (m *Message) WithVersion(v uint64) *Message {
	m.Version = &v
	return m
}

// Critical reports whether a frame must never be dropped from a full send
// queue. Errors and lifecycle replies fall in this class; periodic state
// broadcasts and heartbeats do not.
func (m *Message) Critical() bool {
	switch m.Type {
	case TypeError, TypeComponentMounted, TypeComponentUnmounted,
		TypeMethodResult, TypeStateUpdateConfirmed, TypeWelcome, TypeSyncResponse:
		return true
	}
	return false
}
