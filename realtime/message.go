package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags one kind of client or server message. The set is closed
// so the dispatcher can be exhaustive and new kinds are a visible change.
type MessageType string

// Inbound message types.
const (
	MessageHeartbeat   MessageType = "heartbeat"
	MessageAuth        MessageType = "auth"
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessageRoomJoin    MessageType = "room_join"
	MessageRoomLeave   MessageType = "room_leave"
	MessageRoomMessage MessageType = "room_message"
)

// Outbound message types.
const (
	MessageNotification MessageType = "notification"
	MessageError        MessageType = "error"
	MessageData         MessageType = "data"
	MessageBroadcast    MessageType = "broadcast"
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	MessageAuthOK       MessageType = "auth_ok"
)

// Envelope is the wire format for inbound client messages.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Typed payloads for each inbound message kind.
type (
	// HeartbeatPayload is empty; the envelope itself is the signal.
	HeartbeatPayload struct{}

	// AuthPayload carries the client's bearer token.
	AuthPayload struct {
		Token string `json:"token"`
	}

	// SubscribePayload names a topic to subscribe to or drop.
	SubscribePayload struct {
		Topic string `json:"topic"`
	}

	// RoomJoinPayload joins (and on first join, defines) a room.
	RoomJoinPayload struct {
		RoomID         string `json:"roomId"`
		Name           string `json:"name,omitempty"`
		MaxConnections int    `json:"maxConnections,omitempty"`
		Private        bool   `json:"private,omitempty"`
		Permanent      bool   `json:"permanent,omitempty"`
	}

	// RoomLeavePayload leaves a room.
	RoomLeavePayload struct {
		RoomID string `json:"roomId"`
	}

	// RoomMessagePayload relays a message to every member of a room.
	RoomMessagePayload struct {
		RoomID string `json:"roomId"`
		Body   string `json:"body"`
	}
)

// ServerMessage is the wire format for outbound server messages.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"messageId"`
}

// NewServerMessage stamps an outbound message with id and timestamp.
func NewServerMessage(messageType MessageType, data any) ServerMessage {
	return ServerMessage{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now(),
		MessageID: uuid.New().String(),
	}
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage builds a structured error frame.
func ErrorMessage(code, message string) ServerMessage {
	return NewServerMessage(MessageError, ErrorData{Code: code, Message: message})
}

// DecodeEnvelope parses one inbound frame. Unknown types are rejected here
// so handlers only ever see members of the closed set.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed message frame: %w", err)
	}
	switch env.Type {
	case MessageHeartbeat, MessageAuth, MessageSubscribe, MessageUnsubscribe,
		MessageRoomJoin, MessageRoomLeave, MessageRoomMessage:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// decodePayload unmarshals the envelope data into the typed payload.
func decodePayload[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return payload, nil
}
