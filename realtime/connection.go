// Package realtime implements the WebSocket-facing layer of the advisory
// platform: an in-memory connection/room registry, a typed client message
// protocol, and a manager that bridges bus events out to connected clients.
package realtime

import "time"

// ConnState is the lifecycle state of one client connection.
type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
	StateDisconnected  ConnState = "disconnected"
	StateError         ConnState = "error"
)

// Connection is the bookkeeping record for one client. It carries no
// transport handle; the ConnectionManager owns it exclusively once
// registered, and all mutation goes through manager methods so the reverse
// indexes stay consistent.
type Connection struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId,omitempty"`
	State         ConnState           `json:"state"`
	ConnectedAt   time.Time           `json:"connectedAt"`
	LastHeartbeat time.Time           `json:"lastHeartbeat"`
	Subscriptions map[string]struct{} `json:"-"`
	Rooms         map[string]struct{} `json:"-"`
}

// Room is a named group of connections that receive broadcasts together.
type Room struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	MaxConnections int               `json:"maxConnections,omitempty"` // 0 means unlimited
	OwnerID        string            `json:"ownerId,omitempty"`
	Private        bool              `json:"private,omitempty"`
	Permanent      bool              `json:"permanent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}
