package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// ConnectionManager is the in-memory registry of connections, rooms, and
// topic subscriptions. It performs no I/O: the WebSocketManager layers
// transport on top. Every mutating operation keeps the reverse indexes
// (user, room, topic) consistent with the primary connections map.
type ConnectionManager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]*Room
	userConns   map[string]map[string]struct{}
	roomConns   map[string]map[string]struct{}
	topicConns  map[string]map[string]struct{}
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		logger:      logger,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*Room),
		userConns:   make(map[string]map[string]struct{}),
		roomConns:   make(map[string]map[string]struct{}),
		topicConns:  make(map[string]map[string]struct{}),
	}
}

// Add registers a connection. Returns false when the id is already taken.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID]; exists {
		return false
	}
	if conn.Subscriptions == nil {
		conn.Subscriptions = make(map[string]struct{})
	}
	if conn.Rooms == nil {
		conn.Rooms = make(map[string]struct{})
	}
	if conn.State == "" {
		conn.State = StateConnected
	}
	now := time.Now()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	if conn.LastHeartbeat.IsZero() {
		conn.LastHeartbeat = now
	}
	cm.connections[conn.ID] = conn
	if conn.UserID != "" {
		cm.indexUserLocked(conn.UserID, conn.ID)
	}
	return true
}

// Remove deregisters a connection, cascading cleanup through every room,
// topic, and user index it belonged to. Rooms left empty are deleted
// unless permanent. Removing an unknown id is a no-op returning false.
func (cm *ConnectionManager) Remove(connID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, exists := cm.connections[connID]
	if !exists {
		return false
	}

	for topic := range conn.Subscriptions {
		cm.dropTopicMemberLocked(topic, connID)
	}
	for roomID := range conn.Rooms {
		cm.dropRoomMemberLocked(roomID, connID)
	}
	if conn.UserID != "" {
		cm.dropUserMemberLocked(conn.UserID, connID)
	}
	conn.State = StateDisconnected
	delete(cm.connections, connID)
	return true
}

// Get returns a snapshot copy of the connection record for id. The copy is
// safe to read without holding the manager's lock.
func (cm *ConnectionManager) Get(connID string) (Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conn, ok := cm.connections[connID]
	if !ok {
		return Connection{}, false
	}
	snapshot := *conn
	snapshot.Subscriptions = copySet(conn.Subscriptions)
	snapshot.Rooms = copySet(conn.Rooms)
	return snapshot, true
}

// SetUser binds a connection to an authenticated user and reindexes it.
func (cm *ConnectionManager) SetUser(connID, userID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	if conn.UserID != "" {
		cm.dropUserMemberLocked(conn.UserID, connID)
	}
	conn.UserID = userID
	if userID != "" {
		cm.indexUserLocked(userID, connID)
	}
	return true
}

// SetState updates a connection's lifecycle state.
func (cm *ConnectionManager) SetState(connID string, state ConnState) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	conn.State = state
	return true
}

// Touch records a heartbeat for the connection.
func (cm *ConnectionManager) Touch(connID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	conn.LastHeartbeat = time.Now()
	return true
}

// Stale returns the ids of connections whose last heartbeat is older than
// timeout at the given instant.
func (cm *ConnectionManager) Stale(timeout time.Duration, now time.Time) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var stale []string
	for id, conn := range cm.connections {
		if now.Sub(conn.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// JoinRoom adds the connection to a room, creating the room on first join
// when absent. The join is rejected when the room is at capacity or the
// connection is unknown.
func (cm *ConnectionManager) JoinRoom(connID string, room Room) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}

	existing, ok := cm.rooms[room.ID]
	if !ok {
		room.CreatedAt = time.Now()
		cm.rooms[room.ID] = &room
		cm.roomConns[room.ID] = make(map[string]struct{})
		existing = &room
	}

	members := cm.roomConns[room.ID]
	if _, already := members[connID]; already {
		return true
	}
	if existing.MaxConnections > 0 && len(members) >= existing.MaxConnections {
		cm.logger.Debug("Room at capacity, join rejected",
			"room", room.ID, "connection", connID)
		return false
	}

	members[connID] = struct{}{}
	conn.Rooms[room.ID] = struct{}{}
	return true
}

// LeaveRoom removes the connection from a room. A room left empty is
// deleted unless permanent.
func (cm *ConnectionManager) LeaveRoom(connID, roomID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	if _, member := conn.Rooms[roomID]; !member {
		return false
	}
	delete(conn.Rooms, roomID)
	cm.dropRoomMemberLocked(roomID, connID)
	return true
}

// DeleteRoom removes a room and evicts every member connection.
func (cm *ConnectionManager) DeleteRoom(roomID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.rooms[roomID]; !ok {
		return false
	}
	for connID := range cm.roomConns[roomID] {
		if conn, ok := cm.connections[connID]; ok {
			delete(conn.Rooms, roomID)
		}
	}
	delete(cm.roomConns, roomID)
	delete(cm.rooms, roomID)
	return true
}

// Room returns a snapshot copy of the room record for id.
func (cm *ConnectionManager) Room(roomID string) (Room, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	room, ok := cm.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *room, true
}

// EmptyRooms returns ids of non-permanent rooms with no members, for the
// periodic cleanup sweep.
func (cm *ConnectionManager) EmptyRooms() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var empty []string
	for id, room := range cm.rooms {
		if room.Permanent {
			continue
		}
		if len(cm.roomConns[id]) == 0 {
			empty = append(empty, id)
		}
	}
	return empty
}

// Subscribe adds the connection to a topic.
func (cm *ConnectionManager) Subscribe(connID, topic string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	conn.Subscriptions[topic] = struct{}{}
	if cm.topicConns[topic] == nil {
		cm.topicConns[topic] = make(map[string]struct{})
	}
	cm.topicConns[topic][connID] = struct{}{}
	return true
}

// Unsubscribe removes the connection from a topic.
func (cm *ConnectionManager) Unsubscribe(connID, topic string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	if _, subscribed := conn.Subscriptions[topic]; !subscribed {
		return false
	}
	delete(conn.Subscriptions, topic)
	cm.dropTopicMemberLocked(topic, connID)
	return true
}

// RoomConnections returns the ids of a room's members.
func (cm *ConnectionManager) RoomConnections(roomID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return keys(cm.roomConns[roomID])
}

// TopicConnections returns the ids of a topic's subscribers.
func (cm *ConnectionManager) TopicConnections(topic string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return keys(cm.topicConns[topic])
}

// UserConnections returns the ids of a user's connections.
func (cm *ConnectionManager) UserConnections(userID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return keys(cm.userConns[userID])
}

// Connections returns all registered connection ids.
func (cm *ConnectionManager) Connections() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return keys(cm.connections)
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

func (cm *ConnectionManager) indexUserLocked(userID, connID string) {
	if cm.userConns[userID] == nil {
		cm.userConns[userID] = make(map[string]struct{})
	}
	cm.userConns[userID][connID] = struct{}{}
}

func (cm *ConnectionManager) dropUserMemberLocked(userID, connID string) {
	if members, ok := cm.userConns[userID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.userConns, userID)
		}
	}
}

func (cm *ConnectionManager) dropTopicMemberLocked(topic, connID string) {
	if members, ok := cm.topicConns[topic]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.topicConns, topic)
		}
	}
}

// dropRoomMemberLocked removes the member and deletes the room when it
// becomes empty, unless the room is permanent.
func (cm *ConnectionManager) dropRoomMemberLocked(roomID, connID string) {
	members, ok := cm.roomConns[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) > 0 {
		return
	}
	if room, ok := cm.rooms[roomID]; ok && room.Permanent {
		return
	}
	delete(cm.roomConns, roomID)
	delete(cm.rooms, roomID)
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func keys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
