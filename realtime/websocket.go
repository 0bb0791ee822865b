package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/internal/taskgroup"
)

// client pairs a registered connection with its transport and outbound
// queue. The writer goroutine is the only place that touches the socket
// for writes.
type client struct {
	id   string
	conn *websocket.Conn
	send chan ServerMessage
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// HandlerFunc processes one decoded inbound message from a connection.
type HandlerFunc func(connID string, env Envelope)

type messageHandler struct {
	fn           HandlerFunc
	requiresAuth bool
}

// WebSocketManager is the network-facing realtime layer: it accepts
// WebSocket connections, decodes inbound frames into typed messages,
// dispatches them to handlers, and fans bus events out to subscribed
// clients. Heartbeat and room-cleanup sweeps run as supervised background
// tasks.
type WebSocketManager struct {
	config *Config
	logger *slog.Logger
	bus    *eventbus.Bus
	conns  *ConnectionManager

	clientMu sync.RWMutex
	clients  map[string]*client

	handlers map[MessageType]messageHandler

	upgrader websocket.Upgrader
	group    *taskgroup.Group
	started  atomic.Bool
	busSubs  []string

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewWebSocketManager creates a manager over the given bus and registry.
func NewWebSocketManager(config *Config, bus *eventbus.Bus, conns *ConnectionManager, logger *slog.Logger) (*WebSocketManager, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &WebSocketManager{
		config:   config,
		logger:   logger,
		bus:      bus,
		conns:    conns,
		clients:  make(map[string]*client),
		handlers: make(map[MessageType]messageHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the fronting proxy in this
			// deployment; the daemon accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.registerDefaultHandlers()
	return m, nil
}

// RegisterHandler installs (or replaces) the handler for one message type.
func (m *WebSocketManager) RegisterHandler(messageType MessageType, requiresAuth bool, fn HandlerFunc) {
	m.handlers[messageType] = messageHandler{fn: fn, requiresAuth: requiresAuth}
}

func (m *WebSocketManager) registerDefaultHandlers() {
	m.RegisterHandler(MessageHeartbeat, false, m.handleHeartbeat)
	m.RegisterHandler(MessageAuth, false, m.handleAuth)
	m.RegisterHandler(MessageSubscribe, false, m.handleSubscribe)
	m.RegisterHandler(MessageUnsubscribe, false, m.handleUnsubscribe)
	m.RegisterHandler(MessageRoomJoin, true, m.handleRoomJoin)
	m.RegisterHandler(MessageRoomLeave, true, m.handleRoomLeave)
	m.RegisterHandler(MessageRoomMessage, true, m.handleRoomMessage)
}

// Start subscribes to domain events and launches the heartbeat and room
// cleanup sweeps. Start is idempotent.
func (m *WebSocketManager) Start(ctx context.Context) error {
	if m.started.Swap(true) {
		return nil
	}

	m.group = taskgroup.New(ctx, "realtime", m.logger)
	m.group.Tick("heartbeat-sweep", m.config.HeartbeatInterval, m.sweepStale)
	m.group.Tick("room-sweep", m.config.RoomSweepInterval, m.sweepEmptyRooms)

	if m.bus != nil {
		id, err := m.bus.Subscribe(eventbus.NotificationEventTypes(), m.handleBusEvent)
		if err != nil {
			return fmt.Errorf("realtime: subscribing to bus: %w", err)
		}
		m.busSubs = append(m.busSubs, id)
	}

	m.logger.Info("WebSocket manager started",
		"heartbeatInterval", m.config.HeartbeatInterval,
		"connectionTimeout", m.config.ConnectionTimeout)
	return nil
}

// Stop unsubscribes from the bus, closes every connection, and drains the
// background sweeps.
func (m *WebSocketManager) Stop(ctx context.Context) error {
	if !m.started.Swap(false) {
		return nil
	}

	for _, id := range m.busSubs {
		m.bus.Unsubscribe(id)
	}
	m.busSubs = nil

	m.clientMu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*client)
	m.clientMu.Unlock()

	for _, c := range clients {
		c.close()
		m.conns.Remove(c.id)
	}

	if err := m.group.Stop(ctx); err != nil {
		return err
	}
	m.logger.Info("WebSocket manager stopped")
	return nil
}

// Handler returns the HTTP handler that upgrades requests to WebSocket
// connections, for mounting on a router.
func (m *WebSocketManager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.started.Load() {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Debug("WebSocket upgrade failed", "error", err)
			return
		}

		c := &client{
			id:   uuid.New().String(),
			conn: conn,
			send: make(chan ServerMessage, m.config.SendQueueSize),
			done: make(chan struct{}),
		}
		record := &Connection{ID: c.id, State: StateConnected}
		if !m.conns.Add(record) {
			_ = conn.Close()
			return
		}

		m.clientMu.Lock()
		m.clients[c.id] = c
		m.clientMu.Unlock()

		m.logger.Debug("Client connected", "connection", c.id, "remote", r.RemoteAddr)
		go m.writeLoop(c)
		m.readLoop(c)
	}
}

// readLoop decodes inbound frames until the connection closes. A transport
// close is normal lifecycle, not an error.
func (m *WebSocketManager) readLoop(c *client) {
	defer m.disconnect(c.id, "read loop ended")
	c.conn.SetReadLimit(m.config.ReadLimit)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("Connection read failed", "connection", c.id, "error", err)
			}
			return
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			m.sendTo(c.id, ErrorMessage("bad_message", err.Error()))
			continue
		}
		m.dispatch(c.id, env)
	}
}

// dispatch routes one decoded message to its registered handler, enforcing
// session-scoped authentication for handlers that require it.
func (m *WebSocketManager) dispatch(connID string, env Envelope) {
	handler, ok := m.handlers[env.Type]
	if !ok {
		m.sendTo(connID, ErrorMessage("unsupported", fmt.Sprintf("no handler for %q", env.Type)))
		return
	}
	if handler.requiresAuth {
		conn, ok := m.conns.Get(connID)
		if !ok || conn.UserID == "" {
			m.sendTo(connID, ErrorMessage("unauthorized", "authenticate first"))
			return
		}
	}
	handler.fn(connID, env)
}

// writeLoop is the sole writer for one connection. A failed write closes
// only this connection.
func (m *WebSocketManager) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				m.logger.Debug("Connection write failed", "connection", c.id, "error", err)
				m.disconnect(c.id, "write failed")
				return
			}
			m.sent.Add(1)
		}
	}
}

// disconnect tears one connection down: transport close, registry removal,
// index cleanup. Safe to call more than once.
func (m *WebSocketManager) disconnect(connID, reason string) {
	m.clientMu.Lock()
	c, ok := m.clients[connID]
	if ok {
		delete(m.clients, connID)
	}
	m.clientMu.Unlock()
	if !ok {
		return
	}

	m.conns.SetState(connID, StateDisconnecting)
	c.close()
	m.conns.Remove(connID)
	m.logger.Debug("Client disconnected", "connection", connID, "reason", reason)
}

// sendTo queues a message for one connection. A full outbound queue drops
// the message rather than blocking the caller.
func (m *WebSocketManager) sendTo(connID string, msg ServerMessage) bool {
	m.clientMu.RLock()
	c, ok := m.clients[connID]
	m.clientMu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		m.dropped.Add(1)
		m.logger.Warn("Outbound queue full, dropping message",
			"connection", connID, "type", msg.Type)
		return false
	}
}

// BroadcastToAll sends msg to every connection, returning the number of
// connections the message was queued for.
func (m *WebSocketManager) BroadcastToAll(msg ServerMessage) int {
	return m.broadcast(m.conns.Connections(), msg)
}

// BroadcastToUser sends msg to every connection of one user.
func (m *WebSocketManager) BroadcastToUser(userID string, msg ServerMessage) int {
	return m.broadcast(m.conns.UserConnections(userID), msg)
}

// BroadcastToRoom sends msg to every member of a room.
func (m *WebSocketManager) BroadcastToRoom(roomID string, msg ServerMessage) int {
	return m.broadcast(m.conns.RoomConnections(roomID), msg)
}

// BroadcastToTopic sends msg to every subscriber of a topic.
func (m *WebSocketManager) BroadcastToTopic(topic string, msg ServerMessage) int {
	return m.broadcast(m.conns.TopicConnections(topic), msg)
}

// broadcast queues msg for each target; per-connection failures never
// abort delivery to the rest.
func (m *WebSocketManager) broadcast(connIDs []string, msg ServerMessage) int {
	delivered := 0
	for _, id := range connIDs {
		if m.sendTo(id, msg) {
			delivered++
		}
	}
	return delivered
}

// sweepStale force-closes connections whose heartbeat went silent past the
// configured timeout.
func (m *WebSocketManager) sweepStale(ctx context.Context) {
	stale := m.conns.Stale(m.config.ConnectionTimeout, time.Now())
	for _, id := range stale {
		m.logger.Info("Closing connection after heartbeat timeout", "connection", id)
		m.disconnect(id, "heartbeat timeout")
	}
}

// sweepEmptyRooms deletes rooms with no members unless marked permanent.
func (m *WebSocketManager) sweepEmptyRooms(ctx context.Context) {
	for _, roomID := range m.conns.EmptyRooms() {
		if m.conns.DeleteRoom(roomID) {
			m.logger.Debug("Removed empty room", "room", roomID)
		}
	}
}

// handleBusEvent is the bridge from internal domain events to connected
// clients: alerts fan out to everyone, user-addressed events go to that
// user, everything else goes to the topic named after the event type.
func (m *WebSocketManager) handleBusEvent(ctx context.Context, event eventbus.Event) error {
	msg := NewServerMessage(MessageNotification, map[string]any{
		"eventType":     event.Type,
		"payload":       event.Data,
		"correlationId": event.CorrelationID,
		"priority":      event.Priority.String(),
	})

	switch {
	case event.Type == eventbus.EventSystemAlert || event.Type == eventbus.EventSecurityAlert:
		m.BroadcastToAll(msg)
	case event.Metadata["user_id"] != "":
		m.BroadcastToUser(event.Metadata["user_id"], msg)
	default:
		m.BroadcastToTopic(string(event.Type), msg)
	}
	return nil
}

// Connected reports the current connection count.
func (m *WebSocketManager) Connected() int {
	return m.conns.Count()
}

// Stats returns outbound delivery counters.
func (m *WebSocketManager) Stats() (sent, dropped uint64) {
	return m.sent.Load(), m.dropped.Load()
}

// --- inbound message handlers ---

func (m *WebSocketManager) handleHeartbeat(connID string, env Envelope) {
	m.conns.Touch(connID)
	m.sendTo(connID, NewServerMessage(MessageHeartbeatAck, nil))
}

func (m *WebSocketManager) handleAuth(connID string, env Envelope) {
	payload, err := decodePayload[AuthPayload](env)
	if err != nil {
		m.sendTo(connID, ErrorMessage("bad_message", err.Error()))
		return
	}

	userID, err := m.verifyToken(payload.Token)
	if err != nil {
		m.logger.Debug("Authentication failed", "connection", connID, "error", err)
		m.sendTo(connID, ErrorMessage("auth_failed", "invalid token"))
		return
	}

	m.conns.SetUser(connID, userID)
	m.sendTo(connID, NewServerMessage(MessageAuthOK, map[string]any{"userId": userID}))
}

func (m *WebSocketManager) verifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

func (m *WebSocketManager) handleSubscribe(connID string, env Envelope) {
	payload, err := decodePayload[SubscribePayload](env)
	if err != nil || payload.Topic == "" {
		m.sendTo(connID, ErrorMessage("bad_message", "subscribe requires a topic"))
		return
	}
	m.conns.Subscribe(connID, payload.Topic)
	m.sendTo(connID, NewServerMessage(MessageData, map[string]any{"subscribed": payload.Topic}))
}

func (m *WebSocketManager) handleUnsubscribe(connID string, env Envelope) {
	payload, err := decodePayload[SubscribePayload](env)
	if err != nil || payload.Topic == "" {
		m.sendTo(connID, ErrorMessage("bad_message", "unsubscribe requires a topic"))
		return
	}
	m.conns.Unsubscribe(connID, payload.Topic)
	m.sendTo(connID, NewServerMessage(MessageData, map[string]any{"unsubscribed": payload.Topic}))
}

func (m *WebSocketManager) handleRoomJoin(connID string, env Envelope) {
	payload, err := decodePayload[RoomJoinPayload](env)
	if err != nil || payload.RoomID == "" {
		m.sendTo(connID, ErrorMessage("bad_message", "room_join requires a roomId"))
		return
	}

	conn, _ := m.conns.Get(connID)
	room := Room{
		ID:             payload.RoomID,
		Name:           payload.Name,
		MaxConnections: payload.MaxConnections,
		Private:        payload.Private,
		Permanent:      payload.Permanent,
		OwnerID:        conn.UserID,
	}
	if !m.conns.JoinRoom(connID, room) {
		m.sendTo(connID, ErrorMessage("room_full", "room is at capacity"))
		return
	}
	m.sendTo(connID, NewServerMessage(MessageData, map[string]any{"joined": payload.RoomID}))
}

func (m *WebSocketManager) handleRoomLeave(connID string, env Envelope) {
	payload, err := decodePayload[RoomLeavePayload](env)
	if err != nil || payload.RoomID == "" {
		m.sendTo(connID, ErrorMessage("bad_message", "room_leave requires a roomId"))
		return
	}
	if !m.conns.LeaveRoom(connID, payload.RoomID) {
		m.sendTo(connID, ErrorMessage("not_member", "connection is not in that room"))
		return
	}
	m.sendTo(connID, NewServerMessage(MessageData, map[string]any{"left": payload.RoomID}))
}

func (m *WebSocketManager) handleRoomMessage(connID string, env Envelope) {
	payload, err := decodePayload[RoomMessagePayload](env)
	if err != nil || payload.RoomID == "" {
		m.sendTo(connID, ErrorMessage("bad_message", "room_message requires a roomId"))
		return
	}

	conn, _ := m.conns.Get(connID)
	if _, member := conn.Rooms[payload.RoomID]; !member {
		m.sendTo(connID, ErrorMessage("not_member", "join the room before messaging it"))
		return
	}

	m.BroadcastToRoom(payload.RoomID, NewServerMessage(MessageBroadcast, map[string]any{
		"roomId": payload.RoomID,
		"from":   conn.UserID,
		"body":   payload.Body,
	}))
}
