package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addConn(t *testing.T, cm *ConnectionManager, id, userID string) {
	t.Helper()
	require.True(t, cm.Add(&Connection{ID: id, UserID: userID}))
}

func TestAddAndRemoveConnection(t *testing.T) {
	cm := NewConnectionManager(nil)

	addConn(t, cm, "c1", "")
	assert.Equal(t, 1, cm.Count())
	assert.False(t, cm.Add(&Connection{ID: "c1"}), "duplicate id rejected")

	assert.True(t, cm.Remove("c1"))
	assert.False(t, cm.Remove("c1"), "second remove is a no-op")
	assert.Equal(t, 0, cm.Count())
}

// Removing a connection that belongs to several rooms and topics must leave
// no trace of it in any index, and any room or topic whose membership
// becomes empty disappears (unless the room is permanent).
func TestRemoveCascadesCleanup(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "alice")
	addConn(t, cm, "c2", "bob")

	require.True(t, cm.JoinRoom("c1", Room{ID: "shared"}))
	require.True(t, cm.JoinRoom("c2", Room{ID: "shared"}))
	require.True(t, cm.JoinRoom("c1", Room{ID: "solo"}))
	require.True(t, cm.JoinRoom("c1", Room{ID: "keep", Permanent: true}))
	require.True(t, cm.Subscribe("c1", "reports"))
	require.True(t, cm.Subscribe("c1", "alerts"))
	require.True(t, cm.Subscribe("c2", "alerts"))

	require.True(t, cm.Remove("c1"))

	assert.Empty(t, cm.TopicConnections("reports"), "sole-subscriber topic removed")
	assert.Equal(t, []string{"c2"}, cm.TopicConnections("alerts"))
	assert.Equal(t, []string{"c2"}, cm.RoomConnections("shared"))

	_, exists := cm.Room("solo")
	assert.False(t, exists, "emptied non-permanent room deleted")
	_, exists = cm.Room("keep")
	assert.True(t, exists, "permanent room survives emptying")
	assert.Empty(t, cm.UserConnections("alice"))
}

func TestRoomCapacity(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")
	addConn(t, cm, "c2", "")

	require.True(t, cm.JoinRoom("c1", Room{ID: "r1", MaxConnections: 1}))
	assert.False(t, cm.JoinRoom("c2", Room{ID: "r1", MaxConnections: 1}),
		"join rejected at capacity")
	assert.Equal(t, []string{"c1"}, cm.RoomConnections("r1"),
		"rejected join leaves the room index untouched")

	conn, ok := cm.Get("c2")
	require.True(t, ok)
	_, member := conn.Rooms["r1"]
	assert.False(t, member)
}

func TestJoinRoomIdempotent(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	require.True(t, cm.JoinRoom("c1", Room{ID: "r1", MaxConnections: 1}))
	assert.True(t, cm.JoinRoom("c1", Room{ID: "r1", MaxConnections: 1}),
		"re-join by a member succeeds even at capacity")
	assert.Len(t, cm.RoomConnections("r1"), 1)
}

func TestJoinRoomFirstJoinCreates(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	require.True(t, cm.JoinRoom("c1", Room{ID: "new", Name: "Planning"}))
	room, ok := cm.Room("new")
	require.True(t, ok)
	assert.Equal(t, "Planning", room.Name)
	assert.False(t, room.CreatedAt.IsZero())

	// A later join does not redefine the room.
	addConn(t, cm, "c2", "")
	require.True(t, cm.JoinRoom("c2", Room{ID: "new", Name: "Renamed"}))
	room, _ = cm.Room("new")
	assert.Equal(t, "Planning", room.Name)
}

func TestLeaveRoom(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	require.True(t, cm.JoinRoom("c1", Room{ID: "r1"}))
	assert.False(t, cm.LeaveRoom("c1", "other"), "leaving a room not joined fails")
	assert.True(t, cm.LeaveRoom("c1", "r1"))

	_, exists := cm.Room("r1")
	assert.False(t, exists, "empty room deleted on leave")
}

func TestDeleteRoomEvictsMembers(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")
	addConn(t, cm, "c2", "")
	require.True(t, cm.JoinRoom("c1", Room{ID: "r1"}))
	require.True(t, cm.JoinRoom("c2", Room{ID: "r1"}))

	assert.True(t, cm.DeleteRoom("r1"))
	assert.False(t, cm.DeleteRoom("r1"))

	for _, id := range []string{"c1", "c2"} {
		conn, ok := cm.Get(id)
		require.True(t, ok)
		assert.Empty(t, conn.Rooms)
	}
}

func TestSetUserReindexes(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	assert.Empty(t, cm.UserConnections("alice"))
	require.True(t, cm.SetUser("c1", "alice"))
	assert.Equal(t, []string{"c1"}, cm.UserConnections("alice"))

	require.True(t, cm.SetUser("c1", "bob"))
	assert.Empty(t, cm.UserConnections("alice"))
	assert.Equal(t, []string{"c1"}, cm.UserConnections("bob"))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	require.True(t, cm.Subscribe("c1", "reports"))
	assert.Equal(t, []string{"c1"}, cm.TopicConnections("reports"))

	assert.True(t, cm.Unsubscribe("c1", "reports"))
	assert.False(t, cm.Unsubscribe("c1", "reports"), "unsubscribe when not subscribed fails")
	assert.Empty(t, cm.TopicConnections("reports"))
}

func TestStaleConnections(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "fresh", "")
	addConn(t, cm, "stale", "")

	now := time.Now()
	require.True(t, cm.Touch("fresh"))

	cm.mu.Lock()
	cm.connections["stale"].LastHeartbeat = now.Add(-time.Minute)
	cm.mu.Unlock()

	stale := cm.Stale(30*time.Second, now)
	assert.Equal(t, []string{"stale"}, stale)
}

func TestEmptyRooms(t *testing.T) {
	cm := NewConnectionManager(nil)
	addConn(t, cm, "c1", "")

	// A permanent room can exist empty; a joined room is not empty.
	require.True(t, cm.JoinRoom("c1", Room{ID: "busy"}))
	require.True(t, cm.JoinRoom("c1", Room{ID: "perm", Permanent: true}))
	require.True(t, cm.LeaveRoom("c1", "perm"))

	assert.Empty(t, cm.EmptyRooms(), "permanent rooms never reported for cleanup")
	assert.Equal(t, []string{"c1"}, cm.RoomConnections("busy"))
}

func TestOperationsOnUnknownConnection(t *testing.T) {
	cm := NewConnectionManager(nil)
	assert.False(t, cm.JoinRoom("ghost", Room{ID: "r1"}))
	assert.False(t, cm.Subscribe("ghost", "topic"))
	assert.False(t, cm.SetUser("ghost", "alice"))
	assert.False(t, cm.Touch("ghost"))
	assert.False(t, cm.SetState("ghost", StateError))
}
