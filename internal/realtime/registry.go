package realtime

import (
	"sort"
	"strings"
	"sync"
)

const (
	noteRoomPrefix = "note:"
	userRoomPrefix = "user:"
)

// RoomKey names a broadcast group. Note and user rooms live in separate namespaces.
type RoomKey string

// NoteRoom returns the room for a note's viewers.
func NoteRoom(noteID string) RoomKey {
	return RoomKey(noteRoomPrefix + noteID)
}

// UserRoom returns the personal room for a user.
func UserRoom(userID string) RoomKey {
	return RoomKey(userRoomPrefix + userID)
}

func (k RoomKey) String() string {
	return string(k)
}

// IsNoteRoom reports whether the key addresses a note room.
func (k RoomKey) IsNoteRoom() bool {
	return strings.HasPrefix(string(k), noteRoomPrefix)
}

// RegistryStats summarizes registry occupancy.
type RegistryStats struct {
	Connections int
	Rooms       int
}

// Registry maps room keys to live connections. Membership is process-local and is
// dropped wholesale when a connection leaves.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[RoomKey]map[string]*Connection
	memberships map[string]map[RoomKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[RoomKey]map[string]*Connection),
		memberships: make(map[string]map[RoomKey]struct{}),
	}
}

// Attach makes the connection addressable by broadcasts to everyone.
func (r *Registry) Attach(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	if _, ok := r.memberships[conn.ID()]; !ok {
		r.memberships[conn.ID()] = make(map[RoomKey]struct{})
	}
}

// Join adds the connection to a room. Joining twice has no further effect. It returns false
// when the connection is not attached.
func (r *Registry) Join(conn *Connection, room RoomKey) bool {
	if conn == nil || room == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	joined, ok := r.memberships[conn.ID()]
	if !ok {
		return false
	}
	joined[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[conn.ID()] = conn
	return true
}

// LeaveAll detaches the connection and removes it from every room. It returns the rooms
// the connection had joined.
func (r *Registry) LeaveAll(conn *Connection) []RoomKey {
	left, _ := r.Detach(conn)
	return left
}

// Detach is LeaveAll that also reports whether the connection was attached, so concurrent
// callers agree on which of them removed it.
func (r *Registry) Detach(conn *Connection) ([]RoomKey, bool) {
	if conn == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, attached := r.connections[conn.ID()]; !attached {
		return nil, false
	}
	joined := r.memberships[conn.ID()]
	left := make([]RoomKey, 0, len(joined))
	for room := range joined {
		members := r.rooms[room]
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
		left = append(left, room)
	}
	delete(r.memberships, conn.ID())
	delete(r.connections, conn.ID())
	sortRooms(left)
	return left, true
}

// Members returns a snapshot of the connections in a room.
func (r *Registry) Members(room RoomKey) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	snapshot := make([]*Connection, 0, len(members))
	for _, conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Connections returns a snapshot of every attached connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Rooms lists the rooms a connection has joined, sorted.
func (r *Registry) Rooms(connectionID string) []RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	joined := r.memberships[connectionID]
	rooms := make([]RoomKey, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	sortRooms(rooms)
	return rooms
}

// IsMember reports whether the connection has joined the room.
func (r *Registry) IsMember(connectionID string, room RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberships[connectionID][room]
	return ok
}

func (r *Registry) Lookup(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{Connections: len(r.connections), Rooms: len(r.rooms)}
}

func sortRooms(rooms []RoomKey) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
}
