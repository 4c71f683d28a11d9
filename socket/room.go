package socket

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const broadcastConcurrency = 20

type Room struct {
	name    string
	sockets map[string]*Socket
	mu      sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		sockets: make(map[string]*Socket),
	}
}

func (r *Room) AddSocket(s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.ID()] = s
}

func (r *Room) RemoveSocket(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

func (r *Room) HasSocket(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sockets[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Broadcast sends an event to every member and returns the first send error.
func (r *Room) Broadcast(typ string, data any) error {
	return broadcast(r.Sockets(), typ, data)
}

func (r *Room) Sockets() []*Socket {
	r.mu.RLock()
	sockets := make([]*Socket, 0, len(r.sockets))
	for _, socket := range r.sockets {
		sockets = append(sockets, socket)
	}
	r.mu.RUnlock()

	sort.Slice(sockets, func(i, j int) bool {
		return sockets[i].ID() < sockets[j].ID()
	})
	return sockets
}

func (r *Room) Name() string {
	return r.name
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

// Room returns the named room, or nil if nobody is in it.
func (rm *RoomManager) Room(name string) *Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rooms[name]
}

func (rm *RoomManager) Rooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)

	return rooms
}

func (rm *RoomManager) Join(roomName string, socket *Socket) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomName]
	if !exists {
		room = NewRoom(roomName)
		rm.rooms[roomName] = room
	}
	room.AddSocket(socket)
}

func (rm *RoomManager) Leave(roomName string, socketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.leaveLocked(roomName, socketID)
}

func (rm *RoomManager) LeaveAll(socketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for name := range rm.rooms {
		rm.leaveLocked(name, socketID)
	}
}

func (rm *RoomManager) leaveLocked(roomName string, socketID string) {
	room, exists := rm.rooms[roomName]
	if !exists {
		return
	}

	room.RemoveSocket(socketID)
	if room.Count() == 0 {
		delete(rm.rooms, roomName)
	}
}

func (rm *RoomManager) SocketRooms(socketID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var socketRooms []string
	for name, room := range rm.rooms {
		if room.HasSocket(socketID) {
			socketRooms = append(socketRooms, name)
		}
	}
	sort.Strings(socketRooms)

	return socketRooms
}

func (rm *RoomManager) Broadcast(roomName string, typ string, data any) error {
	room := rm.Room(roomName)
	if room == nil {
		return nil
	}
	return room.Broadcast(typ, data)
}

// broadcast fans an event out to sockets. Sockets that closed meanwhile are
// skipped.
func broadcast(sockets []*Socket, typ string, data any) error {
	payload, err := marshalData(data)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(broadcastConcurrency)

	for _, s := range sockets {
		s := s
		g.Go(func() error {
			if err := s.Send(typ, payload); err != nil && !errors.Is(err, ErrSocketClosed) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
