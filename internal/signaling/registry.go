package signaling

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/lumacast/signal-relay/internal/metrics"
)

// Registry is the process-wide mapping from room identifier to Room. Rooms are
// created lazily on first join and removed as soon as they go empty; the
// registry never retains an empty room.
//
// The registry's lock guards only the map. Room state has its own lock, so a
// busy room never stalls lookups or traffic in other rooms. Lock order is
// registry then room; rooms never call back into the registry.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room for roomID, creating it if absent. Exactly one
// Room instance is ever live per identifier: creation is atomic under the
// registry lock, and removed rooms are marked dead before they leave the map,
// so callers that lose the race re-resolve instead of resurrecting one.
func (g *Registry) GetOrCreate(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		room = newRoom(roomID, g.log, g.metrics)
		g.rooms[roomID] = room
		g.metrics.Inc(metrics.RoomsCreated)
		g.log.Debug("room created", "room_id", roomID)
	}
	return room
}

// Get looks a room up without creating it.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// Remove deletes the room unconditionally. No-op when absent.
func (g *Registry) Remove(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		return
	}
	g.removeLocked(roomID, room)
}

// RemoveIfEmpty deletes the room only when it has no participants, and reports
// whether it did. The emptiness check and the map delete happen under both
// locks, so a concurrent join either lands before the check or observes the
// dead marker and retries.
func (g *Registry) RemoveIfEmpty(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		return false
	}
	room.mu.Lock()
	if !room.isEmptyLocked() {
		room.mu.Unlock()
		return false
	}
	room.dead = true
	room.mu.Unlock()

	delete(g.rooms, roomID)
	g.metrics.Inc(metrics.RoomsDestroyed)
	g.log.Debug("room destroyed", "room_id", roomID, "reason", "empty")
	return true
}

// RemoveIfNoBroadcaster deletes the room only while its broadcaster slot is
// empty, and reports whether it did. Used by the broadcaster-departure path so
// a join that re-took the slot during the stream-ended fan-out keeps the room.
func (g *Registry) RemoveIfNoBroadcaster(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		return false
	}
	room.mu.Lock()
	if room.broadcaster != nil {
		room.mu.Unlock()
		return false
	}
	room.dead = true
	room.mu.Unlock()

	delete(g.rooms, roomID)
	g.metrics.Inc(metrics.RoomsDestroyed)
	g.log.Debug("room destroyed", "room_id", roomID, "reason", "broadcaster left")
	return true
}

func (g *Registry) removeLocked(roomID string, room *Room) {
	room.mu.Lock()
	room.dead = true
	room.mu.Unlock()

	delete(g.rooms, roomID)
	g.metrics.Inc(metrics.RoomsDestroyed)
	g.log.Debug("room destroyed", "room_id", roomID)
}

// Len returns the number of registered rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Summaries returns a stable-ordered snapshot of every room's participant
// counts for the listing API.
func (g *Registry) Summaries() []Summary {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
