package signaling

import (
	"log/slog"
	"sync"

	"github.com/lumacast/signal-relay/internal/metrics"
)

// Room holds the participants of one signaling session: at most one
// broadcaster and any number of viewers.
//
// All mutation goes through the room's own mutex, so traffic in one room never
// serializes against another. A room that has been removed from the registry
// is marked dead under the same lock; join operations report failure on a dead
// room so the caller can re-resolve a fresh instance instead of mutating a
// zombie.
type Room struct {
	id string

	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	broadcaster *Conn
	viewers     map[*Conn]struct{}
	dead        bool
}

// Summary is the read-only view consumed by the HTTP listing endpoints.
type Summary struct {
	RoomID         string `json:"room_id"`
	HasBroadcaster bool   `json:"has_broadcaster"`
	ViewerCount    int    `json:"viewer_count"`
}

func newRoom(id string, log *slog.Logger, m *metrics.Metrics) *Room {
	return &Room{
		id:      id,
		log:     log,
		metrics: m,
		viewers: make(map[*Conn]struct{}),
	}
}

func (r *Room) ID() string { return r.id }

// SetBroadcaster installs c in the broadcaster slot. If a different live
// broadcaster already occupies the slot it is replaced (last writer wins) and
// returned; the prior occupant is not closed. ok is false when the room is
// dead and the join must be retried against a fresh room.
func (r *Room) SetBroadcaster(c *Conn) (replaced *Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil, false
	}
	if r.broadcaster != nil && r.broadcaster != c {
		replaced = r.broadcaster
	}
	r.broadcaster = c
	return replaced, true
}

// AddViewer inserts c into the viewer set. Idempotent. ok is false when the
// room is dead.
func (r *Room) AddViewer(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.viewers[c] = struct{}{}
	return true
}

// RemoveViewer removes c if present; no-op otherwise.
func (r *Room) RemoveViewer(c *Conn) {
	r.mu.Lock()
	delete(r.viewers, c)
	r.mu.Unlock()
}

// ClearBroadcasterIf clears the broadcaster slot only when it still holds
// exactly c, so a connection replaced by a newer broadcaster cannot clear the
// slot on its way out.
func (r *Room) ClearBroadcasterIf(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcaster != c {
		return false
	}
	r.broadcaster = nil
	return true
}

// IsEmpty reports whether the room has neither a broadcaster nor viewers.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isEmptyLocked()
}

func (r *Room) isEmptyLocked() bool {
	return r.broadcaster == nil && len(r.viewers) == 0
}

// BroadcastToViewers delivers env to every viewer. Delivery is attempted per
// target independently; a viewer whose send fails is closed, which routes it
// through the regular disconnect cleanup, and never aborts delivery to the
// remaining viewers.
func (r *Room) BroadcastToViewers(env Envelope) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.viewers))
	for v := range r.viewers {
		targets = append(targets, v)
	}
	r.mu.Unlock()

	for _, v := range targets {
		if err := v.Send(env); err != nil {
			r.metrics.Inc(metrics.DeliveryFailures)
			r.log.Warn("viewer delivery failed, closing connection",
				"room_id", r.id, "conn_id", v.ID(), "type", env.Type, "err", err)
			v.Close()
		}
	}
}

// SendToBroadcaster delivers env to the broadcaster slot. An empty slot is a
// normal transient state, not an error; the envelope is silently dropped.
func (r *Room) SendToBroadcaster(env Envelope) {
	r.mu.Lock()
	b := r.broadcaster
	r.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.Send(env); err != nil {
		r.metrics.Inc(metrics.DeliveryFailures)
		r.log.Warn("broadcaster delivery failed, closing connection",
			"room_id", r.id, "conn_id", b.ID(), "type", env.Type, "err", err)
		b.Close()
	}
}

// Summary returns the room's participant counts for the listing API.
func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		RoomID:         r.id,
		HasBroadcaster: r.broadcaster != nil,
		ViewerCount:    len(r.viewers),
	}
}

// viewerConns returns a snapshot of the viewer set.
func (r *Room) viewerConns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.viewers))
	for v := range r.viewers {
		out = append(out, v)
	}
	return out
}

// members returns every connection currently in the room.
func (r *Room) members() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.viewers)+1)
	if r.broadcaster != nil {
		out = append(out, r.broadcaster)
	}
	for v := range r.viewers {
		out = append(out, v)
	}
	return out
}
