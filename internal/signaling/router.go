package signaling

import (
	"log/slog"

	"github.com/lumacast/signal-relay/internal/metrics"
)

// Router owns the join/leave/disconnect protocol: given an inbound envelope
// and the sending connection's role, it decides which connections receive
// which outbound envelopes.
//
// HandleMessage and HandleClose for a given connection are only ever invoked
// from that connection's reader goroutine, which gives every connection FIFO
// handling and makes its own close mutually exclusive with its message
// handling. Cross-connection state lives in the registry and rooms, which
// carry their own locks.
type Router struct {
	reg     *Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	// OnRoomEnded, when set, is invoked after a room is torn down because its
	// broadcaster departed or the room was ended explicitly. Set before serving
	// traffic; it is called from connection reader goroutines.
	OnRoomEnded func(roomID string)
}

func NewRouter(reg *Registry, log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		reg:     reg,
		log:     log,
		metrics: m,
	}
}

// HandleMessage routes one raw inbound frame from c. Malformed envelopes are
// dropped and logged; they never affect the connection's state.
func (rt *Router) HandleMessage(c *Conn, data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.log.Debug("dropping malformed envelope", "conn_id", c.ID(), "err", err)
		return
	}

	if env.isJoin() {
		rt.handleJoin(c, env)
		return
	}
	rt.handleForward(c, env)
}

func (rt *Router) handleJoin(c *Conn, env Envelope) {
	// A joined connection never re-joins: accepting a second join would leave
	// dangling membership in the first room.
	if c.Role() != RoleUnassigned {
		rt.metrics.Inc(metrics.DropReasonDoubleJoin)
		rt.log.Warn("dropping join from already-joined connection",
			"conn_id", c.ID(), "role", c.Role(), "room_id", c.RoomID(), "type", env.Type)
		return
	}

	// Path-carried room identity wins; it was normalized once at accept time
	// and is immutable for the connection's lifetime.
	roomID := c.pathRoomID
	if roomID == "" {
		roomID = env.RoomID
	}
	if roomID == "" {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.log.Debug("dropping join without room id", "conn_id", c.ID(), "type", env.Type)
		return
	}

	// A room can be reclaimed between GetOrCreate and the join mutation; the
	// mutation fails on a dead room and we resolve a fresh one.
	for {
		room := rt.reg.GetOrCreate(roomID)
		if env.Type == KindBroadcasterJoin {
			replaced, ok := room.SetBroadcaster(c)
			if !ok {
				continue
			}
			c.setJoined(RoleBroadcaster, roomID)
			rt.metrics.Inc(metrics.BroadcasterJoins)
			if replaced != nil {
				rt.metrics.Inc(metrics.BroadcasterReplaced)
				rt.log.Warn("broadcaster slot replaced",
					"room_id", roomID, "new_conn_id", c.ID(), "old_conn_id", replaced.ID())
			}
			rt.log.Info("broadcaster joined", "room_id", roomID, "conn_id", c.ID())
			// Tell the broadcaster about viewers that were already waiting so it
			// can start negotiating with them.
			for _, v := range room.viewerConns() {
				room.SendToBroadcaster(Envelope{Type: KindViewerJoined, From: v.ID()})
			}
		} else {
			if !room.AddViewer(c) {
				continue
			}
			c.setJoined(RoleViewer, roomID)
			rt.metrics.Inc(metrics.ViewerJoins)
			rt.log.Info("viewer joined", "room_id", roomID, "conn_id", c.ID())
			room.SendToBroadcaster(Envelope{Type: KindViewerJoined, From: c.ID()})
		}
		return
	}
}

func (rt *Router) handleForward(c *Conn, env Envelope) {
	if c.Role() == RoleUnassigned {
		rt.metrics.Inc(metrics.DropReasonNotJoined)
		rt.log.Debug("dropping envelope from unjoined connection", "conn_id", c.ID(), "type", env.Type)
		return
	}

	room, ok := rt.reg.Get(c.RoomID())
	if !ok {
		// The room was torn down (broadcaster left or explicit end). Routing
		// with no target is a no-op, not an error.
		rt.log.Debug("dropping envelope for removed room", "conn_id", c.ID(), "room_id", c.RoomID(), "type", env.Type)
		return
	}

	out := Envelope{
		Type:      env.Type,
		Offer:     env.Offer,
		Answer:    env.Answer,
		Candidate: env.Candidate,
		From:      c.ID(),
	}

	switch env.Type {
	case KindOffer:
		if c.Role() != RoleBroadcaster {
			rt.dropWrongRole(c, env)
			return
		}
		room.BroadcastToViewers(out)
	case KindAnswer:
		if c.Role() != RoleViewer {
			rt.dropWrongRole(c, env)
			return
		}
		room.SendToBroadcaster(out)
	case KindCandidate:
		if c.Role() == RoleBroadcaster {
			room.BroadcastToViewers(out)
		} else {
			room.SendToBroadcaster(out)
		}
	default:
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.log.Debug("dropping envelope with unroutable type", "conn_id", c.ID(), "type", env.Type)
		return
	}
	rt.metrics.Inc(metrics.EnvelopesForwarded)
}

func (rt *Router) dropWrongRole(c *Conn, env Envelope) {
	rt.metrics.Inc(metrics.DropReasonWrongRole)
	rt.log.Debug("dropping envelope not valid for sender role",
		"conn_id", c.ID(), "role", c.Role(), "type", env.Type)
}

// HandleClose runs the cleanup protocol after c's transport has closed.
//
// A departing broadcaster ends the stream: every viewer is told, and the room
// is torn down so a later join starts fresh. A departing viewer just leaves
// its room, which is reclaimed once empty.
func (rt *Router) HandleClose(c *Conn) {
	rt.metrics.Inc(metrics.ConnectionsClosed)
	if c.Role() == RoleUnassigned {
		return
	}

	roomID := c.RoomID()
	room, ok := rt.reg.Get(roomID)
	if !ok {
		return
	}

	switch c.Role() {
	case RoleBroadcaster:
		// Only the current slot holder ends the stream; a broadcaster that was
		// replaced earlier leaves without touching the room.
		if !room.ClearBroadcasterIf(c) {
			return
		}
		room.BroadcastToViewers(Envelope{Type: KindStreamEnded})
		rt.metrics.Inc(metrics.StreamEndedFanouts)
		rt.log.Info("broadcaster left, stream ended", "room_id", roomID, "conn_id", c.ID())
		// A new broadcaster may have grabbed the slot during the fan-out; in
		// that case the room stays.
		if rt.reg.RemoveIfNoBroadcaster(roomID) {
			rt.roomEnded(roomID)
		}
	case RoleViewer:
		room.RemoveViewer(c)
		rt.metrics.Inc(metrics.ViewerLeaves)
		rt.log.Info("viewer left", "room_id", roomID, "conn_id", c.ID())
		room.SendToBroadcaster(Envelope{Type: KindViewerLeft, From: c.ID()})
		rt.reg.RemoveIfEmpty(roomID)
	}
}

// EndRoom tears a room down on behalf of the HTTP end-live endpoint: viewers
// receive stream-ended and the room is removed. Member connections stay open;
// their own close events find no room and no-op.
func (rt *Router) EndRoom(roomID string) bool {
	room, ok := rt.reg.Get(roomID)
	if !ok {
		return false
	}
	room.BroadcastToViewers(Envelope{Type: KindStreamEnded})
	rt.metrics.Inc(metrics.StreamEndedFanouts)
	rt.reg.Remove(roomID)
	rt.log.Info("room ended", "room_id", roomID)
	rt.roomEnded(roomID)
	return true
}

func (rt *Router) roomEnded(roomID string) {
	if rt.OnRoomEnded != nil {
		rt.OnRoomEnded(roomID)
	}
}
