package signaling

import (
	"testing"
	"time"

	"github.com/lumacast/signal-relay/internal/metrics"
)

func newTestRouter() (*Router, *Registry, *metrics.Metrics) {
	m := metrics.New()
	reg := NewRegistry(discardLogger(), m)
	return NewRouter(reg, discardLogger(), m), reg, m
}

func noEnvelope(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case env := <-c.send:
		t.Fatalf("conn %s: unexpected envelope %+v", c.ID(), env)
	default:
	}
}

func TestHandshake(t *testing.T) {
	rt, _, _ := newTestRouter()

	b := chanConn("b", 8)
	v1 := chanConn("v1", 8)

	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	if b.Role() != RoleBroadcaster || b.RoomID() != "r1" {
		t.Fatalf("broadcaster role=%q room=%q, want broadcaster/r1", b.Role(), b.RoomID())
	}

	rt.HandleMessage(v1, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	if env := recvEnvelope(t, b); env.Type != KindViewerJoined || env.From != "v1" {
		t.Fatalf("broadcaster got %+v, want viewer-joined from v1", env)
	}

	rt.HandleMessage(b, []byte(`{"type":"offer","offer":{"sdp":"O1"}}`))
	env := recvEnvelope(t, v1)
	if env.Type != KindOffer || env.From != "b" {
		t.Fatalf("viewer got %+v, want offer from b", env)
	}
	if string(env.Offer) != `{"sdp":"O1"}` {
		t.Fatalf("offer payload=%s, want verbatim {\"sdp\":\"O1\"}", env.Offer)
	}

	rt.HandleMessage(v1, []byte(`{"type":"answer","answer":{"sdp":"A1"}}`))
	env = recvEnvelope(t, b)
	if env.Type != KindAnswer || env.From != "v1" || string(env.Answer) != `{"sdp":"A1"}` {
		t.Fatalf("broadcaster got %+v, want answer A1 from v1", env)
	}

	// Candidates route by sender role.
	rt.HandleMessage(b, []byte(`{"type":"candidate","candidate":{"candidate":"cb"}}`))
	if env := recvEnvelope(t, v1); env.Type != KindCandidate || env.From != "b" {
		t.Fatalf("viewer got %+v, want candidate from b", env)
	}
	rt.HandleMessage(v1, []byte(`{"type":"candidate","candidate":{"candidate":"cv"}}`))
	if env := recvEnvelope(t, b); env.Type != KindCandidate || env.From != "v1" {
		t.Fatalf("broadcaster got %+v, want candidate from v1", env)
	}
}

func TestOfferFansOutToAllViewers(t *testing.T) {
	rt, _, _ := newTestRouter()

	b := chanConn("b", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))

	viewers := []*Conn{chanConn("v1", 8), chanConn("v2", 8), chanConn("v3", 8)}
	for _, v := range viewers {
		rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
		recvEnvelope(t, b) // viewer-joined
	}

	rt.HandleMessage(b, []byte(`{"type":"offer","offer":{"sdp":"O1"}}`))
	for _, v := range viewers {
		if env := recvEnvelope(t, v); env.Type != KindOffer || env.From != "b" {
			t.Fatalf("conn %s got %+v, want offer from b", v.ID(), env)
		}
	}
}

func TestViewersWaitingBeforeBroadcaster(t *testing.T) {
	rt, _, _ := newTestRouter()

	v1 := chanConn("v1", 8)
	v2 := chanConn("v2", 8)
	rt.HandleMessage(v1, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	rt.HandleMessage(v2, []byte(`{"type":"viewer-join","roomId":"r1"}`))

	b := chanConn("b", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))

	// The late broadcaster learns about every waiting viewer.
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, b)
		if env.Type != KindViewerJoined {
			t.Fatalf("broadcaster got %+v, want viewer-joined", env)
		}
		got[env.From] = true
	}
	if !got["v1"] || !got["v2"] {
		t.Fatalf("viewer-joined replay=%v, want v1 and v2", got)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	rt, reg, m := newTestRouter()

	v := chanConn("v", 8)
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r2"}`))
	rt.HandleMessage(v, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))

	if v.Role() != RoleViewer || v.RoomID() != "r1" {
		t.Fatalf("role=%q room=%q, want viewer/r1", v.Role(), v.RoomID())
	}
	if _, ok := reg.Get("r2"); ok {
		t.Fatalf("rejected join created room r2")
	}
	if got := m.Get(metrics.DropReasonDoubleJoin); got != 2 {
		t.Fatalf("DropReasonDoubleJoin=%d, want 2", got)
	}
}

func TestBroadcasterReplaced(t *testing.T) {
	rt, reg, m := newTestRouter()

	b1 := chanConn("b1", 8)
	v := chanConn("v", 8)
	rt.HandleMessage(b1, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b1)

	b2 := chanConn("b2", 8)
	rt.HandleMessage(b2, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))

	if got := m.Get(metrics.BroadcasterReplaced); got != 1 {
		t.Fatalf("BroadcasterReplaced=%d, want 1", got)
	}
	// The new broadcaster gets the viewer replay; answers now reach it.
	if env := recvEnvelope(t, b2); env.Type != KindViewerJoined || env.From != "v" {
		t.Fatalf("new broadcaster got %+v, want viewer-joined from v", env)
	}
	rt.HandleMessage(v, []byte(`{"type":"answer","answer":{"sdp":"A"}}`))
	if env := recvEnvelope(t, b2); env.Type != KindAnswer {
		t.Fatalf("new broadcaster got %+v, want answer", env)
	}
	noEnvelope(t, b1)

	// The replaced broadcaster's close must not tear the room down.
	rt.HandleClose(b1)
	if _, ok := reg.Get("r1"); !ok {
		t.Fatalf("room removed by replaced broadcaster's close")
	}
	noEnvelope(t, v)
}

func TestBroadcasterCloseEndsRoom(t *testing.T) {
	rt, reg, _ := newTestRouter()

	var endedRoom string
	rt.OnRoomEnded = func(roomID string) { endedRoom = roomID }

	b := chanConn("b", 8)
	v1 := chanConn("v1", 8)
	v2 := chanConn("v2", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v1, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	rt.HandleMessage(v2, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b)
	recvEnvelope(t, b)

	rt.HandleClose(b)

	for _, v := range []*Conn{v1, v2} {
		if env := recvEnvelope(t, v); env.Type != KindStreamEnded {
			t.Fatalf("conn %s got %+v, want stream-ended", v.ID(), env)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry Len=%d, want 0 after broadcaster departure", reg.Len())
	}
	if endedRoom != "r1" {
		t.Fatalf("OnRoomEnded room=%q, want r1", endedRoom)
	}

	// A later join starts a fresh room with an empty broadcaster slot.
	late := chanConn("v3", 8)
	rt.HandleMessage(late, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	room, ok := reg.Get("r1")
	if !ok {
		t.Fatalf("room r1 not recreated by later join")
	}
	if sum := room.Summary(); sum.HasBroadcaster || sum.ViewerCount != 1 {
		t.Fatalf("recreated room summary=%+v, want empty slot and one viewer", sum)
	}
}

func TestCandidateNeverReachesOtherViewers(t *testing.T) {
	rt, _, _ := newTestRouter()

	b := chanConn("b", 8)
	v1 := chanConn("v1", 8)
	v2 := chanConn("v2", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v1, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	rt.HandleMessage(v2, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b)
	recvEnvelope(t, b)

	rt.HandleMessage(v1, []byte(`{"type":"candidate","candidate":{"candidate":"c1"}}`))

	if env := recvEnvelope(t, b); env.Type != KindCandidate || env.From != "v1" {
		t.Fatalf("broadcaster got %+v, want candidate from v1", env)
	}
	noEnvelope(t, v1)
	noEnvelope(t, v2)

	rt.HandleMessage(b, []byte(`{"type":"candidate","candidate":{"candidate":"cb"}}`))
	for _, v := range []*Conn{v1, v2} {
		if env := recvEnvelope(t, v); env.Type != KindCandidate || env.From != "b" {
			t.Fatalf("conn %s got %+v, want candidate from b", v.ID(), env)
		}
	}
	noEnvelope(t, b)
}

func TestViewerCloseNotifiesBroadcaster(t *testing.T) {
	rt, reg, _ := newTestRouter()

	b := chanConn("b", 8)
	v := chanConn("v", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b)

	rt.HandleClose(v)

	if env := recvEnvelope(t, b); env.Type != KindViewerLeft || env.From != "v" {
		t.Fatalf("broadcaster got %+v, want viewer-left from v", env)
	}
	room, ok := reg.Get("r1")
	if !ok {
		t.Fatalf("room removed while broadcaster still present")
	}
	if sum := room.Summary(); sum.ViewerCount != 0 {
		t.Fatalf("viewer_count=%d, want 0", sum.ViewerCount)
	}
}

func TestEmptyRoomReclaimed(t *testing.T) {
	rt, reg, _ := newTestRouter()

	v := chanConn("v", 8)
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	if reg.Len() != 1 {
		t.Fatalf("registry Len=%d, want 1", reg.Len())
	}

	rt.HandleClose(v)
	if reg.Len() != 0 {
		t.Fatalf("registry Len=%d, want 0 after last member left", reg.Len())
	}
}

func TestForwardRequiresJoin(t *testing.T) {
	rt, reg, m := newTestRouter()

	c := chanConn("c", 8)
	rt.HandleMessage(c, []byte(`{"type":"offer","offer":{"sdp":"x"}}`))

	if got := m.Get(metrics.DropReasonNotJoined); got != 1 {
		t.Fatalf("DropReasonNotJoined=%d, want 1", got)
	}
	if reg.Len() != 0 {
		t.Fatalf("forward from unjoined connection created a room")
	}
}

func TestWrongRoleDropped(t *testing.T) {
	rt, _, m := newTestRouter()

	b := chanConn("b", 8)
	v := chanConn("v", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b)

	rt.HandleMessage(v, []byte(`{"type":"offer","offer":{"sdp":"x"}}`))
	rt.HandleMessage(b, []byte(`{"type":"answer","answer":{"sdp":"x"}}`))

	if got := m.Get(metrics.DropReasonWrongRole); got != 2 {
		t.Fatalf("DropReasonWrongRole=%d, want 2", got)
	}
	noEnvelope(t, b)
	noEnvelope(t, v)
}

func TestMalformedDropped(t *testing.T) {
	rt, reg, m := newTestRouter()

	c := chanConn("c", 8)
	rt.HandleMessage(c, []byte(`not json`))
	rt.HandleMessage(c, []byte(`{"type":"subscribe"}`))

	if got := m.Get(metrics.DropReasonMalformed); got != 2 {
		t.Fatalf("DropReasonMalformed=%d, want 2", got)
	}
	if c.Role() != RoleUnassigned || reg.Len() != 0 {
		t.Fatalf("malformed traffic changed state: role=%q rooms=%d", c.Role(), reg.Len())
	}

	// The connection is unaffected and can still join.
	rt.HandleMessage(c, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	if c.Role() != RoleViewer {
		t.Fatalf("role=%q, want viewer", c.Role())
	}
}

func TestJoinWithoutRoomIDDropped(t *testing.T) {
	rt, reg, m := newTestRouter()

	c := chanConn("c", 8)
	rt.HandleMessage(c, []byte(`{"type":"viewer-join"}`))

	if c.Role() != RoleUnassigned || reg.Len() != 0 {
		t.Fatalf("join without room id changed state: role=%q rooms=%d", c.Role(), reg.Len())
	}
	if got := m.Get(metrics.DropReasonMalformed); got != 1 {
		t.Fatalf("DropReasonMalformed=%d, want 1", got)
	}
}

func TestPathRoomIDWins(t *testing.T) {
	rt, reg, _ := newTestRouter()

	c := newConn("c", nil, "path-room", 8, time.Minute)
	rt.HandleMessage(c, []byte(`{"type":"viewer-join","roomId":"other"}`))

	if c.RoomID() != "path-room" {
		t.Fatalf("room=%q, want path-room", c.RoomID())
	}
	if _, ok := reg.Get("other"); ok {
		t.Fatalf("envelope roomId created a room despite path identity")
	}
}

func TestEndRoom(t *testing.T) {
	rt, reg, _ := newTestRouter()

	var endedRoom string
	rt.OnRoomEnded = func(roomID string) { endedRoom = roomID }

	b := chanConn("b", 8)
	v := chanConn("v", 8)
	rt.HandleMessage(b, []byte(`{"type":"broadcaster-join","roomId":"r1"}`))
	rt.HandleMessage(v, []byte(`{"type":"viewer-join","roomId":"r1"}`))
	recvEnvelope(t, b)

	if !rt.EndRoom("r1") {
		t.Fatalf("EndRoom = false, want true")
	}
	if env := recvEnvelope(t, v); env.Type != KindStreamEnded {
		t.Fatalf("viewer got %+v, want stream-ended", env)
	}
	if reg.Len() != 0 || endedRoom != "r1" {
		t.Fatalf("rooms=%d endedRoom=%q, want 0/r1", reg.Len(), endedRoom)
	}

	// Member connections stay open; their closes find no room and no-op.
	select {
	case <-b.done:
		t.Fatalf("broadcaster transport closed by EndRoom")
	default:
	}
	rt.HandleClose(b)
	rt.HandleClose(v)

	if rt.EndRoom("r1") {
		t.Fatalf("EndRoom on a removed room = true, want false")
	}
}
