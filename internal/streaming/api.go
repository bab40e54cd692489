// Package streaming exposes the live-session HTTP API: starting and ending
// broadcasts, listing active sessions, and a room-existence check for
// viewers about to open a signaling connection.
package streaming

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/lumacast/signal-relay/internal/httpserver"
	"github.com/lumacast/signal-relay/internal/metrics"
	"github.com/lumacast/signal-relay/internal/signaling"
)

// Session is one active live session as reported by GET /streaming/get.
type Session struct {
	RoomID         string `json:"room_id"`
	HasBroadcaster bool   `json:"has_broadcaster"`
	ViewerCount    int    `json:"viewer_count"`
}

// API manages live-session records. A record maps a room ID to the opaque
// owner token (the Authorization header of the start-live request); only the
// owner can end the session over HTTP. Records are in-memory and
// process-scoped, like the rooms they describe.
type API struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *signaling.Registry
	router  *signaling.Router

	mu     sync.Mutex
	owners map[string]string // room ID -> owner token
}

func NewAPI(reg *signaling.Registry, router *signaling.Router, logger *slog.Logger, m *metrics.Metrics) *API {
	a := &API{
		log:     logger,
		metrics: m,
		reg:     reg,
		router:  router,
		owners:  make(map[string]string),
	}
	// Rooms can also end from the signaling side (broadcaster disconnect);
	// drop the owner record so /streaming/get stops listing the session.
	router.OnRoomEnded = a.releaseRoom
	return a
}

// Register installs the streaming routes on mux, with each handler wrapped
// by wrap (the server's origin policy).
func (a *API) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /streaming/start-live", wrap(http.HandlerFunc(a.handleStartLive)))
	mux.Handle("POST /streaming/end-live", wrap(http.HandlerFunc(a.handleEndLive)))
	mux.Handle("GET /streaming/get", wrap(http.HandlerFunc(a.handleGet)))
	mux.Handle("POST /streaming/joinRoom", wrap(http.HandlerFunc(a.handleJoinRoom)))
}

func (a *API) handleStartLive(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("Authorization")
	if owner == "" {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing Authorization header"})
		return
	}

	roomID, err := newRoomID()
	if err != nil {
		a.log.Error("generate room id", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	a.mu.Lock()
	a.owners[roomID] = owner
	a.mu.Unlock()

	a.metrics.Inc(metrics.LiveSessionsStarted)
	a.log.Info("live session started", "room", roomID)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"room_id": roomID})
}

func (a *API) handleEndLive(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("Authorization")
	if owner == "" {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing Authorization header"})
		return
	}

	// Collect outside the room teardown: EndRoom fires OnRoomEnded, which
	// takes a.mu again.
	a.mu.Lock()
	var ended []string
	for roomID, tok := range a.owners {
		if tok == owner {
			ended = append(ended, roomID)
			delete(a.owners, roomID)
		}
	}
	a.mu.Unlock()

	if len(ended) == 0 {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Live session not found"})
		return
	}

	for _, roomID := range ended {
		a.router.EndRoom(roomID)
		a.metrics.Inc(metrics.LiveSessionsEnded)
		a.log.Info("live session ended", "room", roomID)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"message": "Live ended"})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	roomIDs := make([]string, 0, len(a.owners))
	for roomID := range a.owners {
		roomIDs = append(roomIDs, roomID)
	}
	a.mu.Unlock()
	sort.Strings(roomIDs)

	sessions := make([]Session, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		s := Session{RoomID: roomID}
		// The room itself only exists once the broadcaster connects.
		if room, ok := a.reg.Get(roomID); ok {
			sum := room.Summary()
			s.HasBroadcaster = sum.HasBroadcaster
			s.ViewerCount = sum.ViewerCount
		}
		sessions = append(sessions, s)
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LiveSessionID string `json:"live_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.LiveSessionID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	a.mu.Lock()
	_, exists := a.owners[body.LiveSessionID]
	a.mu.Unlock()

	if !exists {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Live session not found"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"message": "Joined room"})
}

func (a *API) releaseRoom(roomID string) {
	a.mu.Lock()
	_, existed := a.owners[roomID]
	delete(a.owners, roomID)
	a.mu.Unlock()

	if existed {
		a.metrics.Inc(metrics.LiveSessionsEnded)
		a.log.Info("live session released", "room", roomID)
	}
}

func newRoomID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
