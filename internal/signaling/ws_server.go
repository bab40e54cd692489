package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumacast/signal-relay/internal/config"
	"github.com/lumacast/signal-relay/internal/metrics"
)

// WSServer is the ingress adapter for WebSocket participants. It accepts a
// transport connection, normalizes an optional path-carried room identity
// (the `room` query parameter) exactly once, and then pumps inbound frames
// into the router until the transport closes.
type WSServer struct {
	cfg     config.Config
	router  *Router
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewWSServer(cfg config.Config, router *Router, log *slog.Logger, m *metrics.Metrics) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		cfg:     cfg,
		router:  router,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks are enforced by the outer httpserver origin
			// middleware; unit tests dial the handler directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	conn := newConn(uuid.NewString(), ws, r.URL.Query().Get("room"), s.cfg.SendBufferSize, s.cfg.WSPingInterval)
	s.metrics.Inc(metrics.ConnectionsAccepted)
	s.log.Debug("connection accepted", "conn_id", conn.ID(), "remote_addr", r.RemoteAddr)

	go conn.writePump()
	s.readLoop(conn)
}

// readLoop is the connection's single reader. Every inbound frame and the
// final close event for this connection are handled here, in order, which is
// what gives the router its per-connection FIFO and close/message exclusion.
func (s *WSServer) readLoop(c *Conn) {
	defer func() {
		c.Close()
		s.router.HandleClose(c)
	}()

	c.ws.SetReadLimit(s.cfg.MaxEnvelopeBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("connection read error", "conn_id", c.ID(), "err", err)
			}
			return
		}
		s.router.HandleMessage(c, data)
	}
}
