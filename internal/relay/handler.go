package relay

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/transport/cable"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check Origin against an allow list from config
		return true
	},
}

// Handler serves the cable endpoint.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, authorized := h.hub.identify(q)
	clientID := q.Get("client_id")

	// Create span for connection
	ctx, span := middleware.StartSpan(r.Context(), "Cable.Connect",
		attribute.String("user.id", user.ID),
		attribute.String("client.id", clientID),
		attribute.Bool("authorized", authorized),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := newConn(h.hub, ws, models.NewSession(user, clientID), authorized)
	if !submit(h.hub, h.hub.register, conn) {
		ws.Close()
		return
	}
	conn.control(cable.TypeWelcome, "", "")

	// the request context ends when ServeHTTP returns; the pumps outlive it
	pumpCtx := context.WithoutCancel(ctx)
	go conn.WritePump()
	go conn.ReadPump(pumpCtx)

	h.hub.logger.Printf("✓ Cable connection established (session: %s, user: %s, client: %s)",
		conn.ID, user.ID, clientID)
}

// identify resolves the participant behind a connection request. With a
// secret configured only a valid token authorizes; the query identity is
// still used so the socket can be told why its subscriptions fail.
func (h *Hub) identify(q url.Values) (models.UserInfo, bool) {
	fallback := models.UserInfo{
		ID:    q.Get("user_id"),
		Name:  q.Get("user_name"),
		Email: q.Get("user_email"),
	}
	if fallback.ID == "" {
		fallback.ID = "anonymous"
	}
	if fallback.Name == "" {
		fallback.Name = "Anonymous"
	}

	if len(h.opts.Secret) == 0 {
		return fallback, true
	}
	user, err := VerifyToken(h.opts.Secret, q.Get("token"))
	if err != nil {
		h.logger.Printf("🚫 Token rejected for %s: %v", fallback.ID, err)
		return fallback, false
	}
	return user, true
}
