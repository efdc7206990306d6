package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradepost/internal/purchase"
)

// ErrNoConnection means the user has no open socket on this instance.
var ErrNoConnection = errors.New("no connection for user")

// MessageTypePurchaseStatus tags outcome pushes.
const MessageTypePurchaseStatus = "purchase-status"

// StatusMessage is the JSON frame written to a user's sockets.
type StatusMessage struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
	purchase.Outcome
}

// Client is one user's socket.
type Client struct {
	UserID string
	Conn   *websocket.Conn
}

// Hub tracks sockets per user and pushes purchase outcomes to them.
type Hub struct {
	users      map[string]map[*websocket.Conn]struct{}
	Register   chan Client
	Unregister chan Client
	mu         sync.Mutex
	done       chan struct{}

	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:        make(map[string]map[*websocket.Conn]struct{}),
		Register:     make(chan Client),
		Unregister:   make(chan Client),
		done:         make(chan struct{}),
		logger:       logger,
		writeTimeout: 5 * time.Second,
	}
}

// Run processes register/unregister events until ctx ends, then closes every
// socket.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, conns := range h.users {
				for conn := range conns {
					conn.Close()
				}
				delete(h.users, userID)
			}
			h.mu.Unlock()
			return
		case c := <-h.Register:
			h.mu.Lock()
			conns, ok := h.users[c.UserID]
			if !ok {
				conns = make(map[*websocket.Conn]struct{})
				h.users[c.UserID] = conns
			}
			conns[c.Conn] = struct{}{}
			h.mu.Unlock()
		case c := <-h.Unregister:
			h.mu.Lock()
			h.dropLocked(c.UserID, c.Conn)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dropLocked(userID string, conn *websocket.Conn) {
	conns := h.users[userID]
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.users, userID)
	}
	conn.Close()
}

// Connections reports how many sockets a user has open.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// Notify implements purchase.Notifier for sockets held by this instance.
func (h *Hub) Notify(_ context.Context, userID, correlationID string, outcome purchase.Outcome) error {
	msg, err := json.Marshal(StatusMessage{
		Type:          MessageTypePurchaseStatus,
		CorrelationID: correlationID,
		Outcome:       outcome,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for conn := range h.users[userID] {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("dropping dead socket", zap.String("user_id", userID), zap.Error(err))
			h.dropLocked(userID, conn)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoConnection
	}
	return nil
}

// IdentifyFunc extracts the authenticated user from an upgrade request.
type IdentifyFunc func(r *http.Request) string

// HeaderIdentity reads the user id set by the authenticating proxy. Query
// parameters are never trusted.
func HeaderIdentity(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

// ServeWS upgrades the request and keeps the socket registered until the
// client goes away.
func (h *Hub) ServeWS(identify IdentifyFunc) http.HandlerFunc {
	if identify == nil {
		identify = HeaderIdentity
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := identify(r)
		if userID == "" {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		client := Client{UserID: userID, Conn: conn}
		select {
		case h.Register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		for {
			if _, _, err := conn.NextReader(); err != nil {
				break
			}
		}
		select {
		case h.Unregister <- client:
		case <-h.done:
		}
	}
}
