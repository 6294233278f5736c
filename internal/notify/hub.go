// Package notify pushes lifecycle events to connected clients and tracks who
// is online. Delivery is fire-and-forget: offline users miss events.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/metrics"
	"dmserver/internal/privacy"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendBuffer   = constants.DefaultNotificationSendBuffer
	defaultWriteTimeout = 10 * time.Second
)

// Envelope is the frame written to clients and relayed between instances.
type Envelope struct {
	Event    string          `json:"event"`
	UserID   string          `json:"userId"`
	Payload  json.RawMessage `json:"payload"`
	Origin   string          `json:"origin,omitempty"`
	SentAtMs int64           `json:"sentAt"`
}

// Publisher relays envelopes to other instances.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PresenceTracker records connections somewhere every instance can see.
type PresenceTracker interface {
	Connect(ctx context.Context, userID, connID string) error
	Disconnect(ctx context.Context, userID, connID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type HubOptions struct {
	Publisher      Publisher
	Presence       PresenceTracker
	AllowedOrigins []string
	SendBuffer     int
	// OnConnect runs in its own goroutine after a user's socket is registered.
	OnConnect func(ctx context.Context, userID string)
}

type client struct {
	id     string
	userID string
	send   chan []byte
}

// Hub holds this instance's websocket sessions, keyed by user.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*client]struct{}
	instanceID string
	opts       HubOptions
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger, opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		instanceID: uuid.NewString(),
		opts:       opts,
		logger:     logger,
	}
}

// InstanceID identifies this hub in relayed envelopes.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Notify sends an event to every session of userID on this instance and
// relays it to other instances. Errors are logged, never returned.
func (h *Hub) Notify(ctx context.Context, userID, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode notification payload")
		return
	}

	env := Envelope{
		Event:    event,
		UserID:   userID,
		Payload:  raw,
		Origin:   h.instanceID,
		SentAtMs: time.Now().UnixMilli(),
	}
	delivered := h.DeliverLocal(env)
	metrics.IncrementCounter("notifications_total", map[string]string{"event": event})

	if h.opts.Publisher != nil {
		if err := h.opts.Publisher.Publish(ctx, env); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"event":   event,
				"user_id": privacy.MaskUserID(userID),
			}).Warn("Failed to relay notification to other instances")
		}
	}

	h.logger.WithFields(logrus.Fields{
		"event":     event,
		"user_id":   privacy.MaskUserID(userID),
		"delivered": delivered,
	}).Debug("Notification dispatched")
}

// DeliverLocal writes an envelope to this instance's sessions of its user and
// returns how many sessions accepted it. Slow sessions drop frames.
func (h *Hub) DeliverLocal(env Envelope) int {
	frame, err := json.Marshal(env)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients[env.UserID] {
		select {
		case c.send <- frame:
			delivered++
		default:
			metrics.IncrementCounter("notifications_dropped_total", nil)
		}
	}
	return delivered
}

// IsOnline reports whether the user has a session on this instance, falling
// back to shared presence when configured.
func (h *Hub) IsOnline(ctx context.Context, userID string) (bool, error) {
	if h.localSessions(userID) > 0 {
		return true, nil
	}
	if h.opts.Presence == nil {
		return false, nil
	}
	return h.opts.Presence.IsOnline(ctx, userID)
}

func (h *Hub) localSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	metrics.SetGauge("websocket_sessions", float64(h.countLocked()), nil)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	metrics.SetGauge("websocket_sessions", float64(h.countLocked()), nil)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Handler upgrades requests to websockets. userID extracts the caller from
// the request; an empty result is rejected.
func (h *Hub) Handler(userID func(r *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			http.Error(w, "missing user", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: h.opts.AllowedOrigins,
		})
		if err != nil {
			h.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}

		h.serve(r.Context(), conn, uid)
	})
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, userID string) {
	c := &client{id: uuid.NewString(), userID: userID, send: make(chan []byte, h.opts.SendBuffer)}
	h.register(c)

	// Clients only listen; CloseRead handles control frames and reports disconnects.
	ctx = conn.CloseRead(ctx)

	if h.opts.Presence != nil {
		if err := h.opts.Presence.Connect(ctx, userID, c.id); err != nil {
			h.logger.WithError(err).Warn("Failed to record presence")
		}
	}

	logger := h.logger.WithField("user_id", privacy.MaskUserID(userID))
	logger.Debug("Websocket session opened")

	if h.opts.OnConnect != nil {
		go h.opts.OnConnect(context.WithoutCancel(ctx), userID)
	}

	defer func() {
		h.unregister(c)
		if h.opts.Presence != nil {
			if err := h.opts.Presence.Disconnect(context.WithoutCancel(ctx), userID, c.id); err != nil {
				logger.WithError(err).Warn("Failed to clear presence")
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		logger.Debug("Websocket session closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logger.WithError(err).Debug("Websocket write failed")
				return
			}
		}
	}
}

// OnlineUsers lists users with at least one session on this instance.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.clients))
	for id := range h.clients {
		users = append(users, id)
	}
	return users
}
