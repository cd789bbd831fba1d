// Package gateway owns client sockets, their identity bindings and room membership.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrIdentityMismatch = errors.New("connection is already bound to a different identity")

// Handler receives decoded intents and driver disconnects that outlived the grace window.
type Handler interface {
	HandleIntent(ctx context.Context, c *Conn, event string, data json.RawMessage)
	HandleGraceExpired(ctx context.Context, driverID models.ActorID)
}

// Fanout delivers events to rooms. The hub delivers within this process; RedisBackplane
// delivers across every process sharing the channel.
type Fanout interface {
	Emit(ctx context.Context, event string, payload any, rooms ...string)
	Broadcast(ctx context.Context, event string, payload any)
}

type Options struct {
	// GracePeriod delays the driver-lost callback after a driver's last connection closes.
	GracePeriod    time.Duration
	AllowedOrigins []string
	// Verifier, when set, is required to accept a handshake and fixes the connection's identity.
	Verifier auth.Verifier
	Logger   *slog.Logger
}

type graceTimer struct {
	timer *time.Timer
}

type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	rooms   map[string]map[*Conn]struct{}
	actors  map[models.ActorID]map[*Conn]struct{}
	// drivers holds actors with at least one live connection bound as a driver.
	drivers map[models.ActorID]struct{}
	pending map[models.ActorID]*graceTimer
	handler Handler

	grace    time.Duration
	verifier auth.Verifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:    make(map[*Conn]struct{}),
		rooms:    make(map[string]map[*Conn]struct{}),
		actors:   make(map[models.ActorID]map[*Conn]struct{}),
		drivers:  make(map[models.ActorID]struct{}),
		pending:  make(map[models.ActorID]*graceTimer),
		grace:    opts.GracePeriod,
		verifier: opts.Verifier,
		logger:   logger,
	}
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
	return h
}

func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ident models.Identity
	if h.verifier != nil {
		id, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ident = id
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := h.register(ws)
	if !ident.ID.IsZero() {
		if _, err := h.bind(c, ident, true); err != nil {
			h.logger.Error("bind verified identity failed", "conn_id", c.id, "error", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.writePump()
	c.readPump(ctx)
}

func (h *Hub) register(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:    uuid.NewString(),
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	observability.ConnectionsActive.Inc()
	h.logger.Debug("ws_registered", "conn_id", c.id)
	return c
}

// Bind attaches an identity claimed by the client. A connection keeps the first identity it
// binds; a different one yields ErrIdentityMismatch. resumed reports that a pending grace
// timer for the same actor was cancelled.
func (h *Hub) Bind(c *Conn, ident models.Identity) (resumed bool, err error) {
	return h.bind(c, ident, false)
}

func (h *Hub) bind(c *Conn, ident models.Identity, verified bool) (bool, error) {
	if ident.ID.IsZero() {
		return false, models.ErrEmptyActorID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false, nil
	}
	if !c.identity.ID.IsZero() && c.identity.ID != ident.ID {
		return false, ErrIdentityMismatch
	}
	switch {
	case c.verified:
		ident = c.identity
	case ident.Role == "":
		ident.Role = c.identity.Role
	}
	if _, ok := h.drivers[ident.ID]; ok && ident.Role == "" {
		ident.Role = models.RoleDriver
	}
	if ident.Role == models.RoleDriver {
		h.drivers[ident.ID] = struct{}{}
	}
	c.identity = ident
	if verified {
		c.verified = true
	}
	set := h.actors[ident.ID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.actors[ident.ID] = set
	}
	set[c] = struct{}{}
	h.joinLocked(c, UserRoom(ident.ID))

	resumed := false
	if p, ok := h.pending[ident.ID]; ok {
		p.timer.Stop()
		delete(h.pending, ident.ID)
		resumed = true
	}
	return resumed, nil
}

func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	h.joinLocked(c, room)
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

// JoinActor adds every local connection of the actor to room.
func (h *Hub) JoinActor(id models.ActorID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.actors[id] {
		h.joinLocked(c, room)
	}
}

// LeaveActor removes every local connection of the actor from room.
func (h *Hub) LeaveActor(id models.ActorID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.actors[id] {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Connections returns how many local connections are bound to the actor.
func (h *Hub) Connections(id models.ActorID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.actors[id])
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	delete(h.conns, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)

	ident := c.identity
	startGrace := false
	if !ident.ID.IsZero() {
		if set := h.actors[ident.ID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.actors, ident.ID)
				_, wasDriver := h.drivers[ident.ID]
				delete(h.drivers, ident.ID)
				startGrace = wasDriver && h.handler != nil
			}
		}
	}
	if startGrace {
		if old, ok := h.pending[ident.ID]; ok {
			old.timer.Stop()
		}
		p := &graceTimer{}
		h.pending[ident.ID] = p
		// The callback blocks on h.mu until this function releases it, so p.timer is set
		// before it is read.
		p.timer = time.AfterFunc(h.grace, func() { h.graceExpired(ident.ID, p) })
	}
	h.mu.Unlock()

	observability.ConnectionsActive.Dec()
	h.logger.Debug("ws_unregistered", "conn_id", c.id, "actor_id", ident.ID)
}

func (h *Hub) graceExpired(id models.ActorID, p *graceTimer) {
	h.mu.Lock()
	if h.pending[id] != p {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	handler := h.handler
	h.mu.Unlock()
	h.logger.Info("driver grace period expired", "driver_id", id)
	handler.HandleGraceExpired(context.Background(), id)
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, f Frame) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		h.logger.Warn("no intent handler", "event", f.Event)
		return
	}
	handler.HandleIntent(ctx, c, f.Event, f.Data)
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Conn, b []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		observability.EventsDroppedTotal.Inc()
		h.logger.Warn("client send buffer full, dropping event", "conn_id", c.id, "actor_id", c.identity.ID)
		return false
	}
}

func (h *Hub) Emit(ctx context.Context, event string, payload any, rooms ...string) {
	b, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode frame failed", "event", event, "error", err)
		return
	}
	h.deliver(event, b, rooms, false)
}

func (h *Hub) Broadcast(ctx context.Context, event string, payload any) {
	b, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode frame failed", "event", event, "error", err)
		return
	}
	h.deliver(event, b, nil, true)
}

// deliver sends an encoded frame once to every connection in the union of rooms, or to
// every connection when all is set. It returns the number of connections reached.
func (h *Hub) deliver(event string, frame []byte, rooms []string, all bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	if all {
		for c := range h.conns {
			if h.enqueue(c, frame) {
				sent++
			}
		}
	} else {
		seen := make(map[*Conn]struct{})
		for _, room := range rooms {
			for c := range h.rooms[room] {
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				if h.enqueue(c, frame) {
					sent++
				}
			}
		}
	}
	observability.EventsEmittedTotal.WithLabelValues(event).Inc()
	return sent
}
