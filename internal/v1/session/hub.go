package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/auth"
	"github.com/blitzlink/backend/internal/v1/bus"
	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/metrics"
	"github.com/blitzlink/backend/internal/v1/social"
)

// Room IDs are uppercase alphanumerics, at least six characters. Generated
// ones are the first eight characters of a UUID, uppercased.
var roomIDPattern = regexp.MustCompile(`^[A-Z0-9]{6,}$`)

func newRoomID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
}

// Options carries the deployment knobs the hub needs.
type Options struct {
	// ClientOrigin is the frontend base URL used to compose invite links.
	ClientOrigin string
	// InitialClockMs is the per-side clock budget for new games.
	InitialClockMs int64
	// SkipAuth accepts connections without a token, taking the identity from
	// query parameters. Development only.
	SkipAuth bool
}

// Hub owns the four global registries: rooms by ID, room by user, connection
// set by user, and the online directory. Rooms serialize their own state; the
// hub lock guards only the registries. Lock order is hub first, room second,
// never the reverse.
type Hub struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	roomByUser  map[string]string
	connsByUser map[string]map[*Client]struct{}
	online      map[string]PlayerInfo

	// Per-room and per-user bus subscription cancels, nil entries when
	// running without Redis.
	roomSubs map[string]context.CancelFunc
	userSubs map[string]context.CancelFunc

	validator auth.TokenValidator
	friends   social.FriendChecker
	bus       *bus.Service
	routes    map[string]handlerFunc

	clientOrigin   string
	initialClockMs int64
	skipAuth       bool
	podID          string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub wires the gateway together. friends may be nil when no social graph
// service is configured; invites then fail closed. b may be nil for
// single-instance mode.
func NewHub(validator auth.TokenValidator, friends social.FriendChecker, b *bus.Service, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:          make(map[string]*Room),
		roomByUser:     make(map[string]string),
		connsByUser:    make(map[string]map[*Client]struct{}),
		online:         make(map[string]PlayerInfo),
		roomSubs:       make(map[string]context.CancelFunc),
		userSubs:       make(map[string]context.CancelFunc),
		validator:      validator,
		friends:        friends,
		bus:            b,
		clientOrigin:   strings.TrimRight(opts.ClientOrigin, "/"),
		initialClockMs: opts.InitialClockMs,
		skipAuth:       opts.SkipAuth,
		podID:          uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
	}
	h.routes = h.buildRoutes()

	if h.bus != nil {
		h.bus.SubscribePresence(h.ctx, func(p bus.PubSubPayload) {
			if p.SenderID == h.podID {
				return
			}
			h.deliverToAllLocal(p.Event, p.Payload)
		})
	}
	return h
}

// ServeWs authenticates the request, upgrades it to a WebSocket, registers
// the connection with presence, and starts the client's pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	var claims *auth.CustomClaims
	if h.skipAuth {
		claims = &auth.CustomClaims{
			UserID:   c.DefaultQuery("userId", "dev-user"),
			Username: c.DefaultQuery("username", "Developer"),
			Email:    "dev@localhost",
		}
		logging.Warn(c.Request.Context(), "Auth skipped for connection", zap.String("user_id", claims.UserID))
	} else {
		token := c.Query("token")
		if token == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				token = strings.TrimPrefix(ah, "Bearer ")
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorizedMessage})
			return
		}

		var err error
		claims, err = h.validator.ValidateToken(token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Rejected connection with invalid token", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorizedMessage})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(strings.TrimSpace(allowed))
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
		connID:   uuid.NewString(),
		userID:   claims.UserID,
		username: claims.Username,
		email:    claims.Email,
	}

	metrics.IncConnection()
	h.register(client)

	go client.writePump()
	go client.readPump()
}

// ErrUnauthorizedMessage is the connection-level rejection string.
const ErrUnauthorizedMessage = "Unauthorized"

// register implements the presence connect edge: track the connection, mark
// the user online, re-sync a returning user with their room and game, and
// push the updated online list to everyone.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	conns := h.connsByUser[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.connsByUser[c.userID] = conns

		if h.bus != nil {
			subCtx, cancel := context.WithCancel(h.ctx)
			h.userSubs[c.userID] = cancel
			userID := c.userID
			h.bus.SubscribeUser(subCtx, userID, func(p bus.PubSubPayload) {
				if p.SenderID == h.podID {
					return
				}
				h.deliverToUserLocal(userID, p.Event, p.Payload)
			})
		}
	}
	conns[c] = struct{}{}

	wentOnline := false
	if _, ok := h.online[c.userID]; !ok {
		h.online[c.userID] = PlayerInfo{UserID: c.userID, Username: c.username}
		metrics.OnlineUsers.Inc()
		wentOnline = true
	}
	roomID := h.roomByUser[c.userID]
	room := h.rooms[roomID]
	h.mu.Unlock()

	ctx := c.ctx()
	logging.Info(ctx, "Client connected", zap.String("username", c.username))

	// Re-subscribe a returning user to their room and bring this connection
	// up to date before anyone else hears about it.
	if room != nil {
		c.sendEvent(EventRoomState, h.composeRoomState(room))
		if snap, justEnded, err := room.Snapshot(time.Now()); err == nil {
			c.sendEvent(EventGameState, snap)
			if justEnded {
				// A timeout first observed by the resync still reaches the
				// whole room, not just the returning connection.
				h.broadcastToRoom(ctx, room, EventGameOver, snap)
			}
		}
	}

	h.broadcastPresence(ctx)
	if wentOnline && room != nil {
		h.broadcastToRoom(ctx, room, EventRoomState, h.composeRoomState(room))
	}
}

// handleDisconnect implements the presence disconnect edge. The user keeps
// their room seat; only the connection is forgotten. Going fully offline is
// announced globally and to the user's room.
func (h *Hub) handleDisconnect(c *Client) {
	c.closeSend()

	h.mu.Lock()
	conns := h.connsByUser[c.userID]
	delete(conns, c)

	wentOffline := false
	if len(conns) == 0 {
		delete(h.connsByUser, c.userID)
		if _, ok := h.online[c.userID]; ok {
			delete(h.online, c.userID)
			metrics.OnlineUsers.Dec()
			wentOffline = true
		}
		if cancel, ok := h.userSubs[c.userID]; ok {
			cancel()
			delete(h.userSubs, c.userID)
		}
	}
	roomID := h.roomByUser[c.userID]
	room := h.rooms[roomID]
	h.mu.Unlock()

	ctx := c.ctx()
	logging.Info(ctx, "Client disconnected")

	if wentOffline {
		h.broadcastPresence(ctx)
		if room != nil {
			h.broadcastToRoom(ctx, room, EventRoomState, h.composeRoomState(room))
		}
	}
}

// roomFor resolves the caller's current room through the index.
func (h *Hub) roomFor(userID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.roomByUser[userID]
	if !ok {
		return nil, ErrNotInRoom
	}
	room, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomGone
	}
	return room, nil
}

// composeRoomState merges the room's seating with the hub's online set.
func (h *Hub) composeRoomState(room *Room) RoomState {
	players, colors, status := room.Describe()

	state := RoomState{RoomID: room.ID, Status: status, Players: make([]RoomPlayer, 0, len(players))}
	h.mu.Lock()
	for _, p := range players {
		_, on := h.online[p.UserID]
		state.Players = append(state.Players, RoomPlayer{
			UserID:   p.UserID,
			Username: p.Username,
			Online:   on,
			Color:    colors[p.UserID],
		})
	}
	h.mu.Unlock()
	return state
}

func marshalFrame(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(serverFrame{Event: event, Data: payload})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return data, true
}

// broadcastToRoom fans an event out to every connection of every occupant,
// and mirrors it to other pods through the bus.
func (h *Hub) broadcastToRoom(ctx context.Context, room *Room, event string, payload any) {
	data, ok := marshalFrame(event, payload)
	if !ok {
		return
	}

	ids := room.PlayerIDs()
	h.mu.Lock()
	var targets []*Client
	for _, id := range ids {
		for cl := range h.connsByUser[id] {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()

	for _, cl := range targets {
		cl.enqueue(data)
	}
	_ = h.bus.Publish(ctx, room.ID, event, payload, h.podID)
}

// sendToUser delivers an event to every connection of one user, locally and
// across pods.
func (h *Hub) sendToUser(ctx context.Context, userID string, event string, payload any) {
	data, ok := marshalFrame(event, payload)
	if !ok {
		return
	}

	h.mu.Lock()
	var targets []*Client
	for cl := range h.connsByUser[userID] {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	for _, cl := range targets {
		cl.enqueue(data)
	}
	_ = h.bus.PublishDirect(ctx, userID, event, payload, h.podID)
}

// broadcastPresence pushes the global online list to every local connection
// and the presence channel.
func (h *Hub) broadcastPresence(ctx context.Context) {
	h.mu.Lock()
	list := make([]PlayerInfo, 0, len(h.online))
	for _, p := range h.online {
		list = append(list, p)
	}
	var targets []*Client
	for _, conns := range h.connsByUser {
		for cl := range conns {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()

	data, ok := marshalFrame(EventPresenceOnline, list)
	if !ok {
		return
	}
	for _, cl := range targets {
		cl.enqueue(data)
	}
	_ = h.bus.PublishPresence(ctx, list, h.podID)
}

// deliverToAllLocal relays a bus frame to every local connection.
func (h *Hub) deliverToAllLocal(event string, payload json.RawMessage) {
	data, ok := marshalFrame(event, payload)
	if !ok {
		return
	}
	h.mu.Lock()
	var targets []*Client
	for _, conns := range h.connsByUser {
		for cl := range conns {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	for _, cl := range targets {
		cl.enqueue(data)
	}
}

// deliverToUserLocal relays a bus frame to one user's local connections.
func (h *Hub) deliverToUserLocal(userID, event string, payload json.RawMessage) {
	data, ok := marshalFrame(event, payload)
	if !ok {
		return
	}
	h.mu.Lock()
	var targets []*Client
	for cl := range h.connsByUser[userID] {
		targets = append(targets, cl)
	}
	h.mu.Unlock()
	for _, cl := range targets {
		cl.enqueue(data)
	}
}

// deliverToRoomLocal relays a room-scoped bus frame to local occupants.
func (h *Hub) deliverToRoomLocal(roomID, event string, payload json.RawMessage) {
	h.mu.Lock()
	room := h.rooms[roomID]
	h.mu.Unlock()
	if room == nil {
		return
	}

	data, ok := marshalFrame(event, payload)
	if !ok {
		return
	}
	ids := room.PlayerIDs()
	h.mu.Lock()
	var targets []*Client
	for _, id := range ids {
		for cl := range h.connsByUser[id] {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	for _, cl := range targets {
		cl.enqueue(data)
	}
}

// subscribeRoomLocked starts the bus subscription for a room's channel.
// Caller holds the hub lock.
func (h *Hub) subscribeRoomLocked(roomID string) {
	if h.bus == nil {
		return
	}
	subCtx, cancel := context.WithCancel(h.ctx)
	h.roomSubs[roomID] = cancel
	h.bus.SubscribeRoom(subCtx, roomID, func(p bus.PubSubPayload) {
		if p.SenderID == h.podID {
			return
		}
		h.deliverToRoomLocal(p.RoomID, p.Event, p.Payload)
	})
}

// dropRoomLocked removes a room from the registry and tears down its bus
// subscription. Caller holds the hub lock.
func (h *Hub) dropRoomLocked(roomID string) {
	if _, ok := h.rooms[roomID]; !ok {
		return
	}
	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	if cancel, ok := h.roomSubs[roomID]; ok {
		cancel()
		delete(h.roomSubs, roomID)
	}
}

// Reset clears every registry and closes every connection. Test hook; also
// used by Shutdown.
func (h *Hub) Reset() {
	h.mu.Lock()
	var clients []*Client
	for _, conns := range h.connsByUser {
		for cl := range conns {
			clients = append(clients, cl)
		}
	}
	for _, cancel := range h.roomSubs {
		cancel()
	}
	for _, cancel := range h.userSubs {
		cancel()
	}
	h.rooms = make(map[string]*Room)
	h.roomByUser = make(map[string]string)
	h.connsByUser = make(map[string]map[*Client]struct{})
	h.online = make(map[string]PlayerInfo)
	h.roomSubs = make(map[string]context.CancelFunc)
	h.userSubs = make(map[string]context.CancelFunc)
	h.mu.Unlock()

	for _, cl := range clients {
		cl.closeSend()
		_ = cl.conn.Close()
	}
}

// Shutdown tears the hub down: cancels bus subscriptions and drops every
// live connection.
func (h *Hub) Shutdown() {
	h.cancel()
	h.Reset()
}
