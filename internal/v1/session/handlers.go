package session

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/metrics"
)

// handlerFunc is one entry of the dispatch table. The returned value goes
// into the ack's data field; a returned error becomes {ok:false, error}.
type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

func (h *Hub) buildRoutes() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventRoomCreate:     h.handleRoomCreate,
		EventRoomJoin:       h.handleRoomJoin,
		EventRoomLeave:      h.handleRoomLeave,
		EventRoomState:      h.handleRoomState,
		EventGameState:      h.handleGameState,
		EventChessMove:      h.handleMove,
		EventInviteSend:     h.handleInviteSend,
		EventRematchRequest: h.handleRematchRequest,
		EventRematchRespond: h.handleRematchRespond,
		EventDrawRequest:    h.handleDrawRequest,
		EventDrawRespond:    h.handleDrawRespond,
	}
}

// dispatch routes one inbound frame. Every frame carrying an ID is answered
// exactly once, success or failure.
func (h *Hub) dispatch(ctx context.Context, c *Client, frame *clientFrame) {
	handler, ok := h.routes[frame.Event]
	if !ok {
		metrics.SocketEvents.WithLabelValues(frame.Event, "unknown").Inc()
		if frame.ID != nil {
			c.sendAck(*frame.ID, ackBody{OK: false, Error: "Unknown event"})
		}
		return
	}

	result, err := handler(ctx, c, frame.Data)
	if err != nil {
		metrics.SocketEvents.WithLabelValues(frame.Event, "error").Inc()
		logging.Debug(ctx, "Event rejected", zap.String("event", frame.Event), zap.String("reason", err.Error()))
		if frame.ID != nil {
			c.sendAck(*frame.ID, ackBody{OK: false, Error: err.Error()})
		}
		return
	}

	metrics.SocketEvents.WithLabelValues(frame.Event, "ok").Inc()
	if frame.ID != nil {
		c.sendAck(*frame.ID, ackBody{OK: true, Data: result})
	}
}

func (c *Client) playerInfo() PlayerInfo {
	return PlayerInfo{UserID: c.userID, Username: c.username}
}

// announceStart broadcasts a new game to the room: the start event, the
// first snapshot, and the updated seating.
func (h *Hub) announceStart(ctx context.Context, room *Room, start *GameStartPayload, snap *GameSnapshot) {
	h.broadcastToRoom(ctx, room, EventGameStart, *start)
	if snap != nil {
		h.broadcastToRoom(ctx, room, EventGameState, *snap)
	}
	h.broadcastToRoom(ctx, room, EventRoomState, h.composeRoomState(room))
}

func (h *Hub) handleRoomCreate(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ErrInvalidRoom
		}
	}

	id := strings.ToUpper(strings.TrimSpace(p.RoomID))
	if id != "" && !roomIDPattern.MatchString(id) {
		return nil, ErrInvalidRoom
	}

	h.mu.Lock()
	if _, ok := h.roomByUser[c.userID]; ok {
		h.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	if id == "" {
		id = newRoomID()
	}
	// A taken seed is not an error: retry with fresh IDs.
	for {
		existing, ok := h.rooms[id]
		if !ok || existing.Empty() {
			break
		}
		id = newRoomID()
	}
	room, ok := h.rooms[id]
	if !ok {
		room = NewRoom(id, h.initialClockMs)
		h.rooms[id] = room
		metrics.ActiveRooms.Inc()
		h.subscribeRoomLocked(id)
	}
	h.roomByUser[c.userID] = id
	h.mu.Unlock()

	if _, err := room.Join(c.playerInfo(), time.Now()); err != nil {
		h.mu.Lock()
		delete(h.roomByUser, c.userID)
		h.mu.Unlock()
		return nil, err
	}

	ctx = context.WithValue(ctx, logging.RoomIDKey, id)
	logging.Info(ctx, "Room created")

	state := h.composeRoomState(room)
	h.broadcastToRoom(ctx, room, EventRoomState, state)
	return state, nil
}

func (h *Hub) handleRoomJoin(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrInvalidRoom
	}
	id := strings.ToUpper(strings.TrimSpace(p.RoomID))
	if id == "" {
		return nil, ErrInvalidRoom
	}

	h.mu.Lock()
	current, inRoom := h.roomByUser[c.userID]
	if inRoom && current != id {
		h.mu.Unlock()
		return nil, ErrLeaveCurrentFirst
	}
	room, ok := h.rooms[id]
	if !ok {
		h.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	h.roomByUser[c.userID] = id
	h.mu.Unlock()

	now := time.Now()
	start, err := room.Join(c.playerInfo(), now)
	if err != nil {
		h.mu.Lock()
		if !inRoom {
			delete(h.roomByUser, c.userID)
		}
		h.mu.Unlock()
		return nil, err
	}

	ctx = context.WithValue(ctx, logging.RoomIDKey, id)
	logging.Info(ctx, "User joined room")

	state := h.composeRoomState(room)
	h.broadcastToRoom(ctx, room, EventRoomState, state)

	if start != nil {
		snap, _, snapErr := room.Snapshot(now)
		if snapErr == nil {
			h.announceStart(ctx, room, start, &snap)
		} else {
			h.announceStart(ctx, room, start, nil)
		}
		// Seating changed when colors were assigned.
		state = h.composeRoomState(room)
	}
	return state, nil
}

func (h *Hub) handleRoomLeave(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	h.mu.Lock()
	id, ok := h.roomByUser[c.userID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrNotInRoom
	}
	room := h.rooms[id]
	delete(h.roomByUser, c.userID)
	h.mu.Unlock()

	if room == nil {
		return nil, nil
	}

	ctx = context.WithValue(ctx, logging.RoomIDKey, id)
	wasSeated, _ := room.Leave(c.userID, time.Now())

	if room.Empty() {
		h.mu.Lock()
		if h.rooms[id] == room && room.Empty() {
			h.dropRoomLocked(id)
		}
		h.mu.Unlock()
		logging.Info(ctx, "Room destroyed")
		return nil, nil
	}

	if wasSeated {
		h.broadcastToRoom(ctx, room, EventRoomError, ErrorPayload{Message: c.username + " left the room"})
	}
	h.broadcastToRoom(ctx, room, EventRoomState, h.composeRoomState(room))
	logging.Info(ctx, "User left room")
	return nil, nil
}

func (h *Hub) handleRoomState(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	return h.composeRoomState(room), nil
}

func (h *Hub) handleGameState(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}

	snap, justEnded, err := room.Snapshot(time.Now())
	if err != nil {
		return nil, err
	}
	if justEnded {
		// Timeout discovered by a read: everyone learns at once.
		h.broadcastToRoom(ctx, room, EventGameOver, snap)
	}
	return snap, nil
}

func (h *Hub) handleMove(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		RoomID    string `json:"roomId"`
		From      string `json:"from"`
		To        string `json:"to"`
		Promotion string `json:"promotion"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrMissingSquares
	}

	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, room.ID)

	move, terminal, err := room.ApplyMove(c.userID, p.From, p.To, p.Promotion, time.Now())
	if err != nil {
		if err == ErrGameOver && terminal != nil {
			h.broadcastToRoom(ctx, room, EventGameOver, *terminal)
		}
		return nil, err
	}

	h.broadcastToRoom(ctx, room, EventChessMove, move)
	if terminal != nil {
		h.broadcastToRoom(ctx, room, EventGameOver, *terminal)
		logging.Info(ctx, "Game finished", zap.String("status", terminal.Status))
	}
	return move, nil
}

func (h *Hub) handleInviteSend(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		ToUserID string `json:"toUserId"`
		RoomID   string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrMissingTarget
	}

	to := strings.TrimSpace(p.ToUserID)
	if to == "" {
		return nil, ErrMissingTarget
	}
	if to == c.userID {
		return nil, ErrInviteSelf
	}

	seeded := strings.TrimSpace(p.RoomID) != ""
	h.mu.Lock()
	id := strings.ToUpper(strings.TrimSpace(p.RoomID))
	if id == "" {
		id = h.roomByUser[c.userID]
	}
	room := h.rooms[id]
	h.mu.Unlock()

	if id == "" {
		return nil, ErrCreateOrJoinFirst
	}
	if room == nil {
		if seeded {
			return nil, ErrNotInThatRoom
		}
		return nil, ErrCreateOrJoinFirst
	}
	if !room.Has(c.userID) {
		return nil, ErrNotInThatRoom
	}

	// Friendship lookup stays outside any lock: it is the one piece of
	// blocking I/O on this path.
	if h.friends == nil {
		return nil, ErrNotFriend
	}
	accepted, err := h.friends.AreFriends(ctx, c.userID, to)
	if err != nil {
		logging.Warn(ctx, "Friendship lookup failed, rejecting invite", zap.Error(err))
		return nil, ErrNotFriend
	}
	if !accepted {
		return nil, ErrNotFriend
	}

	h.mu.Lock()
	_, online := h.online[to]
	h.mu.Unlock()
	if !online {
		return nil, ErrFriendOffline
	}

	link := h.clientOrigin + "/?room=" + url.QueryEscape(id)
	h.sendToUser(ctx, to, EventInviteReceived, InvitePayload{
		From:       c.playerInfo(),
		RoomID:     id,
		InviteLink: link,
	})
	logging.Info(ctx, "Invite delivered", zap.String("to_user_id", to), zap.String("room_id", id))

	return InviteAck{RoomID: id, InviteLink: link}, nil
}

func (h *Hub) handleDrawRequest(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, room.ID)

	res, err := room.RequestDraw(c.userID, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Accepted {
		h.broadcastDrawAccepted(ctx, room, res)
		return DrawAck{Accepted: boolRef(true)}, nil
	}

	h.sendToUser(ctx, res.Opponent.UserID, EventDrawRequested, OfferRequestedPayload{From: res.By})
	h.broadcastToRoom(ctx, room, EventDrawStatus, OfferStatusPayload{
		Status:  OfferRequested,
		Message: res.By.Username + " offered a draw",
		By:      &res.By,
	})
	return DrawAck{WaitingFor: res.WaitingFor}, nil
}

func (h *Hub) handleDrawRespond(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		Accept bool `json:"accept"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}

	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, room.ID)

	res, err := room.RespondDraw(c.userID, p.Accept, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Declined {
		h.broadcastToRoom(ctx, room, EventDrawStatus, OfferStatusPayload{
			Status:  OfferDeclined,
			Message: res.By.Username + " declined the draw",
			By:      &res.By,
		})
		return DrawAck{Accepted: boolRef(false)}, nil
	}

	h.broadcastDrawAccepted(ctx, room, res)
	return DrawAck{Accepted: boolRef(true)}, nil
}

func (h *Hub) broadcastDrawAccepted(ctx context.Context, room *Room, res offerResult) {
	h.broadcastToRoom(ctx, room, EventDrawStatus, OfferStatusPayload{
		Status:  OfferAccepted,
		Message: "Draw agreed",
		By:      &res.By,
	})
	if res.Snapshot != nil {
		h.broadcastToRoom(ctx, room, EventGameOver, *res.Snapshot)
	}
	logging.Info(ctx, "Game drawn by agreement")
}

func (h *Hub) handleRematchRequest(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, room.ID)

	res, err := room.RequestRematch(c.userID, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Started {
		h.broadcastRematchStarted(ctx, room, res)
		return RematchAck{Started: boolRef(true)}, nil
	}

	h.sendToUser(ctx, res.Opponent.UserID, EventRematchRequested, OfferRequestedPayload{From: res.By})
	h.broadcastToRoom(ctx, room, EventRematchStatus, OfferStatusPayload{
		Status:  OfferRequested,
		Message: res.By.Username + " wants a rematch",
		By:      &res.By,
	})
	return RematchAck{WaitingFor: res.WaitingFor}, nil
}

func (h *Hub) handleRematchRespond(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var p struct {
		Accept bool `json:"accept"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}

	room, err := h.roomFor(c.userID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, room.ID)

	res, err := room.RespondRematch(c.userID, p.Accept, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Declined {
		h.broadcastToRoom(ctx, room, EventRematchStatus, OfferStatusPayload{
			Status:  OfferDeclined,
			Message: res.By.Username + " declined the rematch",
			By:      &res.By,
		})
		return RematchAck{Started: boolRef(false)}, nil
	}

	h.broadcastRematchStarted(ctx, room, res)
	return RematchAck{Started: boolRef(true)}, nil
}

func (h *Hub) broadcastRematchStarted(ctx context.Context, room *Room, res offerResult) {
	h.broadcastToRoom(ctx, room, EventRematchStatus, OfferStatusPayload{
		Status:  OfferStarted,
		Message: "Rematch started",
	})
	if res.Start != nil {
		h.announceStart(ctx, room, res.Start, res.StartSnapshot)
	}
	logging.Info(ctx, "Rematch started")
}
