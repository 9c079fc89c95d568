// Package session is the real-time core of the chess server: the socket
// gateway, the room registry, presence tracking, and the per-room game state
// machine. Rooms are independent serialization domains; the hub owns the
// global registries and translates user IDs to live connections at emission
// time.
package session

import "encoding/json"

// Client -> server events. Every one of these carries an ack.
const (
	EventRoomCreate     = "room:create"
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventRoomState      = "room:state"
	EventGameState      = "game:state"
	EventChessMove      = "chess:move"
	EventInviteSend     = "invite:send"
	EventRematchRequest = "game:rematch:request"
	EventRematchRespond = "game:rematch:respond"
	EventDrawRequest    = "game:draw:request"
	EventDrawRespond    = "game:draw:respond"
)

// Server -> client push events.
const (
	EventPresenceOnline   = "presence:online"
	EventRoomError        = "room:error"
	EventGameStart        = "game:start"
	EventGameOver         = "game:over"
	EventRematchRequested = "game:rematch:requested"
	EventRematchStatus    = "game:rematch:status"
	EventDrawRequested    = "game:draw:requested"
	EventDrawStatus       = "game:draw:status"
	EventInviteReceived   = "invite:received"

	// eventAck is the reserved frame type for request/response correlation.
	eventAck = "ack"
)

// Room lifecycle statuses as shown to clients.
const (
	RoomStatusWaiting = "waiting"
	RoomStatusReady   = "ready"
	RoomStatusPlaying = "playing"
)

// StatusTimeout is the one terminal status the rules engine cannot produce;
// it is derived from the clock at snapshot time.
const StatusTimeout = "timeout"

// Offer protocol statuses carried by game:draw:status and game:rematch:status.
const (
	OfferRequested = "requested"
	OfferAccepted  = "accepted"
	OfferDeclined  = "declined"
	OfferStarted   = "started"
)

// PlayerInfo is the public identity of a user: what the directory stores and
// what every payload that names a user carries.
type PlayerInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RoomPlayer is a seat in a RoomState: identity plus liveness plus the color
// held in the current game, if any.
type RoomPlayer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Color    string `json:"color,omitempty"`
}

// RoomState is the room as clients render it.
type RoomState struct {
	RoomID  string       `json:"roomId"`
	Players []RoomPlayer `json:"players"`
	Status  string       `json:"status"`
}

// ClockMs is the per-side remaining budget in milliseconds.
type ClockMs struct {
	W int64 `json:"w"`
	B int64 `json:"b"`
}

// GamePlayers names the two seats of a game.
type GamePlayers struct {
	White PlayerInfo `json:"white"`
	Black PlayerInfo `json:"black"`
}

// GameSnapshot is the authoritative view of game + clock + terminal status at
// one moment. Clients reconstruct the board from the FEN.
type GameSnapshot struct {
	RoomID      string      `json:"roomId"`
	FEN         string      `json:"fen"`
	Turn        string      `json:"turn"`
	IsCheck     bool        `json:"isCheck"`
	Status      string      `json:"status"`
	WinnerColor string      `json:"winnerColor,omitempty"`
	ClockMs     ClockMs     `json:"clockMs"`
	Players     GamePlayers `json:"players"`
}

// MovePayload describes one applied move, broadcast as chess:move and
// returned in the mover's ack.
type MovePayload struct {
	RoomID string     `json:"roomId"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	SAN    string     `json:"san"`
	FEN    string     `json:"fen"`
	Turn   string     `json:"turn"`
	By     PlayerInfo `json:"by"`
}

// GameStartPayload announces a new game with its color assignment.
type GameStartPayload struct {
	RoomID string     `json:"roomId"`
	White  PlayerInfo `json:"white"`
	Black  PlayerInfo `json:"black"`
	FEN    string     `json:"fen"`
	Turn   string     `json:"turn"`
}

// OfferRequestedPayload is delivered only to the opponent's socket set.
type OfferRequestedPayload struct {
	From PlayerInfo `json:"from"`
}

// OfferStatusPayload is the room-wide view of a draw or rematch offer.
type OfferStatusPayload struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	By      *PlayerInfo `json:"by,omitempty"`
}

// InvitePayload is delivered to every connection of the invited user.
type InvitePayload struct {
	From       PlayerInfo `json:"from"`
	RoomID     string     `json:"roomId"`
	InviteLink string     `json:"inviteLink"`
}

// InviteAck is returned to the inviter.
type InviteAck struct {
	RoomID     string `json:"roomId"`
	InviteLink string `json:"inviteLink"`
}

// ErrorPayload carries room:error messages.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DrawAck acknowledges game:draw:request and game:draw:respond. Accepted is
// nil while the offer is still pending the opponent's answer.
type DrawAck struct {
	WaitingFor string `json:"waitingFor,omitempty"`
	Accepted   *bool  `json:"accepted,omitempty"`
}

// RematchAck acknowledges game:rematch:request and game:rematch:respond.
// Started is nil while the offer is still pending the opponent's answer.
type RematchAck struct {
	WaitingFor string `json:"waitingFor,omitempty"`
	Started    *bool  `json:"started,omitempty"`
}

func boolRef(b bool) *bool { return &b }

// clientFrame is an inbound message. ID correlates the ack; a frame without
// an ID is fire-and-forget.
type clientFrame struct {
	ID    *uint64         `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// serverFrame is an outbound message: a push (no ID) or an ack.
type serverFrame struct {
	ID    *uint64 `json:"id,omitempty"`
	Event string  `json:"event"`
	Data  any     `json:"data,omitempty"`
}

// ackBody is the discriminated result of every acknowledged event.
type ackBody struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
