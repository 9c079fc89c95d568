package session

import "errors"

// User-facing errors. The exact phrasings are part of the client contract:
// they travel verbatim in acks and the frontend matches on them.
var (
	// Room membership.
	ErrNotInRoom         = errors.New("You are not in a room")
	ErrAlreadyInRoom     = errors.New("You are already in a room")
	ErrLeaveCurrentFirst = errors.New("Leave your current room first")
	ErrRoomNotFound      = errors.New("Room not found")
	ErrRoomFull          = errors.New("Room is full")
	ErrRoomGone          = errors.New("Room no longer exists")
	ErrInvalidRoom       = errors.New("Invalid room")

	// Game state.
	ErrGameNotStarted = errors.New("Game not started")
	ErrGameOver       = errors.New("Game is already over")
	ErrNotAPlayer     = errors.New("You are not a player in this game")
	ErrNotYourTurn    = errors.New("Not your turn")
	ErrIllegalMove    = errors.New("Illegal move")
	ErrMissingSquares = errors.New("Move must include from and to squares")

	// Side protocols.
	ErrRematchAfterGameOver      = errors.New("Rematch is only available after game over")
	ErrNoRematchRequest          = errors.New("No rematch request to respond to")
	ErrOnlyPlayersRequestRematch = errors.New("Only players can request rematch")
	ErrOnlyPlayersRespondRematch = errors.New("Only players can respond to rematch")
	ErrOpponentGone              = errors.New("Opponent is no longer in the room")
	ErrNoDrawRequest             = errors.New("No draw request to respond to")

	// Invites.
	ErrMissingTarget     = errors.New("Missing target user")
	ErrInviteSelf        = errors.New("You cannot invite yourself")
	ErrCreateOrJoinFirst = errors.New("Create or join a room first")
	ErrNotInThatRoom     = errors.New("You are not in that room")
	ErrNotFriend         = errors.New("You can only invite users from your friend list")
	ErrFriendOffline     = errors.New("Friend is offline")
)
