package session

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/set"

	"github.com/blitzlink/backend/internal/v1/game"
	"github.com/blitzlink/backend/internal/v1/metrics"
)

// moveRecord is one entry of the per-game move log.
type moveRecord struct {
	From     string
	To       string
	SAN      string
	ByUserID string
	At       time.Time
}

// gameState is everything a single game owns: rules, clock, color
// assignment, the agreed-draw flag, pending offers, and the move log.
// It lives and dies inside a Room and is only touched under the room lock.
type gameState struct {
	rules          *game.Rules
	clock          *game.Clock
	white          PlayerInfo
	black          PlayerInfo
	agreedDraw     bool
	pendingDraw    set.Set[string]
	pendingRematch set.Set[string]
	moves          []moveRecord

	// finished flips once, on the first snapshot that observes a terminal
	// status. It gates the finished-game metrics.
	finished bool
}

func (g *gameState) colorOf(userID string) string {
	switch userID {
	case g.white.UserID:
		return game.White
	case g.black.UserID:
		return game.Black
	default:
		return ""
	}
}

func (g *gameState) seatOf(color string) PlayerInfo {
	if color == game.White {
		return g.white
	}
	return g.black
}

// Room is a single in-memory aggregate: up to two seated players and, while
// both seats are taken, a game. All mutations are serialized by the room
// mutex; concurrent operations on distinct rooms proceed in parallel.
//
// The room knows nothing about connections or presence. The hub resolves
// users to sockets at emission time.
type Room struct {
	ID string

	mu             sync.Mutex
	players        []PlayerInfo
	game           *gameState
	initialClockMs int64
}

// NewRoom creates an empty room.
func NewRoom(id string, initialClockMs int64) *Room {
	return &Room{ID: id, initialClockMs: initialClockMs}
}

func (r *Room) indexOfLocked(userID string) int {
	for i, p := range r.players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// Has reports whether the user occupies a seat in this room.
func (r *Room) Has(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOfLocked(userID) >= 0
}

// Empty reports whether the room has no occupants left.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) == 0
}

// PlayerIDs returns the occupants' user IDs in seating order.
func (r *Room) PlayerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.players))
	for i, p := range r.players {
		ids[i] = p.UserID
	}
	return ids
}

// Describe returns the occupants, their colors in the current game, and the
// room lifecycle status. The hub layers the online flags on top.
func (r *Room) Describe() (players []PlayerInfo, colors map[string]string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	players = make([]PlayerInfo, len(r.players))
	copy(players, r.players)

	colors = make(map[string]string, 2)
	if r.game != nil {
		colors[r.game.white.UserID] = game.White
		colors[r.game.black.UserID] = game.Black
	}

	switch {
	case r.game != nil:
		status = RoomStatusPlaying
	case len(r.players) == 2:
		status = RoomStatusReady
	default:
		status = RoomStatusWaiting
	}
	return players, colors, status
}

// Join seats a user. Reaching two occupants auto-starts a game; the returned
// payload is non-nil exactly then. Joining a room you already occupy is a
// no-op (reconnect path).
func (r *Room) Join(p PlayerInfo, now time.Time) (*GameStartPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOfLocked(p.UserID) >= 0 {
		return nil, nil
	}
	if len(r.players) >= 2 {
		return nil, ErrRoomFull
	}

	r.players = append(r.players, p)
	if len(r.players) == 2 && r.game == nil {
		return r.startGameLocked(now), nil
	}
	return nil, nil
}

// startGameLocked assigns colors by uniform-random permutation over the two
// occupants, arms the clock with white to move, and returns the start
// announcement. Caller holds the lock and has verified both seats are taken.
func (r *Room) startGameLocked(now time.Time) *GameStartPayload {
	i := rand.IntN(2)
	white, black := r.players[i], r.players[1-i]

	clock := game.NewClock(r.initialClockMs)
	clock.Start(now)

	r.game = &gameState{
		rules:          game.NewRules(),
		clock:          clock,
		white:          white,
		black:          black,
		pendingDraw:    set.New[string](),
		pendingRematch: set.New[string](),
	}
	metrics.ActiveGames.Inc()

	return &GameStartPayload{
		RoomID: r.ID,
		White:  white,
		Black:  black,
		FEN:    r.game.rules.FEN(),
		Turn:   game.White,
	}
}

func (r *Room) clearGameLocked() {
	if r.game == nil {
		return
	}
	if !r.game.finished {
		metrics.ActiveGames.Dec()
	}
	r.game = nil
}

// Leave removes a user from the room. If the user was seated in a game that
// is still running, the game is dropped with no forfeit recorded and the
// room returns to waiting. An ended game survives the leave so the remaining
// player keeps the final position, but pending offers are cleared.
func (r *Room) Leave(userID string, now time.Time) (wasSeated bool, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOfLocked(userID)
	if idx < 0 {
		return false, false
	}
	r.players = append(r.players[:idx], r.players[idx+1:]...)

	if g := r.game; g != nil {
		wasSeated = g.colorOf(userID) != ""
		if wasSeated && r.snapshotLocked(now).Status == string(game.TerminationActive) {
			r.clearGameLocked()
		} else {
			g.pendingDraw = set.New[string]()
			g.pendingRematch = set.New[string]()
		}
	}
	return wasSeated, true
}

// Snapshot folds the clock and returns the authoritative game view.
// justEnded is true only on the call that first observes a terminal status,
// so the caller knows to broadcast game:over exactly once.
func (r *Room) Snapshot(now time.Time) (snap GameSnapshot, justEnded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.game == nil {
		return GameSnapshot{}, false, ErrGameNotStarted
	}
	wasFinished := r.game.finished
	snap = r.snapshotLocked(now)
	return snap, !wasFinished && r.game.finished, nil
}

// snapshotLocked recomputes the game status with the termination precedence:
// white timeout, black timeout, agreed draw, then the board-derived states.
// The first terminal observation freezes the clock for good.
func (r *Room) snapshotLocked(now time.Time) GameSnapshot {
	g := r.game
	g.clock.Sample(now)

	var status, winner string
	switch {
	case g.clock.Expired(game.White):
		status, winner = StatusTimeout, game.Black
	case g.clock.Expired(game.Black):
		status, winner = StatusTimeout, game.White
	case g.agreedDraw:
		status = string(game.TerminationDraw)
	default:
		t := g.rules.TerminalState()
		status = string(t)
		if t == game.TerminationCheckmate {
			winner = game.Opposite(g.rules.Turn())
		}
	}

	if status != string(game.TerminationActive) {
		g.clock.Freeze()
		if !g.finished {
			g.finished = true
			metrics.ActiveGames.Dec()
			metrics.GamesFinished.WithLabelValues(status).Inc()
		}
	}

	return GameSnapshot{
		RoomID:      r.ID,
		FEN:         g.rules.FEN(),
		Turn:        g.rules.Turn(),
		IsCheck:     g.rules.InCheck(),
		Status:      status,
		WinnerColor: winner,
		ClockMs:     ClockMs{W: g.clock.Remaining(game.White), B: g.clock.Remaining(game.Black)},
		Players:     GamePlayers{White: g.white, Black: g.black},
	}
}

// ApplyMove validates and applies one move. On success the returned terminal
// snapshot is non-nil iff the move ended the game. A failed validation
// leaves room state untouched, except that discovering the game is already
// over also returns the terminal snapshot so the caller can broadcast it.
func (r *Room) ApplyMove(userID, from, to, promotion string, now time.Time) (MovePayload, *GameSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := prometheus.NewTimer(metrics.MoveProcessingDuration)
	defer timer.ObserveDuration()

	g := r.game
	if g == nil {
		return MovePayload{}, nil, ErrGameNotStarted
	}

	snap := r.snapshotLocked(now)
	if snap.Status != string(game.TerminationActive) {
		return MovePayload{}, &snap, ErrGameOver
	}

	color := g.colorOf(userID)
	if color == "" {
		return MovePayload{}, nil, ErrNotAPlayer
	}
	if g.rules.Turn() != color {
		return MovePayload{}, nil, ErrNotYourTurn
	}

	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if from == "" || to == "" {
		return MovePayload{}, nil, ErrMissingSquares
	}

	res, err := g.rules.Move(from, to, promotion)
	if err != nil {
		return MovePayload{}, nil, ErrIllegalMove
	}

	g.clock.Switch(now)
	g.moves = append(g.moves, moveRecord{From: from, To: to, SAN: res.SAN, ByUserID: userID, At: now})

	payload := MovePayload{
		RoomID: r.ID,
		From:   from,
		To:     to,
		SAN:    res.SAN,
		FEN:    res.FEN,
		Turn:   res.NextTurn,
		By:     g.seatOf(color),
	}

	after := r.snapshotLocked(now)
	if after.Status != string(game.TerminationActive) {
		return payload, &after, nil
	}
	return payload, nil, nil
}

// MoveCount returns the length of the current game's move log.
func (r *Room) MoveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.game == nil {
		return 0
	}
	return len(r.game.moves)
}

// offerResult is the outcome of a draw or rematch transition. The handler
// translates it into acks and broadcasts.
type offerResult struct {
	By       PlayerInfo
	Opponent PlayerInfo

	WaitingFor string
	Accepted   bool
	Declined   bool

	// Accepted draw: the terminal snapshot to broadcast as game:over.
	Snapshot *GameSnapshot

	// Started rematch: the fresh game announcement plus its first snapshot.
	Started       bool
	Start         *GameStartPayload
	StartSnapshot *GameSnapshot
}

// RequestDraw records a draw offer. If the opponent's offer is already
// pending, the two offers meet and the draw is agreed on the spot.
// Repeating an offer is idempotent.
func (r *Room) RequestDraw(userID string, now time.Time) (offerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.game
	if g == nil {
		return offerResult{}, ErrGameNotStarted
	}
	if r.snapshotLocked(now).Status != string(game.TerminationActive) {
		return offerResult{}, ErrGameOver
	}
	color := g.colorOf(userID)
	if color == "" {
		return offerResult{}, ErrNotAPlayer
	}

	by := g.seatOf(color)
	opponent := g.seatOf(game.Opposite(color))

	if g.pendingDraw.Has(opponent.UserID) {
		return r.agreeDrawLocked(by, opponent, now), nil
	}

	g.pendingDraw.Insert(userID)
	return offerResult{By: by, Opponent: opponent, WaitingFor: opponent.UserID}, nil
}

// RespondDraw settles a pending draw offer. Declining clears the pending set
// unconditionally; accepting requires the opponent's offer to be pending.
func (r *Room) RespondDraw(userID string, accept bool, now time.Time) (offerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.game
	if g == nil {
		return offerResult{}, ErrGameNotStarted
	}
	if r.snapshotLocked(now).Status != string(game.TerminationActive) {
		return offerResult{}, ErrGameOver
	}
	color := g.colorOf(userID)
	if color == "" {
		return offerResult{}, ErrNotAPlayer
	}

	by := g.seatOf(color)
	opponent := g.seatOf(game.Opposite(color))

	if !accept {
		g.pendingDraw = set.New[string]()
		return offerResult{By: by, Opponent: opponent, Declined: true}, nil
	}

	if !g.pendingDraw.Has(opponent.UserID) {
		return offerResult{}, ErrNoDrawRequest
	}
	return r.agreeDrawLocked(by, opponent, now), nil
}

func (r *Room) agreeDrawLocked(by, opponent PlayerInfo, now time.Time) offerResult {
	g := r.game
	g.agreedDraw = true
	g.pendingDraw = set.New[string]()
	snap := r.snapshotLocked(now)
	return offerResult{By: by, Opponent: opponent, Accepted: true, Snapshot: &snap}
}

// RequestRematch records a rematch offer after game over. If the opponent's
// offer is already pending the old game is discarded and a fresh one starts
// with re-randomized colors.
func (r *Room) RequestRematch(userID string, now time.Time) (offerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.game
	if g == nil {
		return offerResult{}, ErrGameNotStarted
	}
	if r.snapshotLocked(now).Status == string(game.TerminationActive) {
		return offerResult{}, ErrRematchAfterGameOver
	}
	color := g.colorOf(userID)
	if color == "" {
		return offerResult{}, ErrOnlyPlayersRequestRematch
	}

	by := g.seatOf(color)
	opponent := g.seatOf(game.Opposite(color))
	if r.indexOfLocked(opponent.UserID) < 0 {
		return offerResult{}, ErrOpponentGone
	}

	if g.pendingRematch.Has(opponent.UserID) {
		return r.startRematchLocked(by, opponent, now), nil
	}

	g.pendingRematch.Insert(userID)
	return offerResult{By: by, Opponent: opponent, WaitingFor: opponent.UserID}, nil
}

// RespondRematch settles a pending rematch offer. Accepting starts the new
// game immediately since the opponent's offer is required to be pending.
func (r *Room) RespondRematch(userID string, accept bool, now time.Time) (offerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.game
	if g == nil {
		return offerResult{}, ErrGameNotStarted
	}
	if r.snapshotLocked(now).Status == string(game.TerminationActive) {
		return offerResult{}, ErrRematchAfterGameOver
	}
	color := g.colorOf(userID)
	if color == "" {
		return offerResult{}, ErrOnlyPlayersRespondRematch
	}

	by := g.seatOf(color)
	opponent := g.seatOf(game.Opposite(color))
	if r.indexOfLocked(opponent.UserID) < 0 {
		return offerResult{}, ErrOpponentGone
	}
	if !g.pendingRematch.Has(opponent.UserID) {
		return offerResult{}, ErrNoRematchRequest
	}

	if !accept {
		g.pendingRematch = set.New[string]()
		return offerResult{By: by, Opponent: opponent, Declined: true}, nil
	}
	return r.startRematchLocked(by, opponent, now), nil
}

func (r *Room) startRematchLocked(by, opponent PlayerInfo, now time.Time) offerResult {
	r.clearGameLocked()
	start := r.startGameLocked(now)
	snap := r.snapshotLocked(now)
	return offerResult{
		By:            by,
		Opponent:      opponent,
		Started:       true,
		Start:         start,
		StartSnapshot: &snap,
	}
}
