package game

import (
	"errors"
	"strings"

	"github.com/notnil/chess"
)

// Color strings as they appear on the wire and in FEN.
const (
	White = "w"
	Black = "b"
)

// Termination is the board-derived game status. Clock expiry and agreed
// draws are layered on top by the room, not the rules engine.
type Termination string

const (
	TerminationActive               Termination = "active"
	TerminationCheckmate            Termination = "checkmate"
	TerminationStalemate            Termination = "stalemate"
	TerminationInsufficientMaterial Termination = "insufficient_material"
	TerminationThreefoldRepetition  Termination = "threefold_repetition"
	TerminationDraw                 Termination = "draw"
)

// ErrIllegalMove is the single error surface of the adapter: every rejected,
// malformed or engine-faulted move maps to it.
var ErrIllegalMove = errors.New("illegal move")

// MoveResult describes a successfully applied move.
type MoveResult struct {
	SAN      string
	FEN      string
	NextTurn string
}

// Rules wraps the chess engine with the narrow interface the session layer
// needs. Deterministic and pure; not safe for concurrent use.
type Rules struct {
	game *chess.Game
	// whether the side to move is currently in check, tracked from move tags
	inCheck bool
}

// NewRules starts a fresh game from the standard initial position.
func NewRules() *Rules {
	return &Rules{game: chess.NewGame()}
}

// Turn returns the side to move, "w" or "b".
func (r *Rules) Turn() string {
	return r.game.Position().Turn().String()
}

// InCheck reports whether the side to move is in check.
func (r *Rules) InCheck() bool {
	return r.inCheck
}

// FEN serializes the current position for client reconstruction.
func (r *Rules) FEN() string {
	return r.game.Position().String()
}

// Move applies a move given as two algebraic squares plus an optional
// promotion piece letter. Inputs are trimmed and lowercased. A pawn reaching
// the last rank with no promotion given promotes to a queen.
//
// Any engine error or panic is converted to ErrIllegalMove; nothing
// propagates past this boundary.
func (r *Rules) Move(from, to, promotion string) (res MoveResult, err error) {
	defer func() {
		if recover() != nil {
			res, err = MoveResult{}, ErrIllegalMove
		}
	}()

	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promo := strings.ToLower(strings.TrimSpace(promotion))

	pos := r.game.Position()

	// UCI decoding only resolves squares; legality, promotion defaulting and
	// the check tag all come from the position's own move list.
	decoded, decodeErr := chess.UCINotation{}.Decode(pos, from+to+promo)
	if decodeErr != nil {
		return MoveResult{}, ErrIllegalMove
	}

	move := matchValidMove(pos, decoded)
	if move == nil {
		return MoveResult{}, ErrIllegalMove
	}

	san := chess.AlgebraicNotation{}.Encode(pos, move)

	if moveErr := r.game.Move(move); moveErr != nil {
		return MoveResult{}, ErrIllegalMove
	}

	r.inCheck = move.HasTag(chess.Check)

	return MoveResult{
		SAN:      san,
		FEN:      r.game.Position().String(),
		NextTurn: r.game.Position().Turn().String(),
	}, nil
}

// matchValidMove resolves a decoded square pair against the legal moves of
// the position. A pawn reaching the last rank with no promotion piece given
// resolves to the queen promotion.
func matchValidMove(pos *chess.Position, decoded *chess.Move) *chess.Move {
	for _, m := range pos.ValidMoves() {
		if m.S1() != decoded.S1() || m.S2() != decoded.S2() {
			continue
		}
		if decoded.Promo() == chess.NoPieceType {
			if m.Promo() != chess.NoPieceType && m.Promo() != chess.Queen {
				continue
			}
		} else if m.Promo() != decoded.Promo() {
			continue
		}
		return m
	}
	return nil
}

// TerminalState classifies the current position. Threefold repetition is a
// claimable draw in the engine; the session treats it as terminal, so it is
// folded in here.
func (r *Rules) TerminalState() Termination {
	switch r.game.Outcome() {
	case chess.NoOutcome:
		for _, m := range r.game.EligibleDraws() {
			if m == chess.ThreefoldRepetition {
				return TerminationThreefoldRepetition
			}
		}
		return TerminationActive

	case chess.Draw:
		switch r.game.Method() {
		case chess.Stalemate:
			return TerminationStalemate
		case chess.InsufficientMaterial:
			return TerminationInsufficientMaterial
		case chess.ThreefoldRepetition:
			return TerminationThreefoldRepetition
		default:
			return TerminationDraw
		}

	default:
		// WhiteWon or BlackWon; only checkmate reaches here, resignation and
		// timeout are session-level outcomes.
		return TerminationCheckmate
	}
}

// Opposite returns the other color.
func Opposite(side string) string {
	if side == White {
		return Black
	}
	return White
}
