// Package rules wraps the chess rule engine behind a small, pure surface:
// apply a candidate move to a move history, detect terminal positions, and
// compute the result label of a finished game. Nothing here touches storage.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the initial position every game begins from.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove reports a move the rule engine rejects for the given position.
var ErrIllegalMove = errors.New("illegal move")

// Move is a candidate move in coordinate form. Promotion is the lowercase
// piece letter ("q", "r", "b", "n") or empty.
type Move struct {
	From      string
	To        string
	Promotion string
}

// UCI renders the move in UCI notation (e2e4, e7e8q).
func (m Move) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

// TerminalReason classifies why a position ended the game.
type TerminalReason string

const (
	ReasonCheckmate            TerminalReason = "checkmate"
	ReasonStalemate            TerminalReason = "stalemate"
	ReasonRepetition           TerminalReason = "repetition"
	ReasonInsufficientMaterial TerminalReason = "insufficient_material"
	ReasonMoveRule             TerminalReason = "move_rule"
	ReasonDraw                 TerminalReason = "draw"
)

// Result is the computed outcome of a terminal position.
type Result struct {
	Label  string // "white loses", "black loses", "draw"
	Winner string // "white", "black", or "" on draw
	Reason TerminalReason
}

// Outcome is the effect of applying one move.
type Outcome struct {
	FEN      string
	UCI      string
	SAN      string
	Terminal bool
	Result   Result // zero value unless Terminal
}

// Validator applies moves and inspects positions. Stateless and safe for
// concurrent use.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Apply replays history from the start position and applies mv on top.
// Returns ErrIllegalMove when the rule engine rejects the move.
func (v *Validator) Apply(history []string, mv Move) (*Outcome, error) {
	game, err := rebuild(history)
	if err != nil {
		return nil, err
	}
	uci := mv.UCI()
	if uci == "" {
		return nil, ErrIllegalMove
	}
	pos := game.Position()
	decoded, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, ErrIllegalMove
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return nil, ErrIllegalMove
	}
	out := &Outcome{
		FEN: game.FEN(),
		UCI: uci,
		SAN: nchess.AlgebraicNotation{}.Encode(pos, decoded),
	}
	out.Terminal, out.Result = resultOf(game)
	return out, nil
}

// Replay returns the FEN reached by replaying the full history from the start
// position. An empty history yields StartFEN.
func (v *Validator) Replay(history []string) (string, error) {
	game, err := rebuild(history)
	if err != nil {
		return "", err
	}
	return game.FEN(), nil
}

// ReplayPrefix replays only the first k entries.
func (v *Validator) ReplayPrefix(history []string, k int) (string, error) {
	if k < 0 || k > len(history) {
		return "", fmt.Errorf("replay prefix %d out of range 0..%d", k, len(history))
	}
	return v.Replay(history[:k])
}

// Terminal reports whether the position after the full history ends the game,
// and if so the computed result.
func (v *Validator) Terminal(history []string) (bool, Result, error) {
	game, err := rebuild(history)
	if err != nil {
		return false, Result{}, err
	}
	term, res := resultOf(game)
	return term, res, nil
}

func rebuild(history []string) (*nchess.Game, error) {
	// Always rebuild from the start position. Applying stored moves onto a
	// cached FEN loses repetition and move-rule counters.
	game := nchess.NewGame()
	for i, uci := range history {
		if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i, uci, err)
		}
	}
	return game, nil
}

func resultOf(game *nchess.Game) (bool, Result) {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return true, Result{Label: "black loses", Winner: "white", Reason: reasonOf(game)}
	case nchess.BlackWon:
		return true, Result{Label: "white loses", Winner: "black", Reason: reasonOf(game)}
	case nchess.Draw:
		return true, Result{Label: "draw", Reason: reasonOf(game)}
	default:
		return false, Result{}
	}
}

func reasonOf(game *nchess.Game) TerminalReason {
	switch strings.ToLower(game.Method().String()) {
	case "checkmate":
		return ReasonCheckmate
	case "stalemate":
		return ReasonStalemate
	case "threefoldrepetition", "fivefoldrepetition":
		return ReasonRepetition
	case "insufficientmaterial":
		return ReasonInsufficientMaterial
	case "fiftymoverule", "seventyfivemoverule":
		return ReasonMoveRule
	default:
		return ReasonDraw
	}
}
