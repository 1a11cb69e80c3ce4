package game

import (
	"context"
	"errors"
	"sync"

	"github.com/plazachess/plaza/internal/rules"
	"github.com/plazachess/plaza/pkg/plazadto"
)

// Session is one client's view of the shared board: a cached committed state
// plus at most one speculative move. ProposeMove is pure and local; Commit is
// the only path that touches the store. A speculative move has no server-side
// existence, so cancelling it is always side-effect free.
type Session struct {
	user    string
	machine *Machine
	rules   *rules.Validator

	mu        sync.Mutex
	committed *Record
	history   []MoveEntry
	pending   *pendingMove
}

type pendingMove struct {
	move    rules.Move
	outcome *rules.Outcome
}

// View is a snapshot handed to the presentation layer. Position prefers the
// speculative result so the UI can render immediate feedback before commit.
type View struct {
	Position  string
	Committed *Record
	Pending   bool
}

func NewSession(machine *Machine, userID string) *Session {
	return &Session{user: userID, machine: machine, rules: machine.rules}
}

// Refresh reloads the committed record and ledger, dropping any speculation.
func (s *Session) Refresh(ctx context.Context) error {
	rec, err := s.machine.Current(ctx)
	if err != nil {
		return err
	}
	history, err := s.machine.History(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = rec
	s.history = history
	s.pending = nil
	return nil
}

// ProposeMove speculatively applies mv to the cached position. It never
// touches shared state; the result is advisory until Commit confirms it.
func (s *Session) ProposeMove(req plazadto.MoveRequest) (*rules.Outcome, error) {
	mv := rules.Move{From: req.From, To: req.To, Promotion: req.Promotion}
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.rules.Apply(ucis(s.history), mv)
	if errors.Is(err, rules.ErrIllegalMove) {
		return nil, plazadto.ErrInvalidMove
	}
	if err != nil {
		return nil, err
	}
	s.pending = &pendingMove{move: mv, outcome: out}
	return out, nil
}

// CancelPendingMove discards the speculation and reverts the view to the last
// committed position.
func (s *Session) CancelPendingMove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// Commit submits the pending move through the authoritative transaction. Any
// rejection clears the speculation so the view falls back to the committed
// position; the caller then refreshes against the store's latest record.
func (s *Session) Commit(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil {
		return nil, plazadto.ErrNoPendingMove
	}

	rec, err := s.machine.CommitMove(ctx, s.user, p.move)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if err != nil {
		return nil, err
	}
	s.committed = rec
	if rec.LastMove != nil {
		s.history = append(s.history, MoveEntry{
			UCI:      rec.LastMove.UCI,
			SAN:      rec.LastMove.SAN,
			Author:   rec.LastMove.Author,
			PlayedAt: rec.UpdatedAt,
		})
	}
	return rec, nil
}

// View returns the current render state, preferring the speculative position.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{Committed: s.committed}
	if s.committed != nil {
		v.Position = s.committed.Position
	}
	if s.pending != nil {
		v.Position = s.pending.outcome.FEN
		v.Pending = true
	}
	return v
}
