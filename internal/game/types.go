// Package game owns the single authoritative match: the live game record, the
// append-only move ledger, the commit transaction that advances both while
// debiting tokens, and the archival pipeline that snapshots finished games.
package game

import (
	"time"
)

// Record is the singleton live game document. Position is always the replay of
// the full ledger from the start position; the two are only ever written
// together inside one transaction.
type Record struct {
	Position  string    `json:"position"`
	LastMove  *LastMove `json:"last_move,omitempty"`
	LockUntil time.Time `json:"lock_until"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the post-move debounce window is still open.
func (r *Record) Locked(now time.Time) bool {
	return r != nil && now.Before(r.LockUntil)
}

// LastMove describes the most recently committed move.
type LastMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	Author    string `json:"author"`
}

// MoveEntry is one accepted move in the ledger. PlayedAt is assigned from the
// server clock at commit time, never from the client.
type MoveEntry struct {
	UCI      string    `json:"uci"`
	SAN      string    `json:"san"`
	Author   string    `json:"author"`
	PlayedAt time.Time `json:"played_at"`
}

// Archive is an immutable snapshot of a completed game. Written exactly once
// by the archival transaction and never mutated.
type Archive struct {
	ID            string      `json:"id"`
	FinalPosition string      `json:"final_position"`
	Moves         []MoveEntry `json:"moves"`
	EndedAt       time.Time   `json:"ended_at"`
	LastAuthor    string      `json:"last_author"`
	Result        string      `json:"result"`
	Reason        string      `json:"reason"`
	Status        string      `json:"status"`
}

// ArchiveStatusCompleted is the only status an Archive is ever written with.
const ArchiveStatusCompleted = "completed"

func ucis(entries []MoveEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UCI
	}
	return out
}
