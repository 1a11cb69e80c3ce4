// Package presenter renders core events and rejections into user-facing text
// through the message catalog, without coupling the core to any UI.
package presenter

import (
	"errors"
	"fmt"

	"github.com/plazachess/plaza/internal/game"
	"github.com/plazachess/plaza/internal/msgcat"
	"github.com/plazachess/plaza/pkg/plazadto"
)

// Formatter turns feed events and DomainErrors into display strings.
type Formatter struct {
	cat *msgcat.Catalog
}

func NewFormatter(cat *msgcat.Catalog) *Formatter {
	return &Formatter{cat: cat}
}

// MoveAccepted renders the confirmation line for an accepted move.
func (f *Formatter) MoveAccepted(entry *game.MoveEntry) string {
	if entry == nil {
		return ""
	}
	out, err := f.cat.Render("move.accepted", map[string]string{
		"Author": entry.Author,
		"SAN":    entry.SAN,
	})
	if err != nil {
		return fmt.Sprintf("%s played %s", entry.Author, entry.SAN)
	}
	return out
}

// Archived renders the end-of-game announcement.
func (f *Formatter) Archived(a *game.Archive) string {
	if a == nil {
		return ""
	}
	out, err := f.cat.Render("game.archived", map[string]string{"Result": a.Result})
	if err != nil {
		return fmt.Sprintf("Game over: %s.", a.Result)
	}
	return out
}

// Reset renders the new-game line published after archival.
func (f *Formatter) Reset() string {
	out, err := f.cat.Render("game.reset", nil)
	if err != nil {
		return "A new game has started."
	}
	return out
}

// Balance renders a token balance line.
func (f *Formatter) Balance(balance int64) string {
	out, err := f.cat.Render("tokens.balance", map[string]int64{"Balance": balance})
	if err != nil {
		return fmt.Sprintf("You have %d tokens.", balance)
	}
	return out
}

// Rejection maps a commit failure to its catalog message. Unknown errors fall
// back to the error text itself.
func (f *Formatter) Rejection(err error) string {
	key := ""
	switch {
	case errors.Is(err, plazadto.ErrInvalidMove):
		key = "move.invalid"
	case errors.Is(err, plazadto.ErrBoardLocked):
		key = "move.locked"
	case errors.Is(err, plazadto.ErrInsufficientTokens):
		key = "move.no_tokens"
	case errors.Is(err, plazadto.ErrTransactionConflict):
		key = "move.conflict"
	}
	if key == "" {
		if err != nil {
			return err.Error()
		}
		return ""
	}
	out, rerr := f.cat.Render(key, nil)
	if rerr != nil {
		return err.Error()
	}
	return out
}
