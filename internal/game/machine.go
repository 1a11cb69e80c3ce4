package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/accounts"
	"github.com/plazachess/plaza/internal/obslog"
	"github.com/plazachess/plaza/internal/rules"
	"github.com/plazachess/plaza/pkg/plazadto"
)

// DefaultLockWindow is the post-move debounce. It suppresses double-submission
// races; it is not a turn timer.
const DefaultLockWindow = 100 * time.Millisecond

// Machine owns the authoritative game record and the commit transaction.
type Machine struct {
	rdb        *redis.Client
	store      *Store
	rules      *rules.Validator
	accts      *accounts.Manager
	lockWindow time.Duration
	archiver   *Archiver
}

func NewMachine(rdb *redis.Client, v *rules.Validator, accts *accounts.Manager, lockWindow time.Duration) *Machine {
	if lockWindow <= 0 {
		lockWindow = DefaultLockWindow
	}
	return &Machine{
		rdb:        rdb,
		store:      NewStore(rdb),
		rules:      v,
		accts:      accts,
		lockWindow: lockWindow,
	}
}

// AttachArchiver wires the completion pipeline run after terminal commits.
func (m *Machine) AttachArchiver(a *Archiver) {
	if m != nil {
		m.archiver = a
	}
}

func (m *Machine) Store() *Store { return m.store }

// Current returns the live record, creating the initial one when missing.
// A missing record is self-healing, not an error.
func (m *Machine) Current(ctx context.Context) (*Record, error) {
	rec, err := m.store.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	fresh := initialRecord(time.Now())
	raw, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}
	// SetNX so racing initializers agree on a single document.
	if err := m.rdb.SetNX(ctx, keyGame, raw, 0).Err(); err != nil {
		return nil, err
	}
	return m.store.Record(ctx)
}

// History returns the ordered ledger for the in-progress game.
func (m *Machine) History(ctx context.Context) ([]MoveEntry, error) {
	return m.store.Ledger(ctx)
}

// CommitMove is the authoritative move operation. One optimistic transaction
// on the game record and the author's token key: re-read, lock check,
// re-validate against the committed history, balance check, then a single
// MULTI writing the record, appending the ledger entry, and debiting one
// token. Either everything applies or nothing does.
//
// Concurrency conflicts surface as ErrTransactionConflict and are never
// retried here: a blind retry would apply the move to a position the author
// never saw.
func (m *Machine) CommitMove(ctx context.Context, author string, mv rules.Move) (*Record, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return nil, fmt.Errorf("empty move author")
	}
	tokKey := accounts.TokenKey(author)

	var (
		committed *Record
		entry     MoveEntry
		balance   int64
		terminal  bool
	)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		now := time.Now()
		cur, err := m.store.recordTx(ctx, tx)
		if err != nil {
			return err
		}
		if cur == nil {
			// Lazy reinitialization inside the same transaction.
			cur = initialRecord(now)
		}
		if cur.Locked(now) {
			return plazadto.ErrBoardLocked
		}

		history, err := m.store.ledgerTx(ctx, tx)
		if err != nil {
			return err
		}
		out, err := m.rules.Apply(ucis(history), mv)
		if errors.Is(err, rules.ErrIllegalMove) {
			return plazadto.ErrInvalidMove
		}
		if err != nil {
			return err
		}

		bal, err := tx.Get(ctx, tokKey).Int64()
		if err == redis.Nil {
			bal = 0
		} else if err != nil {
			return err
		}
		if bal < 1 {
			return plazadto.ErrInsufficientTokens
		}

		entry = MoveEntry{UCI: out.UCI, SAN: out.SAN, Author: author, PlayedAt: now}
		next := &Record{
			Position: out.FEN,
			LastMove: &LastMove{
				From:      strings.ToLower(strings.TrimSpace(mv.From)),
				To:        strings.ToLower(strings.TrimSpace(mv.To)),
				Promotion: strings.ToLower(strings.TrimSpace(mv.Promotion)),
				UCI:       out.UCI,
				SAN:       out.SAN,
				Author:    author,
			},
			LockUntil: now.Add(m.lockWindow),
			CreatedAt: cur.CreatedAt,
			UpdatedAt: now,
		}

		rawRec, err := json.Marshal(next)
		if err != nil {
			return err
		}
		rawEntry, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, keyGame, rawRec, 0)
		pipe.RPush(ctx, keyLedger, rawEntry)
		pipe.DecrBy(ctx, tokKey, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		committed = next
		balance = bal - 1
		terminal = out.Terminal
		return nil
	}, keyGame, tokKey)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, plazadto.ErrTransactionConflict
		}
		return nil, err
	}

	obslog.L().Info("move_commit",
		zap.String("author", author),
		zap.String("uci", entry.UCI),
		zap.String("san", entry.SAN),
		zap.Int64("balance", balance),
		zap.Bool("terminal", terminal),
	)

	m.store.PublishRecord(ctx, committed)
	m.store.PublishMove(ctx, MoveEvent{Kind: "append", Entry: &entry})
	m.accts.PublishBalance(ctx, author, balance)

	if terminal && m.archiver != nil {
		if _, err := m.archiver.Archive(ctx, committed); err != nil {
			// The live state is still fully intact; a later observer of the
			// terminal record can re-run the pipeline.
			obslog.L().Error("archive_after_commit_error", zap.Error(err))
		}
	}
	return committed, nil
}
