package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/obslog"
	"github.com/plazachess/plaza/internal/rules"
	"github.com/plazachess/plaza/pkg/plazadto"
)

// Archiver is the completion pipeline: snapshot a terminal game into an
// immutable archive, clear the ledger, and reset the live record — all in one
// transaction.
type Archiver struct {
	rdb   *redis.Client
	store *Store
	rules *rules.Validator
	repo  *Repository
}

func NewArchiver(rdb *redis.Client, v *rules.Validator) *Archiver {
	return &Archiver{rdb: rdb, store: NewStore(rdb), rules: v}
}

// AttachRepository wires the durable database mirror for archived games.
func (a *Archiver) AttachRepository(r *Repository) {
	if a != nil {
		a.repo = r
	}
}

// Archive runs the pipeline for an observed terminal record. The transactional
// precondition — the live record's last move must still match the observation —
// makes duplicate triggers no-ops: whichever observer commits first wins, the
// rest find the record already reset and return (nil, nil).
//
// Any abort leaves the ledger and record untouched; nothing is partially
// deleted or partially written.
func (a *Archiver) Archive(ctx context.Context, observed *Record) (*Archive, error) {
	if observed == nil || observed.LastMove == nil {
		return nil, fmt.Errorf("archive requires an observed terminal record")
	}

	var archived *Archive
	err := a.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := a.store.recordTx(ctx, tx)
		if err != nil {
			return err
		}
		if cur == nil || cur.LastMove == nil {
			// Already reset by a concurrent archival.
			return nil
		}
		if cur.LastMove.UCI != observed.LastMove.UCI || cur.Position != observed.Position {
			// The live game moved past the observation; not ours to archive.
			return nil
		}

		entries, err := a.store.ledgerTx(ctx, tx)
		if err != nil {
			return err
		}
		terminal, result, err := a.rules.Terminal(ucis(entries))
		if err != nil {
			return err
		}
		if !terminal {
			// Validator disagreement with the observer; abort untouched.
			return fmt.Errorf("%w: position is not terminal", plazadto.ErrArchivalFailure)
		}

		now := time.Now()
		snapshot := &Archive{
			ID:            uuid.NewString(),
			FinalPosition: cur.Position,
			Moves:         entries,
			EndedAt:       now,
			LastAuthor:    cur.LastMove.Author,
			Result:        result.Label,
			Reason:        string(result.Reason),
			Status:        ArchiveStatusCompleted,
		}
		rawArch, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		fresh := initialRecord(now)
		rawFresh, err := json.Marshal(fresh)
		if err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		pipe.Set(ctx, archiveKey(snapshot.ID), rawArch, 0)
		pipe.ZAdd(ctx, keyArchiveIdx, redis.Z{Score: float64(now.UnixMilli()), Member: snapshot.ID})
		pipe.Del(ctx, keyLedger)
		pipe.Set(ctx, keyGame, rawFresh, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		archived = snapshot
		return nil
	}, keyGame)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: concurrent write during archival", plazadto.ErrArchivalFailure)
		}
		if errors.Is(err, plazadto.ErrArchivalFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", plazadto.ErrArchivalFailure, err)
	}
	if archived == nil {
		// Lost the archival race; the winner already reset the game.
		return nil, nil
	}

	obslog.L().Info("game_archive",
		zap.String("archive_id", archived.ID),
		zap.String("result", archived.Result),
		zap.String("reason", archived.Reason),
		zap.String("last_author", archived.LastAuthor),
		zap.Int("moves", len(archived.Moves)),
	)

	rec, err := a.store.Record(ctx)
	if err == nil && rec != nil {
		a.store.PublishRecord(ctx, rec)
	}
	a.store.PublishMove(ctx, MoveEvent{Kind: "clear"})

	// Durable mirror is best-effort: the Redis archive is already the record
	// of truth and is never rolled back for a database hiccup.
	if a.repo != nil {
		if err := a.repo.SaveArchive(ctx, archived); err != nil {
			obslog.L().Error("archive_mirror_error", zap.String("archive_id", archived.ID), zap.Error(err))
		}
	}
	return archived, nil
}
