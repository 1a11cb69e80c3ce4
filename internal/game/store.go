package game

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/obslog"
	"github.com/plazachess/plaza/internal/rules"
)

const (
	keyGame       = "plaza:game"
	keyLedger     = "plaza:ledger"
	keyArchiveIdx = "plaza:archive:index"

	chGame  = "plaza:events:game"
	chMoves = "plaza:events:moves"
)

func archiveKey(id string) string { return "plaza:archive:" + strings.TrimSpace(id) }

// Store wraps the Redis document store with the match's key layout. All
// mutations of the game record, ledger, and archives go through transactions
// in Machine and Archiver; Store itself only offers reads and publishes.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// initialRecord is the reset state every game starts from.
func initialRecord(now time.Time) *Record {
	return &Record{Position: rules.StartFEN, CreatedAt: now, UpdatedAt: now}
}

// Record returns the live game record, or nil when it has not been created.
func (s *Store) Record(ctx context.Context) (*Record, error) {
	return decodeRecord(s.rdb.Get(ctx, keyGame))
}

// recordTx is the in-transaction read used by commit and archival; reading
// through tx keeps the key under WATCH.
func (s *Store) recordTx(ctx context.Context, tx *redis.Tx) (*Record, error) {
	return decodeRecord(tx.Get(ctx, keyGame))
}

func decodeRecord(cmd *redis.StringCmd) (*Record, error) {
	raw, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Ledger returns the ordered move ledger snapshot.
func (s *Store) Ledger(ctx context.Context) ([]MoveEntry, error) {
	return decodeLedger(s.rdb.LRange(ctx, keyLedger, 0, -1))
}

func (s *Store) ledgerTx(ctx context.Context, tx *redis.Tx) ([]MoveEntry, error) {
	return decodeLedger(tx.LRange(ctx, keyLedger, 0, -1))
}

func decodeLedger(cmd *redis.StringSliceCmd) ([]MoveEntry, error) {
	raws, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	entries := make([]MoveEntry, 0, len(raws))
	for _, raw := range raws {
		var e MoveEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Archives returns the newest n archived games from the Redis index.
func (s *Store) Archives(ctx context.Context, n int64) ([]*Archive, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := s.rdb.ZRevRange(ctx, keyArchiveIdx, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Archive, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, archiveKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var a Archive
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

// MoveEvent is published on the moves channel: one "append" per accepted move
// and one "clear" when archival empties the ledger.
type MoveEvent struct {
	Kind  string     `json:"kind"` // "append" | "clear"
	Entry *MoveEntry `json:"entry,omitempty"`
}

// PublishRecord fans the new game record out to subscribers. Best-effort.
func (s *Store) PublishRecord(ctx context.Context, rec *Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, chGame, raw).Err(); err != nil {
		obslog.L().Warn("game_publish_error", zap.Error(err))
	}
}

// PublishMove fans a ledger change out to subscribers. Best-effort.
func (s *Store) PublishMove(ctx context.Context, ev MoveEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, chMoves, raw).Err(); err != nil {
		obslog.L().Warn("move_publish_error", zap.Error(err))
	}
}
