package game

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/accounts"
	"github.com/plazachess/plaza/internal/obslog"
)

// Feed is the synchronization layer's consumer side: typed subscriptions over
// the store's pub/sub channels. Each subscription owns a goroutine decoding
// messages into the returned channel; the cancel func stops it.
type Feed struct {
	rdb *redis.Client
}

func NewFeed(rdb *redis.Client) *Feed { return &Feed{rdb: rdb} }

// SubscribeRecord streams every committed game record, including the reset
// written by archival.
func (f *Feed) SubscribeRecord(ctx context.Context) (<-chan Record, func()) {
	return subscribe[Record](ctx, f.rdb, chGame)
}

// SubscribeMoves streams ledger changes: appended entries and archival clears.
func (f *Feed) SubscribeMoves(ctx context.Context) (<-chan MoveEvent, func()) {
	return subscribe[MoveEvent](ctx, f.rdb, chMoves)
}

// SubscribeBalance streams token balance changes for one user.
func (f *Feed) SubscribeBalance(ctx context.Context, userID string) (<-chan accounts.BalanceEvent, func()) {
	return subscribe[accounts.BalanceEvent](ctx, f.rdb, accounts.BalanceChannel(userID))
}

func subscribe[T any](ctx context.Context, rdb *redis.Client, channel string) (<-chan T, func()) {
	ps := rdb.Subscribe(ctx, channel)
	out := make(chan T, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev T
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obslog.L().Warn("feed_decode_error", zap.String("channel", channel), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = ps.Close() }
}
