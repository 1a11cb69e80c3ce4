// Package accounts owns the per-user profile documents and token balances.
// Balances live in their own integer keys so the game commit transaction can
// watch and debit them atomically alongside the game record.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/obslog"
	"github.com/plazachess/plaza/pkg/plazadto"
)

// Account is the persisted user profile. The token balance is stored
// separately under TokenKey and never rewritten on sign-in.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastLogin   time.Time `json:"last_login"`
}

// BalanceEvent is published on BalanceChannel whenever a balance changes.
type BalanceEvent struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// TokenKey is the integer balance key for a user. Shared with the game commit
// transaction, which debits it inside the same MULTI as the record update.
func TokenKey(userID string) string { return "plaza:tokens:" + strings.TrimSpace(userID) }

// BalanceChannel is the pub/sub channel carrying BalanceEvent for one user.
func BalanceChannel(userID string) string { return "plaza:events:tokens:" + strings.TrimSpace(userID) }

func accountKey(userID string) string { return "plaza:account:" + strings.TrimSpace(userID) }

type Manager struct {
	rdb            *redis.Client
	startingTokens int64
}

func NewManager(rdb *redis.Client, startingTokens int64) *Manager {
	if startingTokens < 0 {
		startingTokens = 0
	}
	return &Manager{rdb: rdb, startingTokens: startingTokens}
}

// EnsureSignIn creates the account on first sign-in (seeding the starting
// balance exactly once) and updates profile fields on every later sign-in.
// The balance is never reset by signing in again.
func (m *Manager) EnsureSignIn(ctx context.Context, req plazadto.SignInRequest) (*Account, int64, error) {
	id := strings.TrimSpace(req.UserID)
	if id == "" {
		return nil, 0, fmt.Errorf("empty user id")
	}

	// SetNX seeds the balance only for a brand-new user, no matter how many
	// sessions race the first sign-in.
	seeded, err := m.rdb.SetNX(ctx, TokenKey(id), m.startingTokens, 0).Result()
	if err != nil {
		return nil, 0, err
	}

	var acct Account
	key := accountKey(id)
	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		now := time.Now()
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			acct = Account{ID: id, CreatedAt: now}
		case err != nil:
			return err
		default:
			if jerr := json.Unmarshal(raw, &acct); jerr != nil {
				return jerr
			}
		}
		if name := strings.TrimSpace(req.DisplayName); name != "" {
			acct.DisplayName = name
		}
		if photo := strings.TrimSpace(req.PhotoURL); photo != "" {
			acct.PhotoURL = photo
		}
		acct.LastLogin = now

		pipe := tx.TxPipeline()
		out, err := json.Marshal(&acct)
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, out, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err != nil {
		return nil, 0, err
	}

	bal, err := m.Balance(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	obslog.L().Info("account_signin",
		zap.String("user_id", id),
		zap.Bool("created", seeded),
		zap.Int64("balance", bal),
	)
	if seeded {
		m.PublishBalance(ctx, id, bal)
	}
	return &acct, bal, nil
}

// Get returns the stored account, or ErrNotSignedIn when the id is unknown.
func (m *Manager) Get(ctx context.Context, userID string) (*Account, error) {
	raw, err := m.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, plazadto.ErrNotSignedIn
	}
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Balance returns the current token balance; users without a balance key read
// as zero so the commit path can reject them uniformly.
func (m *Manager) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := m.rdb.Get(ctx, TokenKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

// PublishBalance fans a balance change out to the user's subscribers.
// Best-effort: delivery failures are logged, never surfaced to callers.
func (m *Manager) PublishBalance(ctx context.Context, userID string, balance int64) {
	ev := BalanceEvent{UserID: strings.TrimSpace(userID), Balance: balance}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.rdb.Publish(ctx, BalanceChannel(userID), raw).Err(); err != nil {
		obslog.L().Warn("balance_publish_error", zap.String("user_id", userID), zap.Error(err))
	}
}
