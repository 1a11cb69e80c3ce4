package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/plazachess/plaza/internal/accounts"
	"github.com/plazachess/plaza/internal/rules"
	"github.com/plazachess/plaza/pkg/plazadto"
)

const testLockWindow = 150 * time.Millisecond

type testRig struct {
	rdb      *redis.Client
	accts    *accounts.Manager
	machine  *Machine
	archiver *Archiver
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	v := rules.NewValidator()
	accts := accounts.NewManager(rdb, 5)
	machine := NewMachine(rdb, v, accts, testLockWindow)
	archiver := NewArchiver(rdb, v)
	machine.AttachArchiver(archiver)
	return &testRig{rdb: rdb, accts: accts, machine: machine, archiver: archiver}
}

func (r *testRig) signIn(t *testing.T, id string) {
	t.Helper()
	if _, _, err := r.accts.EnsureSignIn(context.Background(), plazadto.SignInRequest{UserID: id, DisplayName: id}); err != nil {
		t.Fatalf("EnsureSignIn(%s): %v", id, err)
	}
}

func (r *testRig) commit(t *testing.T, user, from, to string) *Record {
	t.Helper()
	rec, err := r.machine.CommitMove(context.Background(), user, rules.Move{From: from, To: to})
	if err != nil {
		t.Fatalf("CommitMove(%s %s%s): %v", user, from, to, err)
	}
	return rec
}

func waitLock() { time.Sleep(testLockWindow + 20*time.Millisecond) }

func TestCommitMoveDebitsTokenAndLocks(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.signIn(t, "alice")

	rec := r.commit(t, "alice", "e2", "e4")
	if rec.LastMove == nil || rec.LastMove.UCI != "e2e4" || rec.LastMove.Author != "alice" {
		t.Fatalf("unexpected last move: %+v", rec.LastMove)
	}
	if !rec.Locked(time.Now()) {
		t.Fatalf("expected lock window to be open after commit")
	}

	bal, err := r.accts.Balance(ctx, "alice")
	if err != nil || bal != 4 {
		t.Fatalf("balance = %d, %v; want 4", bal, err)
	}
	entries, err := r.machine.History(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("history len = %d, %v; want 1", len(entries), err)
	}
	if entries[0].PlayedAt.IsZero() {
		t.Fatalf("ledger entry missing server timestamp")
	}
}

func TestCommitMoveRejectsWhileLocked(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.signIn(t, "alice")
	r.signIn(t, "bob")

	r.commit(t, "alice", "e2", "e4")
	_, err := r.machine.CommitMove(ctx, "bob", rules.Move{From: "e7", To: "e5"})
	if !errors.Is(err, plazadto.ErrBoardLocked) {
		t.Fatalf("err = %v; want ErrBoardLocked", err)
	}

	// Rejection must leave ledger and balance untouched.
	entries, _ := r.machine.History(ctx)
	if len(entries) != 1 {
		t.Fatalf("ledger len = %d; want 1", len(entries))
	}
	if bal, _ := r.accts.Balance(ctx, "bob"); bal != 5 {
		t.Fatalf("bob balance = %d; want 5", bal)
	}

	// After the window expires the same move goes through.
	waitLock()
	r.commit(t, "bob", "e7", "e5")
}

func TestCommitMoveRejectsStalePosition(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.signIn(t, "alice")
	r.signIn(t, "bob")

	r.commit(t, "alice", "e2", "e4")
	waitLock()

	// Bob raced for the same opening square and lost: the re-validation
	// against the committed position must reject, never silently reapply.
	_, err := r.machine.CommitMove(ctx, "bob", rules.Move{From: "e2", To: "e4"})
	if !errors.Is(err, plazadto.ErrInvalidMove) {
		t.Fatalf("err = %v; want ErrInvalidMove", err)
	}
	if bal, _ := r.accts.Balance(ctx, "bob"); bal != 5 {
		t.Fatalf("bob balance = %d; want 5", bal)
	}
}

func TestCommitMoveInsufficientTokens(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// "mallory" never signed in, so the balance reads zero.
	_, err := r.machine.CommitMove(ctx, "mallory", rules.Move{From: "e2", To: "e4"})
	if !errors.Is(err, plazadto.ErrInsufficientTokens) {
		t.Fatalf("err = %v; want ErrInsufficientTokens", err)
	}
	entries, _ := r.machine.History(ctx)
	if len(entries) != 0 {
		t.Fatalf("ledger len = %d; want 0", len(entries))
	}
	rec, err := r.machine.Current(ctx)
	if err != nil || rec.LastMove != nil {
		t.Fatalf("record changed by rejected commit: %+v, %v", rec, err)
	}
}

func TestBalanceNeverGoesNegative(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	one := accounts.NewManager(r.rdb, 1)
	if _, _, err := one.EnsureSignIn(ctx, plazadto.SignInRequest{UserID: "carol"}); err != nil {
		t.Fatalf("EnsureSignIn: %v", err)
	}

	// Spending the last token must succeed without InsufficientTokens.
	r.commit(t, "carol", "e2", "e4")
	if bal, _ := r.accts.Balance(ctx, "carol"); bal != 0 {
		t.Fatalf("balance = %d; want 0", bal)
	}

	waitLock()
	_, err := r.machine.CommitMove(ctx, "carol", rules.Move{From: "d2", To: "d4"})
	if !errors.Is(err, plazadto.ErrInsufficientTokens) {
		t.Fatalf("err = %v; want ErrInsufficientTokens", err)
	}
	if bal, _ := r.accts.Balance(ctx, "carol"); bal != 0 {
		t.Fatalf("balance = %d; want 0 (never negative)", bal)
	}
}

func TestLedgerReplayReproducesPositions(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.signIn(t, "alice")
	r.signIn(t, "bob")

	moves := []struct{ user, from, to string }{
		{"alice", "e2", "e4"},
		{"bob", "e7", "e5"},
		{"alice", "g1", "f3"},
		{"bob", "b8", "c6"},
	}
	v := rules.NewValidator()
	wantFENs := make([]string, 0, len(moves))
	for _, m := range moves {
		rec := r.commit(t, m.user, m.from, m.to)
		wantFENs = append(wantFENs, rec.Position)
		waitLock()
	}

	entries, err := r.machine.History(ctx)
	if err != nil || len(entries) != len(moves) {
		t.Fatalf("history len = %d, %v", len(entries), err)
	}
	history := make([]string, len(entries))
	for i, e := range entries {
		history[i] = e.UCI
	}
	for k := 1; k <= len(history); k++ {
		fen, err := v.ReplayPrefix(history, k)
		if err != nil {
			t.Fatalf("ReplayPrefix(%d): %v", k, err)
		}
		if fen != wantFENs[k-1] {
			t.Fatalf("replay prefix %d = %s; want %s", k, fen, wantFENs[k-1])
		}
	}
}

func TestConcurrentCommitsExactlyOneSucceeds(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	openings := []rules.Move{
		{From: "e2", To: "e4"},
		{From: "d2", To: "d4"},
		{From: "c2", To: "c4"},
		{From: "g1", To: "f3"},
		{From: "b1", To: "c3"},
		{From: "g2", To: "g3"},
		{From: "b2", To: "b3"},
		{From: "f2", To: "f4"},
	}
	users := make([]string, len(openings))
	for i := range openings {
		users[i] = fmt.Sprintf("user%d", i)
		r.signIn(t, users[i])
	}
	if _, err := r.machine.Current(ctx); err != nil {
		t.Fatalf("Current: %v", err)
	}

	start := make(chan struct{})
	errs := make([]error, len(openings))
	var wg sync.WaitGroup
	for i := range openings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = r.machine.CommitMove(ctx, users[i], openings[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != "" {
				t.Fatalf("both %s and %s committed", winner, users[i])
			}
			winner = users[i]
		case errors.Is(err, plazadto.ErrInvalidMove),
			errors.Is(err, plazadto.ErrBoardLocked),
			errors.Is(err, plazadto.ErrTransactionConflict):
			// acceptable loser outcomes
		default:
			t.Fatalf("%s: unexpected error %v", users[i], err)
		}
	}
	if winner == "" {
		t.Fatalf("no commit succeeded: %v", errs)
	}

	entries, err := r.machine.History(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger len = %d, %v; want 1", len(entries), err)
	}
	if entries[0].Author != winner {
		t.Fatalf("ledger author = %s; want winner %s", entries[0].Author, winner)
	}

	// Exactly one token left the system, and it left the winner.
	var total int64
	for _, u := range users {
		bal, err := r.accts.Balance(ctx, u)
		if err != nil {
			t.Fatalf("Balance(%s): %v", u, err)
		}
		if u == winner && bal != 4 {
			t.Fatalf("winner balance = %d; want 4", bal)
		}
		if u != winner && bal != 5 {
			t.Fatalf("%s balance = %d; want 5", u, bal)
		}
		total += bal
	}
	if want := int64(len(users)*5 - 1); total != want {
		t.Fatalf("total balance = %d; want %d", total, want)
	}
}

// rewriteOnLedgerRead triggers once, after a transaction has read the ledger
// and before its EXEC, so a watched key can be rewritten mid-flight.
type rewriteOnLedgerRead struct {
	once    sync.Once
	rewrite func()
}

func (h *rewriteOnLedgerRead) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *rewriteOnLedgerRead) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "lrange" {
			h.once.Do(h.rewrite)
		}
		return next(ctx, cmd)
	}
}

func (h *rewriteOnLedgerRead) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestCommitMoveSurfacesConcurrentWriteAsConflict(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.signIn(t, "alice")
	if _, err := r.machine.Current(ctx); err != nil {
		t.Fatalf("Current: %v", err)
	}

	side := redis.NewClient(&redis.Options{Addr: r.rdb.Options().Addr})
	t.Cleanup(func() { _ = side.Close() })

	// Rewrite the game record from a second connection while the commit
	// transaction is between WATCH and EXEC. Even an identical value counts
	// as a concurrent write.
	r.rdb.AddHook(&rewriteOnLedgerRead{rewrite: func() {
		raw, err := side.Get(ctx, keyGame).Result()
		if err != nil {
			t.Errorf("side read: %v", err)
			return
		}
		if err := side.Set(ctx, keyGame, raw, 0).Err(); err != nil {
			t.Errorf("side write: %v", err)
		}
	}})

	_, err := r.machine.CommitMove(ctx, "alice", rules.Move{From: "e2", To: "e4"})
	if !errors.Is(err, plazadto.ErrTransactionConflict) {
		t.Fatalf("err = %v; want ErrTransactionConflict", err)
	}

	// The failed EXEC must leave no partial writes behind.
	entries, _ := r.machine.History(ctx)
	if len(entries) != 0 {
		t.Fatalf("ledger len = %d; want 0", len(entries))
	}
	if bal, _ := r.accts.Balance(ctx, "alice"); bal != 5 {
		t.Fatalf("alice balance = %d; want 5", bal)
	}
	rec, err := r.machine.Current(ctx)
	if err != nil || rec.LastMove != nil {
		t.Fatalf("record changed by conflicted commit: %+v, %v", rec, err)
	}
}

func TestRecordLazyInitialization(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	rec, err := r.machine.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if rec == nil || rec.Position != rules.StartFEN || rec.LastMove != nil {
		t.Fatalf("unexpected initial record: %+v", rec)
	}
	if rec.Locked(time.Now()) {
		t.Fatalf("initial record must not be locked")
	}
}
