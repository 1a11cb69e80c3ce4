package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plazachess/plaza/internal/accounts"
	"github.com/plazachess/plaza/internal/adapter/presenter"
	appcfg "github.com/plazachess/plaza/internal/config"
	"github.com/plazachess/plaza/internal/game"
	"github.com/plazachess/plaza/internal/msgcat"
	"github.com/plazachess/plaza/internal/obslog"
	"github.com/plazachess/plaza/internal/rules"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pctx).Err(); err != nil {
		cancel()
		log.Fatalf("redis ping error: %v", err)
	}
	cancel()

	validator := rules.NewValidator()
	accts := accounts.NewManager(rdb, cfg.StartingTokens)
	machine := game.NewMachine(rdb, validator, accts, cfg.LockWindow)
	archiver := game.NewArchiver(rdb, validator)

	var repo *game.Repository
	if cfg.DatabaseURL != "" {
		repo, err = game.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive repository init error: %v", err)
		}
		archiver.AttachRepository(repo)
	}
	machine.AttachArchiver(archiver)

	ctx, stop := context.WithCancel(context.Background())
	if _, err := machine.Current(ctx); err != nil {
		log.Fatalf("game record init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}
	format := presenter.NewFormatter(cat)

	if archives, err := machine.Store().Archives(ctx, int64(cfg.ArchiveListLimit)); err != nil {
		obslog.L().Warn("archive_list_error", zap.Error(err))
	} else {
		obslog.L().Info("archive_history", zap.Int("count", len(archives)))
	}
	if repo != nil {
		if mirrored, err := repo.RecentArchives(ctx, cfg.ArchiveListLimit); err != nil {
			obslog.L().Warn("archive_mirror_list_error", zap.Error(err))
		} else {
			obslog.L().Info("archive_mirror_history", zap.Int("count", len(mirrored)))
		}
	}

	feed := game.NewFeed(rdb)
	records, stopRecords := feed.SubscribeRecord(ctx)
	moves, stopMoves := feed.SubscribeMoves(ctx)
	go func() {
		for rec := range records {
			if rec.LastMove == nil {
				obslog.L().Info("feed_game_reset", zap.String("text", format.Reset()))
				if archives, err := machine.Store().Archives(ctx, int64(cfg.ArchiveListLimit)); err == nil && len(archives) > 0 {
					obslog.L().Info("feed_game_archived",
						zap.String("text", format.Archived(archives[0])),
						zap.Int("archived_total", len(archives)),
					)
				}
				continue
			}
			obslog.L().Info("feed_game_update",
				zap.String("position", rec.Position),
				zap.String("last_uci", rec.LastMove.UCI),
			)
		}
	}()
	go func() {
		for ev := range moves {
			if ev.Kind == "append" {
				obslog.L().Info("feed_move", zap.String("text", format.MoveAccepted(ev.Entry)))
			}
		}
	}()

	obslog.L().Info("plaza_server_up",
		zap.Duration("lock_window", cfg.LockWindow),
		zap.Int64("starting_tokens", cfg.StartingTokens),
		zap.Bool("archive_mirror", repo != nil),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopRecords()
	stopMoves()
	stop()
	if repo != nil {
		_ = repo.Close()
	}
	_ = rdb.Close()
}
