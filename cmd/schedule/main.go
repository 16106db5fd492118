// スケジュールサービスのエントリポイント。
// courseサービスが発行する予定の変更を消費し、ユーザーの予定を保持する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidCitadel/UniSync/internal/platform"
	"github.com/SolidCitadel/UniSync/internal/schedule"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/logger"
)

func main() {
	cfg, err := config.Load("schedule", os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	l, err := logger.New(cfg.Log.Environment, cfg.Log.Level, cfg.Service)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal("スケジュールサービスが異常終了しました", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	db, err := platform.OpenDB(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	broker, err := platform.NewBroker(ctx, cfg.Queue, l)
	if err != nil {
		return err
	}
	defer broker.Close()

	ledger, closeLedger, err := platform.NewLedger(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeLedger()

	verifier, keys, err := platform.NewVerifier(cfg.Auth, l)
	if err != nil {
		return err
	}
	platform.StartKeys(ctx, keys, l)
	defer keys.Stop()

	server, err := schedule.NewServer(ctx, cfg, schedule.Deps{
		DB:       db,
		Verifier: verifier,
		Logger:   l,
	})
	if err != nil {
		return err
	}

	d := platform.NewDispatcher(ledger, cfg.Queue, l)
	server.RegisterHandlers(d)

	l.Info("スケジュールサービスを起動します", zap.Strings("queues", schedule.Queues()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx, broker, schedule.Queues(), cfg.Queue.Workers)
	})
	g.Go(func() error {
		return platform.Serve(gctx, cfg.Server.Port, server.Handler(), l)
	})
	return g.Wait()
}
