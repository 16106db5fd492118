// コースサービスのエントリポイント。
// 受講登録と課題のイベントを消費し、受講者ごとの予定の変更を発行する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidCitadel/UniSync/internal/course"
	"github.com/SolidCitadel/UniSync/internal/platform"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/logger"
)

func main() {
	cfg, err := config.Load("course", os.Getenv("CONFIG_PATH"))
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
		l.Fatal("コースサービスが異常終了しました", zap.Error(err))
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

	relay, err := platform.NewRelay(db, platform.NewPublisher(broker, cfg, l), cfg.Outbox, l)
	if err != nil {
		return err
	}

	verifier, keys, err := platform.NewVerifier(cfg.Auth, l)
	if err != nil {
		return err
	}
	platform.StartKeys(ctx, keys, l)
	defer keys.Stop()

	server, err := course.NewServer(ctx, cfg, course.Deps{
		DB:       db,
		Relay:    relay,
		Verifier: verifier,
		Logger:   l,
	})
	if err != nil {
		return err
	}

	relay.Start(ctx)
	defer relay.Stop()

	d := platform.NewDispatcher(ledger, cfg.Queue, l)
	server.RegisterHandlers(d)

	l.Info("コースサービスを起動します", zap.Strings("queues", course.Queues()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx, broker, course.Queues(), cfg.Queue.Workers)
	})
	g.Go(func() error {
		return platform.Serve(gctx, cfg.Server.Port, server.Handler(), l)
	})
	return g.Wait()
}
