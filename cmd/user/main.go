// ユーザーサービスのエントリポイント。
// 外部サービスの認証情報を暗号化して保存し、登録をイベントとして発行する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/internal/platform"
	"github.com/SolidCitadel/UniSync/internal/user"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/logger"
)

func main() {
	cfg, err := config.Load("user", os.Getenv("CONFIG_PATH"))
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
		l.Fatal("ユーザーサービスが異常終了しました", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	db, err := platform.OpenDB(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	keyring, err := platform.NewKeyring(ctx, cfg.Crypto)
	if err != nil {
		return err
	}

	broker, err := platform.NewBroker(ctx, cfg.Queue, l)
	if err != nil {
		return err
	}
	defer broker.Close()

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

	deps := user.Deps{
		DB:       db,
		Keyring:  keyring,
		Relay:    relay,
		Verifier: verifier,
		Logger:   l,
	}
	if cfg.Canvas.BaseURL != "" {
		deps.Profiles = user.NewCanvasClient(cfg.Canvas.BaseURL, cfg.Canvas.Timeout)
	}
	server, err := user.NewServer(ctx, cfg, deps)
	if err != nil {
		return err
	}

	relay.Start(ctx)
	defer relay.Stop()

	l.Info("ユーザーサービスを起動します", zap.Int("key_version", keyring.ActiveVersion()))
	return platform.Serve(ctx, cfg.Server.Port, server.Handler(), l)
}
