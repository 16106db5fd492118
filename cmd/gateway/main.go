// API Gatewayのエントリポイント。
// IDプロバイダが発行したトークンを検証し、検証済みの身元を付与して下流サービスへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/internal/gateway"
	"github.com/SolidCitadel/UniSync/internal/platform"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/logger"
)

func main() {
	cfg, err := config.Load("gateway", os.Getenv("CONFIG_PATH"))
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
		l.Fatal("Gatewayサービスが異常終了しました", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	verifier, keys, err := platform.NewVerifier(cfg.Auth, l)
	if err != nil {
		return err
	}
	platform.StartKeys(ctx, keys, l)
	defer keys.Stop()

	server, err := gateway.NewServer(cfg.Gateway, verifier, l)
	if err != nil {
		return err
	}

	l.Info("Gatewayサービスを起動します", zap.Int("routes", len(cfg.Gateway.Routes)))
	return platform.Serve(ctx, cfg.Server.Port, server.Handler(), l)
}
