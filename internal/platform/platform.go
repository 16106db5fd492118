// Package platform は各サービスの起動時に共通の部品を設定から組み立てる。
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/SolidCitadel/UniSync/pkg/auth"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/dispatch"
	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/fieldcrypt"
	"github.com/SolidCitadel/UniSync/pkg/idempotency"
	"github.com/SolidCitadel/UniSync/pkg/jwks"
	"github.com/SolidCitadel/UniSync/pkg/outbox"
	"github.com/SolidCitadel/UniSync/pkg/publisher"
	"github.com/SolidCitadel/UniSync/pkg/queue"
)

// shutdownTimeout はHTTPサーバーの停止を待つ上限。
const shutdownTimeout = 10 * time.Second

// OpenDB はSQLiteデータベースに接続する。
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のデータベースになる
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベース接続の確認に失敗: %w", err)
	}
	return db, nil
}

// NewBroker は設定されたドライバのブローカーを生成する。
func NewBroker(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Broker, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("インメモリキューを使用します。プロセス間でメッセージは共有されません")
		return queue.NewMemoryBroker(), nil
	case "rabbitmq":
		b, err := queue.DialRabbitMQ(ctx, queue.RabbitMQConfig{
			URL:               cfg.URL,
			Prefetch:          cfg.Prefetch,
			ReconnectInterval: cfg.RetryDelay,
			MaxRetries:        10,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "kafka":
		return queue.NewKafkaBroker(queue.KafkaConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
		}, logger), nil
	default:
		return nil, fmt.Errorf("未対応のキュードライバです: %q", cfg.Driver)
	}
}

// NewLedger は冪等性台帳を生成する。Redisのアドレスが設定されていればRedisを、
// なければサービスのSQLiteデータベースを使う。戻り値のcloseは必ず呼ぶ。
func NewLedger(ctx context.Context, cfg *config.Config, db *sql.DB) (ledger idempotency.Ledger, closeFn func() error, err error) {
	if cfg.Redis.Addr == "" {
		l, err := idempotency.NewSQLiteLedger(db)
		if err != nil {
			return nil, nil, err
		}
		return l, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("Redis接続に失敗: %w", err)
	}
	prefix := fmt.Sprintf("unisync:%s:processed:", cfg.Service)
	return idempotency.NewRedisLedger(client, prefix, cfg.Redis.LedgerTTL), client.Close, nil
}

// NewVerifier はJWKSエンドポイントの鍵キャッシュとトークン検証器を生成する。
// 鍵キャッシュのバックグラウンド更新は呼び出し側が Start で開始する。
func NewVerifier(cfg config.AuthConfig, logger *zap.Logger) (*auth.Verifier, *jwks.KeyCache, error) {
	keys := jwks.NewKeyCache(jwks.NewHTTPSource(cfg.JWKSURL),
		jwks.WithTTL(cfg.KeyTTL),
		jwks.WithGraceWindow(cfg.GraceWindow),
		jwks.WithMinRefreshInterval(cfg.MinRefreshInterval),
		jwks.WithLogger(logger.Named("jwks")),
	)
	v, err := auth.NewVerifier(keys, auth.Config{
		Issuer:     cfg.Issuer,
		ClientID:   cfg.ClientID,
		TokenUse:   cfg.TokenUse,
		ClockSkew:  cfg.ClockSkew,
		Algorithms: cfg.Algorithms,
	})
	if err != nil {
		return nil, nil, err
	}
	return v, keys, nil
}

// StartKeys は署名鍵を先に1回取得してから定期リフレッシュを開始する。
// 初回の取得に失敗しても起動は続け、検証時の鍵不一致で再取得する。
func StartKeys(ctx context.Context, keys *jwks.KeyCache, logger *zap.Logger) {
	if err := keys.Refresh(ctx); err != nil {
		logger.Warn("署名鍵の初回取得に失敗しました", zap.Error(err))
	}
	keys.Start(ctx)
}

// NewKeyring はフィールド暗号化の鍵リングを読み込む。
// KMSの鍵名が設定されていれば、設定値をKMSでラップされた鍵として扱う。
func NewKeyring(ctx context.Context, cfg config.CryptoConfig) (*fieldcrypt.Keyring, error) {
	if cfg.Keys == "" {
		return nil, errors.New("crypto.keys が未設定です")
	}
	var unwrapper fieldcrypt.Unwrapper
	if cfg.KMSKeyName != "" {
		kms, err := fieldcrypt.NewKMSUnwrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		defer kms.Close()
		unwrapper = kms
	}
	return fieldcrypt.LoadKeyring(ctx, cfg.Keys, cfg.ActiveVersion, unwrapper)
}

// NewPublisher はサービス名を送信元とするイベント発行者を生成する。
func NewPublisher(q queue.Publisher, cfg *config.Config, logger *zap.Logger) *publisher.Publisher {
	return publisher.New(q, event.DefaultRoutes(), cfg.Service,
		publisher.WithTimeout(cfg.Outbox.PublishTimeout),
		publisher.WithRetry(200*time.Millisecond, cfg.Outbox.MaxElapsed),
		publisher.WithLogger(logger.Named("publisher")),
	)
}

// NewRelay はアウトボックス中継を生成する。
func NewRelay(db *sql.DB, pub outbox.EnvelopePublisher, cfg config.OutboxConfig, logger *zap.Logger) (*outbox.Relay, error) {
	store, err := outbox.NewStore(db)
	if err != nil {
		return nil, err
	}
	return outbox.NewRelay(store, pub,
		outbox.WithInterval(cfg.Interval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithDegradedAfter(cfg.DegradedAfter),
		outbox.WithLogger(logger.Named("outbox")),
	), nil
}

// NewDispatcher はキューの設定に従ったディスパッチャを生成する。
func NewDispatcher(ledger idempotency.Ledger, cfg config.QueueConfig, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(ledger,
		dispatch.WithMaxAttempts(cfg.MaxAttempts),
		dispatch.WithRetryDelay(cfg.RetryDelay, 30*cfg.RetryDelay),
		dispatch.WithLogger(logger.Named("dispatch")),
	)
}

// Serve はctxがキャンセルされるまでHTTPサーバーを動かし、停止時は処理中のリクエストを待つ。
func Serve(ctx context.Context, port string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logger.Info("HTTPサーバーを停止します")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
