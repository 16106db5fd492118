package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/fieldcrypt"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/middleware"
	"github.com/SolidCitadel/UniSync/pkg/outbox"
)

// degradedListLimit はアウトボックス状態APIで返す配信劣化レコードの上限。
const degradedListLimit = 20

// Deps はユーザーサービスが依存する部品。
type Deps struct {
	DB       *sql.DB
	Keyring  *fieldcrypt.Keyring
	Relay    *outbox.Relay
	Verifier middleware.TokenVerifier
	// Profiles がnilの場合、トークンを検証せずに登録する。
	Profiles ProfileFetcher
	Logger   *zap.Logger
}

// Server はユーザーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// db はSQLiteデータベース接続。
	db *sql.DB
	// keyring はトークンの暗号化に使う鍵リング。
	keyring *fieldcrypt.Keyring
	// relay はコミット後にイベントを送信するアウトボックス中継。
	relay    *outbox.Relay
	profiles ProfileFetcher
	source   string
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer は新しいユーザーサーバーを生成する。
// スキーマのマイグレーションを行う。
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	if deps.DB == nil || deps.Keyring == nil || deps.Relay == nil || deps.Verifier == nil {
		return nil, errors.New("ユーザーサービスの依存が不足しています")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initSchema(ctx, deps.DB, logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	profiles := deps.Profiles
	if profiles == nil {
		logger.Warn("CanvasのURLが未設定のため、トークンを検証せずに登録します")
		profiles = unverifiedProfiles{}
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router:   router,
		db:       deps.DB,
		keyring:  deps.Keyring,
		relay:    deps.Relay,
		profiles: profiles,
		source:   cfg.Service,
		logger:   logger,
		now:      time.Now,
	}
	s.setupRoutes(cfg, deps.Verifier)

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(cfg *config.Config, verifier middleware.TokenVerifier) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "user"})
	})
	s.router.GET("/metrics", metrics.Handler())

	// gateway経由のユーザー向けAPI
	creds := s.router.Group("/credentials")
	creds.Use(middleware.RequireGateway(cfg.Gateway.SharedSecret))
	creds.Use(middleware.Authenticate(verifier, s.logger))
	{
		creds.POST("/canvas", s.handleRegisterCanvasToken())
		creds.GET("/canvas", s.handleGetCanvasStatus())
		creds.DELETE("/canvas", s.handleDeleteCanvasToken())
	}

	// サービス間API
	internal := s.router.Group("/internal")
	internal.Use(middleware.ServiceAPIKey(cfg.Internal.APIKeys))
	{
		internal.GET("/credentials/:sub/canvas", s.handleInternalGetCanvasToken())
		internal.GET("/outbox/status", s.handleOutboxStatus())
	}
}

// registerCanvasTokenRequest はCanvasトークン登録のリクエストボディ。
type registerCanvasTokenRequest struct {
	CanvasToken string `json:"canvasToken" binding:"required"`
}

// handleRegisterCanvasToken はCanvasトークンを登録するハンドラを返す。
// 認証情報の保存とイベントのアウトボックス追加は同じトランザクションで行う。
func (s *Server) handleRegisterCanvasToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerCanvasTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "canvasTokenは必須です"})
			return
		}
		sub := middleware.GetSubject(c)
		ctx := c.Request.Context()

		profile, err := s.profiles.Profile(ctx, req.CanvasToken)
		if errors.Is(err, ErrInvalidCanvasToken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Canvasトークンが無効です"})
			return
		}
		if err != nil {
			s.logger.Warn("Canvasトークンの検証に失敗しました", zap.String("sub", sub), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Canvasとの通信に失敗しました"})
			return
		}

		field, err := s.keyring.Encrypt([]byte(req.CanvasToken), credentialAAD(sub, ProviderCanvas))
		if err != nil {
			s.logger.Error("トークンの暗号化に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの登録に失敗しました"})
			return
		}

		now := s.now()
		cred := credential{
			CognitoSub:       sub,
			Provider:         ProviderCanvas,
			Token:            field,
			ExternalUserID:   profile.externalUserID(),
			ExternalUsername: profile.LoginID,
		}
		env, err := event.New(event.TypeUserTokenRegistered,
			event.Key(event.TypeUserTokenRegistered, sub, ProviderCanvas, now.UTC().Format(time.RFC3339Nano)),
			s.source,
			event.UserTokenRegisteredData{
				CognitoSub:       sub,
				Provider:         ProviderCanvas,
				ExternalUserID:   cred.ExternalUserID,
				ExternalUsername: cred.ExternalUsername,
				RegisteredAt:     now.UTC(),
			})
		if err != nil {
			s.logger.Error("イベントの生成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの登録に失敗しました"})
			return
		}

		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := upsertCredential(ctx, tx, cred, now); err != nil {
				return err
			}
			return outbox.Enqueue(ctx, tx, env)
		}); err != nil {
			s.logger.Error("トークンの登録に失敗しました", zap.String("sub", sub), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの登録に失敗しました"})
			return
		}
		s.relay.Notify()

		s.logger.Info("Canvasトークンを登録しました",
			zap.String("sub", sub),
			zap.String("external_user_id", cred.ExternalUserID),
			zap.Int("key_version", field.KeyVersion))
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Canvasトークンを登録しました"})
	}
}

// handleGetCanvasStatus は登録状態を返すハンドラを返す。トークン自体は返さない。
func (s *Server) handleGetCanvasStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := getCredential(c.Request.Context(), s.db, middleware.GetSubject(c), ProviderCanvas)
		if errors.Is(err, errCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Canvasトークンが登録されていません"})
			return
		}
		if err != nil {
			s.logger.Error("認証情報の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証情報の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connected":        cred.Connected,
			"externalUsername": cred.ExternalUsername,
			"lastValidatedAt":  cred.LastValidatedAt,
		})
	}
}

// handleDeleteCanvasToken はCanvasトークンを削除するハンドラを返す。
func (s *Server) handleDeleteCanvasToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := middleware.GetSubject(c)
		err := deleteCredential(c.Request.Context(), s.db, sub, ProviderCanvas)
		if errors.Is(err, errCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Canvasトークンが登録されていません"})
			return
		}
		if err != nil {
			s.logger.Error("認証情報の削除に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証情報の削除に失敗しました"})
			return
		}
		s.logger.Info("Canvasトークンを削除しました", zap.String("sub", sub))
		c.Status(http.StatusNoContent)
	}
}

// handleInternalGetCanvasToken は復号したCanvasトークンを内部サービスへ返すハンドラを返す。
// 古い鍵バージョンで暗号化されていれば、アクティブな鍵で暗号化し直す。
func (s *Server) handleInternalGetCanvasToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sub := c.Param("sub")
		log := s.logger.With(zap.String("sub", sub), zap.String("caller", middleware.GetCallingService(c)))

		cred, err := getCredential(ctx, s.db, sub, ProviderCanvas)
		if errors.Is(err, errCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Canvasトークンが登録されていません"})
			return
		}
		if err != nil {
			log.Error("認証情報の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証情報の取得に失敗しました"})
			return
		}

		aad := credentialAAD(sub, ProviderCanvas)
		token, err := s.keyring.Decrypt(cred.Token, aad)
		if err != nil {
			// 改ざんや鍵の不一致。既定値で代用せずに失敗として返す
			log.Error("認証情報を復号できません",
				zap.Int64("credential_id", cred.ID),
				zap.Int("key_version", cred.Token.KeyVersion),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証情報を復号できません"})
			return
		}

		if s.keyring.NeedsRotation(cred.Token) {
			s.rotate(ctx, log, cred, aad)
		}

		log.Info("内部APIにCanvasトークンを返しました")
		c.JSON(http.StatusOK, gin.H{
			"canvasToken":      string(token),
			"lastValidatedAt":  cred.LastValidatedAt,
			"externalUserId":   cred.ExternalUserID,
			"externalUsername": cred.ExternalUsername,
		})
	}
}

// rotate は認証情報をアクティブな鍵で暗号化し直す。失敗しても読み出しは成功させる。
func (s *Server) rotate(ctx context.Context, log *zap.Logger, cred *credential, aad []byte) {
	rotated, err := s.keyring.Rotate(cred.Token, aad)
	if err == nil {
		err = updateCiphertext(ctx, s.db, cred.ID, cred.Token.KeyVersion, rotated, s.now())
	}
	if err != nil {
		log.Warn("認証情報の再暗号化に失敗しました", zap.Error(err))
		return
	}
	log.Info("認証情報を再暗号化しました",
		zap.Int("from_version", cred.Token.KeyVersion),
		zap.Int("to_version", rotated.KeyVersion))
}

// degradedRecordResponse は配信劣化レコードの応答形式。
type degradedRecordResponse struct {
	ID             string    `json:"id"`
	EventType      string    `json:"eventType"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError"`
	CreatedAt      time.Time `json:"createdAt"`
}

// handleOutboxStatus はアウトボックスの滞留状況を返すハンドラを返す。
func (s *Server) handleOutboxStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		status, err := s.relay.Status(ctx)
		if err != nil {
			s.logger.Error("アウトボックス状態の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アウトボックス状態の取得に失敗しました"})
			return
		}
		records, err := s.relay.DegradedRecords(ctx, degradedListLimit)
		if err != nil {
			s.logger.Error("配信劣化レコードの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アウトボックス状態の取得に失敗しました"})
			return
		}

		degraded := make([]degradedRecordResponse, 0, len(records))
		for _, r := range records {
			degraded = append(degraded, degradedRecordResponse{
				ID:             r.ID,
				EventType:      string(r.Envelope.EventType),
				IdempotencyKey: r.Envelope.IdempotencyKey,
				Attempts:       r.Attempts,
				LastError:      r.LastError,
				CreatedAt:      r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "degradedRecords": degraded})
	}
}

// inTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func (s *Server) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}
