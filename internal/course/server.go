package course

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/middleware"
	"github.com/SolidCitadel/UniSync/pkg/outbox"
)

// Deps はコースサービスが依存する部品。
type Deps struct {
	DB       *sql.DB
	Relay    *outbox.Relay
	Verifier middleware.TokenVerifier
	Logger   *zap.Logger
}

// Server はコースサービスのHTTPサーバー兼イベントコンシューマ。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// db はSQLiteデータベース接続。
	db *sql.DB
	// relay はコミット後にイベントを送信するアウトボックス中継。
	relay  *outbox.Relay
	source string
	logger *zap.Logger
	now    func() time.Time
}

// NewServer は新しいコースサーバーを生成する。
// スキーマのマイグレーションを行う。
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	if deps.DB == nil || deps.Relay == nil || deps.Verifier == nil {
		return nil, errors.New("コースサービスの依存が不足しています")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initSchema(ctx, deps.DB, logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router: router,
		db:     deps.DB,
		relay:  deps.Relay,
		source: cfg.Service,
		logger: logger,
		now:    time.Now,
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
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "course"})
	})
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("")
	api.Use(middleware.RequireGateway(cfg.Gateway.SharedSecret))
	api.Use(middleware.Authenticate(verifier, s.logger))
	{
		api.GET("/courses", s.handleListCourses())
		api.GET("/courses/:id/assignments", s.handleListAssignments())
		api.PUT("/enrollments/:id/sync", s.handleToggleSync())
	}
}

// handleListCourses はユーザーの受講一覧を返すハンドラを返す。
func (s *Server) handleListCourses() gin.HandlerFunc {
	return func(c *gin.Context) {
		enrollments, err := listEnrollments(c.Request.Context(), s.db, middleware.GetSubject(c))
		if err != nil {
			s.logger.Error("受講一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受講一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enrollments": enrollments})
	}
}

// handleListAssignments は受講中の科目の課題一覧を返すハンドラを返す。
func (s *Server) handleListAssignments() gin.HandlerFunc {
	return func(c *gin.Context) {
		courseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "科目IDが不正です"})
			return
		}
		ctx := c.Request.Context()

		enrolled, err := isEnrolled(ctx, s.db, middleware.GetSubject(c), courseID)
		if err != nil {
			s.logger.Error("受講の確認に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "課題一覧の取得に失敗しました"})
			return
		}
		if !enrolled {
			c.JSON(http.StatusNotFound, gin.H{"error": "科目が見つかりません"})
			return
		}

		assignments, err := listAssignments(ctx, s.db, courseID)
		if err != nil {
			s.logger.Error("課題一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "課題一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"assignments": assignments})
	}
}

// toggleSyncRequest は同期設定変更のリクエストボディ。
type toggleSyncRequest struct {
	IsSyncEnabled *bool `json:"isSyncEnabled" binding:"required"`
}

// handleToggleSync は受講の同期を有効化または無効化するハンドラを返す。
// 無効化した場合はCOURSE_DISABLEDを同じトランザクションでアウトボックスへ追加する。
func (s *Server) handleToggleSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "受講IDが不正です"})
			return
		}
		var req toggleSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "isSyncEnabledは必須です"})
			return
		}
		ctx := c.Request.Context()
		sub := middleware.GetSubject(c)
		enabled := *req.IsSyncEnabled

		var current *enrollmentRow
		err = inTx(ctx, s.db, func(tx *sql.Tx) error {
			e, err := getEnrollment(ctx, tx, id)
			if err != nil {
				return err
			}
			current = e
			if e.CognitoSub != sub || e.IsSyncEnabled == enabled {
				return nil
			}

			now := s.now()
			if err := setSyncEnabled(ctx, tx, id, enabled, now); err != nil {
				return err
			}
			e.IsSyncEnabled = enabled
			if enabled {
				return nil
			}

			disabled, err := event.New(event.TypeCourseDisabled,
				event.Key(event.TypeCourseDisabled, strconv.FormatInt(id, 10), now.UTC().Format(time.RFC3339Nano)),
				s.source,
				event.CourseDisabledData{
					CognitoSub:     sub,
					CourseID:       e.Course.ID,
					CanvasCourseID: e.Course.CanvasCourseID,
					CourseName:     e.Course.Name,
				})
			if err != nil {
				return err
			}
			return outbox.Enqueue(ctx, tx, disabled)
		})
		switch {
		case errors.Is(err, errNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "受講が見つかりません"})
			return
		case err != nil:
			s.logger.Error("同期設定の更新に失敗しました", zap.Int64("enrollment_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "同期設定の更新に失敗しました"})
			return
		case current.CognitoSub != sub:
			c.JSON(http.StatusForbidden, gin.H{"error": "この受講を変更する権限がありません"})
			return
		}
		if !enabled {
			s.relay.Notify()
		}

		s.logger.Info("同期設定を変更しました",
			zap.Int64("enrollment_id", id),
			zap.Bool("sync_enabled", current.IsSyncEnabled))
		c.JSON(http.StatusOK, current)
	}
}
