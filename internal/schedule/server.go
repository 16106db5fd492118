package schedule

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
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/middleware"
)

// Deps はスケジュールサービスが依存する部品。
type Deps struct {
	DB       *sql.DB
	Verifier middleware.TokenVerifier
	Logger   *zap.Logger
}

// Server はスケジュールサービスのHTTPサーバー兼イベントコンシューマ。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// db はSQLiteデータベース接続。
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewServer は新しいスケジュールサーバーを生成する。
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	if deps.DB == nil || deps.Verifier == nil {
		return nil, errors.New("スケジュールサービスの依存が不足しています")
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

func (s *Server) setupRoutes(cfg *config.Config, verifier middleware.TokenVerifier) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "schedule"})
	})
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/schedules")
	api.Use(middleware.RequireGateway(cfg.Gateway.SharedSecret))
	api.Use(middleware.Authenticate(verifier, s.logger))
	api.GET("", s.handleListSchedules())
}

// handleListSchedules はユーザーの予定一覧を返すハンドラを返す。
// クエリ courseId, from, to (RFC3339) で絞り込める。
func (s *Server) handleListSchedules() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f listFilter
		if v := c.Query("courseId"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "courseIdが不正です"})
				return
			}
			f.CourseID = id
		}
		for _, p := range []struct {
			name string
			dst  **time.Time
		}{{"from", &f.From}, {"to", &f.To}} {
			v := c.Query(p.name)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": p.name + "はRFC3339形式で指定してください"})
				return
			}
			*p.dst = &t
		}

		schedules, err := listSchedules(c.Request.Context(), s.db, middleware.GetSubject(c), f)
		if err != nil {
			s.logger.Error("予定一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "予定一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": schedules})
	}
}
