package gateway

import (
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/middleware"
)

// hopHeaders は転送してはならないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server はAPI Gatewayサービスの HTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// routes は下流サービスへのルーティング表。
	routes *routeTable
	// public は認証を要求しないパスの許可リスト。
	public publicPaths
	// authenticate はベアラートークンを検証するミドルウェア。
	authenticate gin.HandlerFunc
	// sharedSecret は下流サービスへ付与するgatewayの共有秘密。
	sharedSecret string
	// client は下流サービスへの転送に使うHTTPクライアント。
	client *http.Client
	logger *zap.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg config.GatewayConfig, verifier middleware.TokenVerifier, logger *zap.Logger) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("トークン検証器が未設定です")
	}
	routes, err := newRouteTable(cfg.Routes)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.StripIdentityHeaders())

	s := &Server{
		router:       router,
		routes:       routes,
		public:       publicPaths(cfg.PublicPaths),
		authenticate: middleware.Authenticate(verifier, logger),
		sharedSecret: cfg.SharedSecret,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// 下流のリダイレクトはそのまま呼び出し元へ返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
// gateway自身のエンドポイント以外は全てプロキシとして扱う。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", metrics.Handler())

	s.router.NoRoute(s.requireAuth(), s.handleProxy())
}

// requireAuth は許可リストにないパスでトークン検証を要求する。
// 許可リストとルーティングは同じパスで判定するため、正規化されていないパスは先に拒否する。
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !canonicalPath(c.Request.URL.Path) {
			metrics.GatewayRequests.WithLabelValues("none", strconv.Itoa(http.StatusBadRequest)).Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "パスが不正です"})
			return
		}
		if s.public.allows(c.Request.URL.Path) {
			c.Next()
			return
		}
		s.authenticate(c)
	}
}

// canonicalPath はpが"."や".."、連続したスラッシュを含まない絶対パスかを返す。
// 末尾のスラッシュは許す。
func canonicalPath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned == p
}

// handleProxy はルーティング表で選んだ下流サービスへリクエストを転送する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := s.routes.match(c.Request.Host, c.Request.URL.Path)
		if !ok {
			metrics.GatewayRequests.WithLabelValues("none", strconv.Itoa(http.StatusNotFound)).Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "ルートが見つかりません"})
			return
		}

		start := time.Now()
		status := s.doProxy(c, r)
		metrics.GatewayRequests.WithLabelValues(r.name, strconv.Itoa(status)).Inc()
		metrics.GatewayLatency.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	}
}

// doProxy はリクエストを下流サービスへ転送し、応答のステータスコードを返す。
// 応答本文はバッファせずにそのまま流す。
func (s *Server) doProxy(c *gin.Context, r *route) int {
	target := r.target(c.Request.URL.Path, c.Request.URL.RawQuery)

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return http.StatusInternalServerError
	}
	req.ContentLength = c.Request.ContentLength
	copyHeader(req.Header, c.Request.Header)
	removeHopHeaders(req.Header)
	s.setForwarded(c, req)
	s.injectIdentity(c, req)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("下流サービスとの通信に失敗しました",
			zap.String("route", r.name),
			zap.String("upstream", r.upstream.Host),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Debug("応答の転送を中断しました", zap.String("route", r.name), zap.Error(err))
	}
	return resp.StatusCode
}

// injectIdentity は検証済みクレームを信頼済みヘッダーとして付与する。
// 共有秘密も認証済みのリクエストにだけ付ける。
// 呼び出し元が送った同名ヘッダーはStripIdentityHeadersで取り除かれている。
func (s *Server) injectIdentity(c *gin.Context, req *http.Request) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		return
	}
	req.Header.Set(middleware.HeaderUserSub, claims.Subject)
	if len(claims.Scopes) > 0 {
		req.Header.Set(middleware.HeaderUserScopes, strings.Join(claims.Scopes, " "))
	}
	if claims.Email != "" {
		req.Header.Set(middleware.HeaderUserEmail, claims.Email)
	}
	if claims.Name != "" {
		req.Header.Set(middleware.HeaderUserName, claims.Name)
	}
	if s.sharedSecret != "" {
		req.Header.Set(middleware.HeaderGatewaySecret, s.sharedSecret)
	}
}

func (s *Server) setForwarded(c *gin.Context, req *http.Request) {
	if ip, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Set("X-Forwarded-Host", c.Request.Host)
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	// Connectionヘッダーに列挙されたヘッダーもホップバイホップとして扱う
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
