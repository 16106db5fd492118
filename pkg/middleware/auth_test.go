package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SolidCitadel/UniSync/pkg/auth"
	"github.com/SolidCitadel/UniSync/pkg/jwks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubVerifier はトークンごとに結果を返すテスト用の検証器。
type stubVerifier map[string]struct {
	claims *auth.VerifiedClaims
	err    error
}

func (s stubVerifier) Verify(_ context.Context, raw string) (*auth.VerifiedClaims, error) {
	r, ok := s[raw]
	if !ok {
		return nil, &auth.Failure{Kind: auth.KindMalformedToken}
	}
	return r.claims, r.err
}

func newStubVerifier() stubVerifier {
	return stubVerifier{
		"good": {claims: &auth.VerifiedClaims{Subject: "sub-123", Scopes: []string{"openid"}}},
		"aud":  {err: &auth.Failure{Kind: auth.KindAudienceMismatch, Detail: "aud=other"}},
		"down": {err: fmt.Errorf("署名鍵の解決に失敗: %w", jwks.ErrUnavailable)},
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		authorization string
		wantStatus    int
		wantChallenge bool
	}{
		{name: "有効なトークンは通過すること", authorization: "Bearer good", wantStatus: http.StatusOK},
		{name: "スキームの大文字小文字は区別しないこと", authorization: "bearer good", wantStatus: http.StatusOK},
		{name: "Authorizationヘッダーがない場合は401になること", wantStatus: http.StatusUnauthorized, wantChallenge: true},
		{name: "Bearer以外のスキームは401になること", authorization: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantChallenge: true},
		{name: "トークンが空の場合は401になること", authorization: "Bearer ", wantStatus: http.StatusUnauthorized, wantChallenge: true},
		{name: "audが一致しないトークンは401になること", authorization: "Bearer aud", wantStatus: http.StatusUnauthorized, wantChallenge: true},
		{name: "鍵を確認できない場合は503になること", authorization: "Bearer down", wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			router := gin.New()
			router.Use(Authenticate(newStubVerifier(), zap.NewNop()))
			router.GET("/courses", func(c *gin.Context) {
				called = true
				c.JSON(http.StatusOK, gin.H{"sub": GetSubject(c)})
			})

			req := httptest.NewRequest(http.MethodGet, "/courses", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("ハンドラ呼び出し = %v", called)
			}
			challenge := w.Header().Get("WWW-Authenticate")
			if tt.wantChallenge && challenge != `Bearer error="invalid_token"` {
				t.Errorf("WWW-Authenticate = %q", challenge)
			}
			if !tt.wantChallenge && challenge != "" {
				t.Errorf("WWW-Authenticate = %q, want empty", challenge)
			}
		})
	}

	t.Run("拒否理由をレスポンスに含めないこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Authenticate(newStubVerifier(), zap.NewNop()))
		router.GET("/courses", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/courses", nil)
		req.Header.Set("Authorization", "Bearer aud")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "認証が必要です" {
			t.Errorf("error = %q", body["error"])
		}
	})

	t.Run("拒否の種別はログに残しトークンは残さないこと", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.InfoLevel)
		router := gin.New()
		router.Use(Authenticate(newStubVerifier(), zap.New(core)))
		router.GET("/courses", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/courses", nil)
		req.Header.Set("Authorization", "Bearer aud")
		router.ServeHTTP(httptest.NewRecorder(), req)

		entries := logs.All()
		if len(entries) != 1 {
			t.Fatalf("ログ件数 = %d, want 1", len(entries))
		}
		fields := entries[0].ContextMap()
		if fields["kind"] != string(auth.KindAudienceMismatch) {
			t.Errorf("kind = %v", fields["kind"])
		}
		for k, v := range fields {
			if v == "aud" || v == "Bearer aud" {
				t.Errorf("フィールド %s にトークンが含まれている", k)
			}
		}
	})

	t.Run("検証済みクレームをコンテキストから取得できること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Authenticate(newStubVerifier(), zap.NewNop()))
		var got *auth.VerifiedClaims
		router.GET("/courses", func(c *gin.Context) {
			got, _ = GetClaims(c)
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/courses", nil)
		req.Header.Set("Authorization", "Bearer good")
		router.ServeHTTP(httptest.NewRecorder(), req)

		if got == nil || got.Subject != "sub-123" {
			t.Fatalf("claims = %+v", got)
		}
	})
}

func TestGetSubject_WithoutAuthenticate(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetSubject(c); got != "" {
		t.Errorf("GetSubject() = %q, want empty", got)
	}
	if _, ok := GetClaims(c); ok {
		t.Error("GetClaims() ok = true, want false")
	}
}

func TestStripIdentityHeaders(t *testing.T) {
	t.Parallel()

	var seen http.Header
	router := gin.New()
	router.Use(StripIdentityHeaders())
	router.GET("/", func(c *gin.Context) {
		seen = c.Request.Header.Clone()
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserSub, "spoofed")
	req.Header.Set(HeaderUserScopes, "admin")
	req.Header.Set("X-User-Role", "admin")
	req.Header.Set(HeaderGatewaySecret, "guess")
	req.Header.Set("X-Request-ID", "keep-me")
	router.ServeHTTP(httptest.NewRecorder(), req)

	for _, h := range []string{HeaderUserSub, HeaderUserScopes, "X-User-Role", HeaderGatewaySecret} {
		if v := seen.Get(h); v != "" {
			t.Errorf("%s = %q, want removed", h, v)
		}
	}
	if seen.Get("X-Request-ID") != "keep-me" {
		t.Error("無関係なヘッダーが削除された")
	}
}

func TestRequireGateway(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{name: "共有秘密が一致すれば通過すること", secret: "s3cret", header: "s3cret", wantStatus: http.StatusOK},
		{name: "共有秘密がなければ403になること", secret: "s3cret", wantStatus: http.StatusForbidden},
		{name: "共有秘密が異なれば403になること", secret: "s3cret", header: "wrong", wantStatus: http.StatusForbidden},
		{name: "共有秘密が未設定なら検査しないこと", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(RequireGateway(tt.secret))
			router.GET("/schedules", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
			if tt.header != "" {
				req.Header.Set(HeaderGatewaySecret, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestServiceAPIKey(t *testing.T) {
	t.Parallel()

	keys := map[string]string{"course-key": "course-service", "sync-key": "canvas-sync"}

	tests := []struct {
		name        string
		key         string
		wantStatus  int
		wantService string
	}{
		{name: "登録済みのキーは呼び出し元を識別すること", key: "sync-key", wantStatus: http.StatusOK, wantService: "canvas-sync"},
		{name: "キーがなければ401になること", wantStatus: http.StatusUnauthorized},
		{name: "未登録のキーは401になること", key: "unknown", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var service string
			router := gin.New()
			router.Use(ServiceAPIKey(keys))
			router.GET("/internal/credentials/sub/canvas", func(c *gin.Context) {
				service = GetCallingService(c)
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/internal/credentials/sub/canvas", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAPIKey, tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if service != tt.wantService {
				t.Errorf("calling service = %q, want %q", service, tt.wantService)
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodGet, "/missing?token=secret", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("ログ件数 = %d, want 1", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Errorf("Level = %v, want warn", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/missing" {
		t.Errorf("path = %v", fields["path"])
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Errorf("status = %v", fields["status"])
	}
}
