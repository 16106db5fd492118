package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/auth"
	"github.com/SolidCitadel/UniSync/pkg/config"
	"github.com/SolidCitadel/UniSync/pkg/jwks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testIssuer   = "https://idp.example.com/pool"
	testClientID = "unisync-web"
	testSecret   = "gateway-secret"
)

// testSigner はテスト用のトークン発行者。
type testSigner struct {
	priv *rsa.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	return &testSigner{priv: priv}
}

// verifier は署名鍵だけを含む鍵セットを使う検証器を返す。
func (s *testSigner) verifier(t *testing.T) *auth.Verifier {
	t.Helper()

	set := jwks.StaticSource{Keys: []jose.JSONWebKey{{
		Key:       &s.priv.PublicKey,
		KeyID:     "k1",
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	v, err := auth.NewVerifier(jwks.NewKeyCache(&set), auth.Config{Issuer: testIssuer, ClientID: testClientID})
	if err != nil {
		t.Fatalf("検証器の生成に失敗: %v", err)
	}
	return v
}

func (s *testSigner) token(t *testing.T, sub, aud string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":            sub,
		"iss":            testIssuer,
		"aud":            aud,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"email":          sub + "@example.ac.kr",
		"scope":          "openid",
		"cognito:groups": []string{"students"},
	})
	token.Header["kid"] = "k1"
	raw, err := token.SignedString(s.priv)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return raw
}

// newTestServerWithBackend はモックバックエンドサービスを持つテスト用Gatewayサーバーを生成する。
// 全てのデフォルトルートがbackendHandlerに転送される。
func newTestServerWithBackend(t *testing.T, backendHandler http.HandlerFunc) (*Server, *testSigner) {
	t.Helper()

	backend := httptest.NewServer(backendHandler)
	t.Cleanup(backend.Close)

	signer := newTestSigner(t)
	cfg := config.Default("gateway").Gateway
	cfg.Routes = config.DefaultRoutes(backend.URL, backend.URL, backend.URL)
	cfg.SharedSecret = testSecret

	s, err := NewServer(cfg, signer.verifier(t), zap.NewNop())
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	return s, signer
}

// echoBackend は受け取ったリクエストの内容をJSONで返す。
func echoBackend(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"sub":    r.Header.Get("X-User-Sub"),
			"scopes": r.Header.Get("X-User-Scopes"),
			"email":  r.Header.Get("X-User-Email"),
			"secret": r.Header.Get("X-Gateway-Secret"),
			"auth":   r.Header.Get("Authorization"),
		})
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return result
}

// TestHandleProxy はプロキシハンドラのテスト。
func TestHandleProxy(t *testing.T) {
	t.Parallel()

	t.Run("検証済みの識別情報を付与してプレフィックスを除いたパスへ転送する", func(t *testing.T) {
		t.Parallel()

		s, signer := newTestServerWithBackend(t, echoBackend(nil))
		token := signer.token(t, "sub-1", testClientID)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/courses/42?limit=10", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := decodeBody(t, w)
		want := map[string]string{
			"path":   "/courses/42",
			"query":  "limit=10",
			"sub":    "sub-1",
			"scopes": "openid students",
			"email":  "sub-1@example.ac.kr",
			"secret": testSecret,
			"auth":   "Bearer " + token,
		}
		for k, v := range want {
			if result[k] != v {
				t.Errorf("%s: got %q, want %q", k, result[k], v)
			}
		}
	})

	t.Run("呼び出し元が送った識別情報ヘッダーは上書きされる", func(t *testing.T) {
		t.Parallel()

		s, signer := newTestServerWithBackend(t, echoBackend(nil))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "real-user", testClientID))
		req.Header.Set("X-User-Sub", "attacker")
		req.Header.Set("X-User-Scopes", "admin")
		req.Header.Set("X-Gateway-Secret", "forged")
		s.router.ServeHTTP(w, req)

		result := decodeBody(t, w)
		if result["sub"] != "real-user" {
			t.Errorf("X-User-Sub: got %q, want %q", result["sub"], "real-user")
		}
		if result["scopes"] != "openid students" {
			t.Errorf("X-User-Scopes: got %q", result["scopes"])
		}
		if result["secret"] != testSecret {
			t.Errorf("X-Gateway-Secret: got %q", result["secret"])
		}
	})

	t.Run("POSTリクエストのボディが転送される", func(t *testing.T) {
		t.Parallel()

		s, signer := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials/canvas", strings.NewReader(`{"canvasToken":"x"}`))
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "sub-1", testClientID))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if w.Body.String() != `{"canvasToken":"x"}` {
			t.Errorf("ボディ: got %q", w.Body.String())
		}
	})

	t.Run("バックエンドがエラーを返した場合にそのステータスを転送する", func(t *testing.T) {
		t.Parallel()

		s, signer := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/courses", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "sub-1", testClientID))
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
		if w.Body.Len() != 0 {
			t.Errorf("ボディが空ではない: %q", w.Body.String())
		}
	})

	t.Run("バックエンドに接続できない場合は502を返す", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		url := backend.URL
		backend.Close()

		signer := newTestSigner(t)
		cfg := config.Default("gateway").Gateway
		cfg.Routes = config.DefaultRoutes(url, url, url)
		s, err := NewServer(cfg, signer.verifier(t), zap.NewNop())
		if err != nil {
			t.Fatalf("サーバーの生成に失敗: %v", err)
		}

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/courses", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "sub-1", testClientID))
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadGateway)
		}
	})

	t.Run("どのルートにも一致しない場合は404を返す", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		s, signer := newTestServerWithBackend(t, echoBackend(&calls))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "sub-1", testClientID))
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
		if calls.Load() != 0 {
			t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls.Load())
		}
	})
}

// TestAuthentication は認証の拒否とバイパスのテスト。
func TestAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		path          string
		authorization func(s *testSigner, t *testing.T) string
		wantCode      int
		wantCalls     int32
	}{
		{
			name:          "トークンがない場合は401を返す",
			path:          "/api/v1/courses",
			authorization: func(*testSigner, *testing.T) string { return "" },
			wantCode:      http.StatusUnauthorized,
		},
		{
			name:          "Bearer以外の形式は401を返す",
			path:          "/api/v1/courses",
			authorization: func(*testSigner, *testing.T) string { return "Basic dXNlcjpwYXNz" },
			wantCode:      http.StatusUnauthorized,
		},
		{
			name: "audienceが一致しない場合は401を返す",
			path: "/api/v1/courses",
			authorization: func(s *testSigner, t *testing.T) string {
				return "Bearer " + s.token(t, "sub-1", "other-client")
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "別の鍵で署名されたトークンは401を返す",
			path: "/api/v1/courses",
			authorization: func(_ *testSigner, t *testing.T) string {
				return "Bearer " + newTestSigner(t).token(t, "sub-1", testClientID)
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:          "許可リストのパスはトークンなしで転送する",
			path:          "/api/v1/auth/signin",
			authorization: func(*testSigner, *testing.T) string { return "" },
			wantCode:      http.StatusOK,
			wantCalls:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			s, signer := newTestServerWithBackend(t, echoBackend(&calls))

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if h := tt.authorization(signer, t); h != "" {
				req.Header.Set("Authorization", h)
			}
			s.router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, tt.wantCode)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("バックエンド呼び出し回数: got %d, want %d", calls.Load(), tt.wantCalls)
			}
			if tt.wantCode == http.StatusUnauthorized {
				if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
					t.Errorf("WWW-Authenticate: got %q", got)
				}
			}
		})
	}
}

// TestAuthentication_pathTraversal は許可リストを経由した迂回を拒否することを確認する。
func TestAuthentication_pathTraversal(t *testing.T) {
	t.Parallel()

	paths := []string{
		"/api/v1/auth/../credentials/canvas",
		"/api/v1/auth/./../courses",
		"/api/v1/auth//../schedules",
		"/.well-known/../api/v1/courses",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			s, _ := newTestServerWithBackend(t, echoBackend(&calls))

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, p, nil)
			if req.URL.Path != p {
				t.Fatalf("リクエストのパスが変わっている: got %q, want %q", req.URL.Path, p)
			}
			s.router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
			}
			if calls.Load() != 0 {
				t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls.Load())
			}
		})
	}
}

// TestAuthentication_publicPathSecret は未認証の転送に共有秘密を付けないことを確認する。
func TestAuthentication_publicPathSecret(t *testing.T) {
	t.Parallel()

	s, _ := newTestServerWithBackend(t, echoBackend(nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", strings.NewReader(`{}`))
	req.Header.Set("X-Gateway-Secret", testSecret)
	req.Header.Set("X-User-Sub", "spoofed")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := decodeBody(t, w)
	if result["secret"] != "" {
		t.Errorf("X-Gateway-Secret: got %q, want empty", result["secret"])
	}
	if result["sub"] != "" {
		t.Errorf("X-User-Sub: got %q, want empty", result["sub"])
	}
}

func TestCanonicalPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/api/v1/courses", true},
		{"/api/v1/auth/", true},
		{"/api/v1/auth/../credentials", false},
		{"/api/v1/./courses", false},
		{"//api/v1/courses", false},
		{"/api/v1/courses/..", false},
		{"api/v1/courses", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := canonicalPath(tt.path); got != tt.want {
			t.Errorf("canonicalPath(%q): got %v, want %v", tt.path, got, tt.want)
		}
	}
}

// unavailableVerifier は鍵を確認できない一時的な失敗を返す。
type unavailableVerifier struct{}

func (unavailableVerifier) Verify(context.Context, string) (*auth.VerifiedClaims, error) {
	return nil, fmt.Errorf("鍵の取得に失敗: %w", jwks.ErrUnavailable)
}

func TestAuthentication_transientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := httptest.NewServer(echoBackend(&calls))
	t.Cleanup(backend.Close)

	cfg := config.Default("gateway").Gateway
	cfg.Routes = config.DefaultRoutes(backend.URL, backend.URL, backend.URL)
	s, err := NewServer(cfg, unavailableVerifier{}, zap.NewNop())
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/courses", nil)
	req.Header.Set("Authorization", "Bearer a.b.c")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if calls.Load() != 0 {
		t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls.Load())
	}
}

// TestHealth はヘルスチェックエンドポイントのテスト。
func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServerWithBackend(t, echoBackend(nil))

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: ステータスコード: got %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	cfg := config.Default("gateway").Gateway
	if _, err := NewServer(cfg, nil, zap.NewNop()); err == nil {
		t.Error("検証器なしでエラーにならない")
	}

	cfg.Routes = []config.RouteConfig{{Name: "bad", PathPrefixes: []string{"/x"}, Upstream: "not a url"}}
	if _, err := NewServer(cfg, unavailableVerifier{}, zap.NewNop()); err == nil {
		t.Error("不正なupstreamでエラーにならない")
	}
}
