package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// newCORSRouter はCORSミドルウェアと全メソッドのハンドラーを持つルーターを返す。
// calledはハンドラーが呼ばれた回数を数える。
func newCORSRouter(origins []string, called *int) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	router.Any("/api/v1/schedules", func(c *gin.Context) {
		*called++
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	const frontend = "https://app.unisync.example"

	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		wantCode   int
		wantOrigin string
		wantCalled int
	}{
		{
			name:       "許可されたオリジンのGETにCORSヘッダーが付くこと",
			origins:    []string{"http://localhost:3000", frontend},
			method:     http.MethodGet,
			origin:     frontend,
			wantCode:   http.StatusOK,
			wantOrigin: frontend,
			wantCalled: 1,
		},
		{
			name:       "設定側の末尾スラッシュを無視して照合すること",
			origins:    []string{frontend + "/"},
			method:     http.MethodGet,
			origin:     frontend,
			wantCode:   http.StatusOK,
			wantOrigin: frontend,
			wantCalled: 1,
		},
		{
			name:       "末尾スラッシュ付きのOriginは別のオリジンとして扱うこと",
			origins:    []string{frontend},
			method:     http.MethodGet,
			origin:     frontend + "/",
			wantCode:   http.StatusOK,
			wantCalled: 1,
		},
		{
			name:       "PATCHも許可されたオリジンならハンドラーまで届くこと",
			origins:    []string{frontend},
			method:     http.MethodPatch,
			origin:     frontend,
			wantCode:   http.StatusOK,
			wantOrigin: frontend,
			wantCalled: 1,
		},
		{
			name:       "許可されていないオリジンにはCORSヘッダーを付けないこと",
			origins:    []string{frontend},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantCode:   http.StatusOK,
			wantCalled: 1,
		},
		{
			name:       "Originヘッダーが無いリクエストはそのまま通すこと",
			origins:    []string{frontend},
			method:     http.MethodPost,
			wantCode:   http.StatusOK,
			wantCalled: 1,
		},
		{
			name:       "空の許可リストではどのオリジンも許可しないこと",
			origins:    nil,
			method:     http.MethodGet,
			origin:     frontend,
			wantCode:   http.StatusOK,
			wantCalled: 1,
		},
		{
			name:       "プリフライトは204で中断しハンドラーを呼ばないこと",
			origins:    []string{frontend},
			method:     http.MethodOptions,
			origin:     frontend,
			wantCode:   http.StatusNoContent,
			wantOrigin: frontend,
		},
		{
			name:     "許可されていないオリジンのプリフライトもヘッダーなしで204を返すこと",
			origins:  []string{frontend},
			method:   http.MethodOptions,
			origin:   "https://evil.example",
			wantCode: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var called int
			router := newCORSRouter(tt.origins, &called)

			req := httptest.NewRequest(tt.method, "/api/v1/schedules", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
			if called != tt.wantCalled {
				t.Errorf("ハンドラー呼び出し回数 = %d, want %d", called, tt.wantCalled)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}

			allowed := tt.wantOrigin != ""
			wantVary, wantCredentials := "", ""
			if allowed {
				wantVary, wantCredentials = "Origin", "true"
			}
			if got := w.Header().Get("Vary"); got != wantVary {
				t.Errorf("Vary = %q, want %q", got, wantVary)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != wantCredentials {
				t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, wantCredentials)
			}
		})
	}
}

// TestCORS_preflightHeaders はプリフライト応答の内容を検証する。
func TestCORS_preflightHeaders(t *testing.T) {
	t.Parallel()

	var called int
	router := newCORSRouter([]string{"http://localhost:3000"}, &called)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/schedules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	want := map[string]string{
		"Access-Control-Allow-Methods":     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		"Access-Control-Allow-Headers":     "Authorization, Content-Type",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           "86400",
		"Vary":                             "Origin",
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}
