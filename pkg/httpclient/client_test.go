package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// credentialStatus はテスト用のレスポンスペイロード。
type credentialStatus struct {
	Provider  string `json:"provider"`
	Connected bool   `json:"connected"`
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("既定値でクライアントが生成されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://user-service:8081")
		if client.baseURL != "http://user-service:8081" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://user-service:8081")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
		if client.maxResponseBytes != defaultMaxResponseBytes {
			t.Errorf("maxResponseBytes = %d, want %d", client.maxResponseBytes, defaultMaxResponseBytes)
		}
	})

	t.Run("オプションが反映されること", func(t *testing.T) {
		t.Parallel()

		client := New("", WithTimeout(time.Second), WithMaxResponseBytes(64), WithAPIKey("secret"))
		if client.httpClient.Timeout != time.Second {
			t.Errorf("Timeout = %v, want 1s", client.httpClient.Timeout)
		}
		if client.maxResponseBytes != 64 {
			t.Errorf("maxResponseBytes = %d, want 64", client.maxResponseBytes)
		}
		if got := client.header.Get(HeaderAPIKey); got != "secret" {
			t.Errorf("API key = %q, want %q", got, "secret")
		}
	})
}

func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var gotMethod, gotPath, gotContentType string
		var gotBody []byte
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			_ = json.NewEncoder(w).Encode(credentialStatus{Provider: "canvas", Connected: true})
		}))
		defer ts.Close()

		var result credentialStatus
		err := New(ts.URL).PostJSON(context.Background(), "/credentials/canvas",
			map[string]string{"canvasToken": "t"}, &result)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotMethod != http.MethodPost {
			t.Errorf("Method = %q, want %q", gotMethod, http.MethodPost)
		}
		if gotPath != "/credentials/canvas" {
			t.Errorf("Path = %q, want %q", gotPath, "/credentials/canvas")
		}
		if gotContentType != "application/json" {
			t.Errorf("Content-Type = %q, want %q", gotContentType, "application/json")
		}
		if string(gotBody) != `{"canvasToken":"t"}` {
			t.Errorf("body = %s", gotBody)
		}
		if !result.Connected || result.Provider != "canvas" {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("シリアライズできないボディはエラーになること", func(t *testing.T) {
		t.Parallel()

		err := New("http://127.0.0.1:1").PostJSON(context.Background(), "/", make(chan int), nil)
		if err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := New(ts.URL).PostJSON(ctx, "/", struct{}{}, nil); err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		maxBytes   int64
		wantStatus int
		wantErr    error
		wantAnyErr bool
	}{
		{
			name:   "正常なレスポンスをデコードできること",
			status: http.StatusOK,
			body:   `{"provider":"canvas","connected":true}`,
		},
		{
			name:       "404はStatusErrorになること",
			status:     http.StatusNotFound,
			body:       `{"error":"not found"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "500はStatusErrorになること",
			status:     http.StatusInternalServerError,
			body:       `{"error":"internal"}`,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "不正なJSONはエラーになること",
			status:     http.StatusOK,
			body:       `{invalid json}`,
			wantAnyErr: true,
		},
		{
			name:     "上限を超えるレスポンスはErrResponseTooLargeになること",
			status:   http.StatusOK,
			body:     `{"provider":"` + strings.Repeat("x", 100) + `"}`,
			maxBytes: 32,
			wantErr:  ErrResponseTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.ContentLength > 0 {
					t.Errorf("GETリクエストにボディが含まれている")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			var opts []Option
			if tt.maxBytes > 0 {
				opts = append(opts, WithMaxResponseBytes(tt.maxBytes))
			}
			var result credentialStatus
			err := New(ts.URL, opts...).GetJSON(context.Background(), "/credentials/canvas", &result)

			switch {
			case tt.wantStatus != 0:
				var se *StatusError
				if !errors.As(err, &se) {
					t.Fatalf("err = %v, want *StatusError", err)
				}
				if se.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.wantStatus)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAnyErr:
				if err == nil {
					t.Error("GetJSON()がエラーを返すべきだが、nilが返った")
				}
			default:
				if err != nil {
					t.Fatalf("GetJSON()でエラーが発生: %v", err)
				}
				if !result.Connected {
					t.Errorf("result = %+v", result)
				}
			}
		})
	}

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		var result credentialStatus
		if err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

func TestHeaderPropagation(t *testing.T) {
	t.Parallel()

	t.Run("コンテキストのsubとAPIキーがヘッダーで伝播されること", func(t *testing.T) {
		t.Parallel()

		var gotSub, gotKey string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSub = r.Header.Get(HeaderSubject)
			gotKey = r.Header.Get(HeaderAPIKey)
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithSubject(context.Background(), "sub-123")
		if err := New(ts.URL, WithAPIKey("course-key")).GetJSON(ctx, "/", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if gotSub != "sub-123" {
			t.Errorf("%s = %q, want %q", HeaderSubject, gotSub, "sub-123")
		}
		if gotKey != "course-key" {
			t.Errorf("%s = %q, want %q", HeaderAPIKey, gotKey, "course-key")
		}
	})

	t.Run("空のsubは伝播されないこと", func(t *testing.T) {
		t.Parallel()

		var has bool
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, has = r.Header[http.CanonicalHeaderKey(HeaderSubject)]
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithSubject(context.Background(), "")
		if err := New(ts.URL).GetJSON(ctx, "/", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if has {
			t.Errorf("%s ヘッダーが設定されている", HeaderSubject)
		}
	})

	t.Run("コンテキストのベアラートークンが付与されること", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithBearerToken(context.Background(), "canvas-token")
		if err := New(ts.URL).GetJSON(ctx, "/", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if got != "Bearer canvas-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer canvas-token")
		}
	})
}
