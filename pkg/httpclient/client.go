package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// サービス間通信で伝播するヘッダー。
const (
	// HeaderSubject は呼び出し元ユーザーのCognito subを伝える。
	HeaderSubject = "X-User-Sub"
	// HeaderAPIKey は内部APIを呼ぶサービスのAPIキーを伝える。
	HeaderAPIKey = "X-Api-Key"
)

// defaultMaxResponseBytes はレスポンスボディの既定の上限。
const defaultMaxResponseBytes = 1 << 20

// ErrResponseTooLarge はレスポンスボディが上限を超えたことを表す。
var ErrResponseTooLarge = errors.New("レスポンスボディが上限を超えています")

// StatusError は2xx以外のレスポンスを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// Client はサービス間通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先のベースURL。
	baseURL string
	// maxResponseBytes はレスポンスボディとして読み込む最大バイト数。
	maxResponseBytes int64
	// header は全てのリクエストに付与するヘッダー。
	header http.Header
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout はリクエスト全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxResponseBytes はレスポンスボディの上限を設定する。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) { c.maxResponseBytes = n }
}

// WithAPIKey は全てのリクエストにサービスAPIキーを付与する。
func WithAPIKey(key string) Option {
	return func(c *Client) { c.header.Set(HeaderAPIKey, key) }
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "http://user-service:8081"）を指定する。
// 完全なURLを叩く場合は空文字を指定してパスにURLを渡す。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:          baseURL,
		maxResponseBytes: defaultMaxResponseBytes,
		header:           http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.header {
		req.Header[k] = v
	}

	// コンテキストから呼び出し元ユーザーを伝播する
	if sub, ok := SubjectFrom(ctx); ok {
		req.Header.Set(HeaderSubject, sub)
	}
	if token, ok := ctx.Value(contextKeyBearer).(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := c.readBody(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// readBody は上限までレスポンスボディを読み込む。上限を超えた場合はエラーを返す。
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeySubject はコンテキストに呼び出し元ユーザーを格納するためのキー。
	contextKeySubject contextKey = "subject"
	contextKeyBearer  contextKey = "bearer"
)

// WithSubject はコンテキストに呼び出し元ユーザーのsubを設定する。
// サービス間通信時に利用者を伝播するために使用する。
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, contextKeySubject, sub)
}

// SubjectFrom はコンテキストに設定されたsubを返す。
func SubjectFrom(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(contextKeySubject).(string)
	return sub, ok && sub != ""
}

// WithBearerToken はこのコンテキストで送るリクエストにベアラートークンを付与する。
// 外部APIをユーザーのトークンで呼ぶときに使う。
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyBearer, token)
}
