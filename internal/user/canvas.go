package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/SolidCitadel/UniSync/pkg/httpclient"
)

// ErrInvalidCanvasToken はCanvasがトークンを受け付けなかったことを表す。
var ErrInvalidCanvasToken = errors.New("Canvasトークンが無効です")

// CanvasProfile はトークンの持ち主のCanvasプロフィール。
type CanvasProfile struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	LoginID string `json:"login_id"`
}

// ProfileFetcher はCanvasトークンを検証してプロフィールを取得する。
type ProfileFetcher interface {
	Profile(ctx context.Context, token string) (*CanvasProfile, error)
}

// CanvasClient はCanvas LMS APIのクライアント。
type CanvasClient struct {
	client *httpclient.Client
}

// NewCanvasClient はbaseURLのCanvasに接続するクライアントを生成する。
func NewCanvasClient(baseURL string, timeout time.Duration) *CanvasClient {
	return &CanvasClient{client: httpclient.New(baseURL, httpclient.WithTimeout(timeout))}
}

// Profile はトークンでプロフィールAPIを呼び、トークンの有効性を確認する。
func (c *CanvasClient) Profile(ctx context.Context, token string) (*CanvasProfile, error) {
	var profile CanvasProfile
	err := c.client.GetJSON(httpclient.WithBearerToken(ctx, token), "/api/v1/users/self/profile", &profile)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return nil, ErrInvalidCanvasToken
		}
		return nil, fmt.Errorf("Canvasプロフィールの取得に失敗: %w", err)
	}
	return &profile, nil
}

// unverifiedProfiles はCanvasのURLが未設定のときに使う。トークンを検証しない。
type unverifiedProfiles struct{}

func (unverifiedProfiles) Profile(context.Context, string) (*CanvasProfile, error) {
	return &CanvasProfile{}, nil
}

func (p *CanvasProfile) externalUserID() string {
	if p.ID == 0 {
		return ""
	}
	return strconv.FormatInt(p.ID, 10)
}
