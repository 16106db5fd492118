package jwks

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/SolidCitadel/UniSync/pkg/httpclient"
)

// Source は公開鍵セットの取得元。
type Source interface {
	Fetch(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// maxDocumentBytes はJWKSドキュメントとして受け付ける最大サイズ。
const maxDocumentBytes = 256 << 10

// HTTPSource はJWKSエンドポイントから鍵セットを取得する。
type HTTPSource struct {
	url    string
	client *httpclient.Client
}

// NewHTTPSource はurlから鍵セットを取得するSourceを生成する。
func NewHTTPSource(url string, opts ...httpclient.Option) *HTTPSource {
	opts = append([]httpclient.Option{httpclient.WithMaxResponseBytes(maxDocumentBytes)}, opts...)
	return &HTTPSource{
		url:    url,
		client: httpclient.New(url, opts...),
	}
}

// Fetch は鍵セットを取得する。
func (s *HTTPSource) Fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := s.client.GetJSON(ctx, "", &set); err != nil {
		return nil, fmt.Errorf("JWKSの取得に失敗 (%s): %w", s.url, err)
	}
	return &set, nil
}

// StaticSource は固定の鍵セットを返す。テストやローカル実行で使う。
type StaticSource jose.JSONWebKeySet

// Fetch は保持している鍵セットを返す。
func (s *StaticSource) Fetch(context.Context) (*jose.JSONWebKeySet, error) {
	set := jose.JSONWebKeySet(*s)
	return &set, nil
}
