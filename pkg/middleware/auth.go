package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/auth"
	"github.com/SolidCitadel/UniSync/pkg/httpclient"
)

// gatewayが下流サービスへ付与する信頼済みヘッダー。
// 呼び出し元が同名のヘッダーを送ってきた場合は必ず取り除いてから付与する。
const (
	HeaderUserSub       = httpclient.HeaderSubject
	HeaderUserScopes    = "X-User-Scopes"
	HeaderUserEmail     = "X-User-Email"
	HeaderUserName      = "X-User-Name"
	HeaderGatewaySecret = "X-Gateway-Secret"
	HeaderAPIKey        = httpclient.HeaderAPIKey
)

// identityHeaderPrefix はgatewayが付与する識別情報ヘッダーの接頭辞。
const identityHeaderPrefix = "X-User-"

// コンテキストキー。
const (
	contextKeyClaims  = "claims"
	contextKeyService = "calling_service"
)

// TokenVerifier はベアラートークンを検証する。*auth.Verifier が実装する。
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*auth.VerifiedClaims, error)
}

// Authenticate はベアラートークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに検証済みクレームを設定する。
// トークンの欠落や拒否は401、鍵を確認できない一時的な失敗は503で応答する。
func Authenticate(verifier TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c)
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			if f, ok := auth.AsFailure(err); ok {
				logger.Info("トークンを拒否しました",
					zap.String("kind", string(f.Kind)),
					zap.String("path", c.Request.URL.Path))
				unauthorized(c)
				return
			}
			if errors.Is(err, context.Canceled) {
				c.Abort()
				return
			}
			logger.Warn("トークンを検証できません", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "認証サービスを一時的に利用できません",
			})
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "認証が必要です",
	})
}

// StripIdentityHeaders は呼び出し元が送ってきた識別情報ヘッダーを取り除くGinミドルウェアを返す。
func StripIdentityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		for name := range c.Request.Header {
			if strings.HasPrefix(name, identityHeaderPrefix) || name == HeaderGatewaySecret {
				c.Request.Header.Del(name)
			}
		}
		c.Next()
	}
}

// RequireGateway はgateway経由のリクエストだけを通すGinミドルウェアを返す。
// secretが空の場合は検査しない（ローカル実行用）。
func RequireGateway(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderGatewaySecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "gateway経由のリクエストではありません",
			})
			return
		}
		c.Next()
	}
}

// ServiceAPIKey はサービス間APIのキーを検証するGinミドルウェアを返す。
// keysはAPIキーから呼び出し元サービス名への対応。
func ServiceAPIKey(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderAPIKey))
		service := ""
		for key, name := range keys {
			if subtle.ConstantTimeCompare(got, []byte(key)) == 1 {
				service = name
			}
		}
		if len(got) == 0 || service == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "APIキーが無効です",
			})
			return
		}
		c.Set(contextKeyService, service)
		c.Next()
	}
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetClaims(c *gin.Context) (*auth.VerifiedClaims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.VerifiedClaims)
	return claims, ok
}

// GetSubject はGinコンテキストから認証済みユーザーのsubを取得する。
func GetSubject(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.Subject
	}
	return ""
}

// GetCallingService はServiceAPIKeyで識別した呼び出し元サービス名を取得する。
func GetCallingService(c *gin.Context) string {
	return c.GetString(contextKeyService)
}
