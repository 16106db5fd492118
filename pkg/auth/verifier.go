// Package auth はIDプロバイダが発行したベアラートークンを検証する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/SolidCitadel/UniSync/pkg/jwks"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
)

// Kind はトークンを拒否した理由の種別。
type Kind string

const (
	KindMalformedToken    Kind = "malformed_token"
	KindUnknownKeyID      Kind = "unknown_key_id"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindExpired           Kind = "expired"
	KindNotYetValid       Kind = "not_yet_valid"
	KindIssuerMismatch    Kind = "issuer_mismatch"
	KindAudienceMismatch  Kind = "audience_mismatch"
	KindTokenTypeMismatch Kind = "token_type_mismatch"
)

// Failure はクライアント側の原因でトークンを拒否したことを表す。
// Detail はログ用で、トークン本体や署名、鍵の値は含めない。
type Failure struct {
	Kind   Kind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return "トークンが拒否されました: " + string(f.Kind)
	}
	return fmt.Sprintf("トークンが拒否されました: %s (%s)", f.Kind, f.Detail)
}

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsFailure はerrがFailureであればそれを返す。
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KeyResolver はkidから公開鍵を引く。*jwks.KeyCache が実装する。
type KeyResolver interface {
	GetKey(ctx context.Context, kid string) (jwks.Key, error)
}

// Config は検証の設定。
type Config struct {
	// Issuer はissクレームと完全一致させる値。
	Issuer string
	// ClientID はaudクレーム（アクセストークンではclient_idクレーム）に含まれるべき値。
	ClientID string
	// TokenUse はtoken_useクレームの期待値。空の場合は検査しない。
	TokenUse string
	// ClockSkew はexpとnbfの判定で許容する時計のずれ。
	ClockSkew time.Duration
	// Algorithms は受け入れる署名アルゴリズム。空の場合はRS256のみ。
	Algorithms []string
}

// VerifiedClaims は検証済みトークンのクレーム。
type VerifiedClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	// Scopes はscopeクレームを空白で分割したものにcognito:groupsを順に続けたもの。
	Scopes    []string
	Email     string
	Name      string
	TokenUse  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims はCognitoが発行するトークンのクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope    string   `json:"scope"`
	Groups   []string `json:"cognito:groups"`
	ClientID string   `json:"client_id"`
	TokenUse string   `json:"token_use"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
}

// Verifier はベアラートークンを検証する。複数のゴルーチンから同時に呼んでよい。
type Verifier struct {
	keys   KeyResolver
	cfg    Config
	now    func() time.Time
	parser *jwt.Parser
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithClock は現在時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier はVerifierを生成する。IssuerとClientIDは必須。
func NewVerifier(keys KeyResolver, cfg Config, opts ...Option) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuerが設定されていません")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client idが設定されていません")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{jwt.SigningMethodRS256.Alg()}
	}
	v := &Verifier{
		keys:   keys,
		cfg:    cfg,
		now:    time.Now,
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify はトークンを検証し、成功すればクレームを返す。
// 拒否した場合は*Failureを返す。鍵を確認できなかった一時的な失敗はjwks.ErrUnavailableを包んで返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*VerifiedClaims, error) {
	ctx, span := otel.Tracer("github.com/SolidCitadel/UniSync/pkg/auth").Start(ctx, "auth.Verify")
	defer span.End()

	claims, err := v.verify(ctx, raw)
	result := "ok"
	if err != nil {
		result = "unavailable"
		if f, ok := AsFailure(err); ok {
			result = string(f.Kind)
		}
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("result", result))
	metrics.TokenVerifications.WithLabelValues(result).Inc()
	return claims, err
}

func (v *Verifier) verify(ctx context.Context, raw string) (*VerifiedClaims, error) {
	// 1. 構造
	var claims tokenClaims
	// 未登録のアルゴリズムは構造と鍵を確認した後、署名の段階で拒否する
	token, parts, err := v.parser.ParseUnverified(raw, &claims)
	unsupportedAlg := false
	if err != nil {
		if _, hasAlg := headerAlg(token); !hasAlg || !errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fail(KindMalformedToken, "トークンを解析できません")
		}
		unsupportedAlg = true
	}
	signature, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fail(KindMalformedToken, "署名をデコードできません")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fail(KindMalformedToken, "kidがありません")
	}
	if claims.ExpiresAt == nil {
		return nil, fail(KindMalformedToken, "expがありません")
	}
	if claims.Subject == "" {
		return nil, fail(KindMalformedToken, "subがありません")
	}

	// 2. 鍵
	key, err := v.keys.GetKey(ctx, kid)
	if errors.Is(err, jwks.ErrKeyNotFound) {
		return nil, fail(KindUnknownKeyID, "kid=%s", kid)
	}
	if err != nil {
		return nil, fmt.Errorf("署名鍵の解決に失敗: %w", err)
	}

	// 3. 署名
	if unsupportedAlg {
		alg, _ := headerAlg(token)
		return nil, fail(KindSignatureInvalid, "未対応の署名アルゴリズム: %s", alg)
	}
	alg := token.Method.Alg()
	if !slices.Contains(v.cfg.Algorithms, alg) {
		return nil, fail(KindSignatureInvalid, "許可されていないアルゴリズム: %s", alg)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fail(KindSignatureInvalid, "鍵のアルゴリズムと一致しません: %s", alg)
	}
	if err := token.Method.Verify(parts[0]+"."+parts[1], signature, key.Public); err != nil {
		return nil, fail(KindSignatureInvalid, "署名が一致しません")
	}

	// 4-5. 有効期間
	now := v.now()
	exp := claims.ExpiresAt.Time
	if now.After(exp.Add(v.cfg.ClockSkew)) {
		return nil, fail(KindExpired, "exp=%s", exp.UTC().Format(time.RFC3339))
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Add(-v.cfg.ClockSkew)) {
		return nil, fail(KindNotYetValid, "nbf=%s", claims.NotBefore.UTC().Format(time.RFC3339))
	}

	// 6. 発行者
	if claims.Issuer != v.cfg.Issuer {
		return nil, fail(KindIssuerMismatch, "iss=%s", claims.Issuer)
	}

	// 7. 対象者
	audience := []string(claims.Audience)
	if len(audience) == 0 && claims.ClientID != "" {
		audience = []string{claims.ClientID}
	}
	if !slices.Contains(audience, v.cfg.ClientID) {
		return nil, fail(KindAudienceMismatch, "aud=%s", strings.Join(audience, ","))
	}

	// 8. トークン種別
	if v.cfg.TokenUse != "" && claims.TokenUse != v.cfg.TokenUse {
		return nil, fail(KindTokenTypeMismatch, "token_use=%s", claims.TokenUse)
	}

	out := &VerifiedClaims{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		Audience:  audience,
		Scopes:    scopes(claims),
		Email:     claims.Email,
		Name:      claims.Name,
		TokenUse:  claims.TokenUse,
		ExpiresAt: exp,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func headerAlg(token *jwt.Token) (string, bool) {
	if token == nil {
		return "", false
	}
	alg, ok := token.Header["alg"].(string)
	return alg, ok && alg != ""
}

func scopes(c tokenClaims) []string {
	out := strings.Fields(c.Scope)
	for _, g := range c.Groups {
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}
