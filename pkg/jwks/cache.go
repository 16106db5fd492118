package jwks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/SolidCitadel/UniSync/pkg/metrics"
)

var (
	// ErrKeyNotFound はリフレッシュ後もkidに対応する鍵が存在しないことを表す。
	ErrKeyNotFound = errors.New("署名鍵が見つかりません")
	// ErrUnavailable はIDプロバイダに到達できず鍵を確認できないことを表す。一時的な失敗。
	ErrUnavailable = errors.New("署名鍵を取得できません")
	// errNoUsableKeys は取得した鍵セットに検証に使える鍵が1つもないことを表す。
	errNoUsableKeys = errors.New("JWKSに利用可能な署名鍵がありません")
)

// リフレッシュの契機。メトリクスのラベルに使う。
const (
	reasonScheduled = "scheduled"
	reasonForced    = "forced"
	reasonManual    = "manual"
)

// Key はキャッシュされた公開鍵。
type Key struct {
	// ID はkid。
	ID string
	// Algorithm はJWKに記載された署名アルゴリズム。空の場合もある。
	Algorithm string
	// Public は公開鍵（*rsa.PublicKey、*ecdsa.PublicKey、ed25519.PublicKey）。
	Public any
	// FetchedAt は最初に取得した時刻。
	FetchedAt time.Time
}

// entry はキャッシュの1要素。
type entry struct {
	key Key
	// lastSeen は最後に取得した鍵セットに含まれていた時刻。
	lastSeen time.Time
	// current は最新の鍵セットに含まれているかどうか。
	current bool
}

// Stats はリフレッシュの統計。
type Stats struct {
	Keys        int
	Refreshes   int
	Failures    int
	LastRefresh time.Time
	LastError   string
}

// KeyCache はkidから公開鍵を引くキャッシュ。
// 読み取りは並行に進み、IDプロバイダへのリフレッシュは同時に1つだけ行う。
type KeyCache struct {
	source Source
	logger *zap.Logger
	now    func() time.Time

	// ttl は定期リフレッシュの間隔。
	ttl time.Duration
	// grace は鍵セットから消えた鍵を保持し続ける期間。
	grace time.Duration
	// fetchTimeout はリフレッシュ1回の制限時間。
	fetchTimeout time.Duration
	// limiter は強制リフレッシュの頻度を制限する。
	limiter *rate.Limiter
	group   singleflight.Group

	mu          sync.RWMutex
	keys        map[string]entry
	lastRefresh time.Time
	lastErr     error
	refreshes   int
	failures    int

	cancel context.CancelFunc
	done   chan struct{}
}

// Option はKeyCacheの設定を変更する。
type Option func(*KeyCache)

// WithTTL は定期リフレッシュの間隔を設定する。
func WithTTL(d time.Duration) Option {
	return func(c *KeyCache) { c.ttl = d }
}

// WithGraceWindow はローテーションで消えた鍵を保持する期間を設定する。
func WithGraceWindow(d time.Duration) Option {
	return func(c *KeyCache) { c.grace = d }
}

// WithMinRefreshInterval は強制リフレッシュの最小間隔を設定する。
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *KeyCache) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithFetchTimeout はリフレッシュ1回の制限時間を設定する。
func WithFetchTimeout(d time.Duration) Option {
	return func(c *KeyCache) { c.fetchTimeout = d }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(c *KeyCache) { c.logger = l }
}

// WithClock は現在時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *KeyCache) { c.now = now }
}

// NewKeyCache は空のKeyCacheを生成する。鍵は最初のGetKeyかRefreshで取得する。
func NewKeyCache(source Source, opts ...Option) *KeyCache {
	c := &KeyCache{
		source:       source,
		logger:       zap.NewNop(),
		now:          time.Now,
		ttl:          time.Hour,
		grace:        10 * time.Minute,
		fetchTimeout: 5 * time.Second,
		limiter:      rate.NewLimiter(rate.Every(5*time.Second), 1),
		keys:         make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey はkidに対応する公開鍵を返す。
// キャッシュにあればネットワークに出ずに返す。なければ強制リフレッシュを1回行って引き直す。
func (c *KeyCache) GetKey(ctx context.Context, kid string) (Key, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	if err := c.forceRefresh(ctx); err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return Key{}, ErrKeyNotFound
}

// Refresh は鍵セットを取得し直す。強制リフレッシュの頻度制限は受けない。
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx, reasonManual)
	})
	return err
}

// Start はTTLごとに鍵セットを取得し直すバックグラウンド処理を開始する。
func (c *KeyCache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err, _ := c.group.Do("refresh", func() (any, error) {
				return nil, c.refresh(ctx, reasonScheduled)
			})
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("署名鍵の定期リフレッシュに失敗しました。キャッシュ済みの鍵で検証を続けます", zap.Error(err))
			}
		}
	}()
}

// Stop はバックグラウンド処理を停止し、終了を待つ。
func (c *KeyCache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Stats はリフレッシュの統計を返す。
func (c *KeyCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Keys:        len(c.keys),
		Refreshes:   c.refreshes,
		Failures:    c.failures,
		LastRefresh: c.lastRefresh,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *KeyCache) lookup(kid string) (Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.keys[kid]
	if !ok {
		return Key{}, false
	}
	if !e.current && c.now().Sub(e.lastSeen) > c.grace {
		return Key{}, false
	}
	return e.key, true
}

// forceRefresh は未知のkidを契機としたリフレッシュを行う。
// 実行中のリフレッシュがあればその結果を待つ。頻度制限で実行しなかった場合は
// 直前のリフレッシュの結果を返す。
func (c *KeyCache) forceRefresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (any, error) {
		if !c.limiter.AllowN(c.now(), 1) {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return nil, c.lastErr
		}
		// 待っている他の呼び出し元のため、呼び出し元のキャンセルでは中断しない
		return nil, c.refresh(context.WithoutCancel(ctx), reasonForced)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *KeyCache) refresh(ctx context.Context, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	set, err := c.source.Fetch(ctx)
	if err == nil {
		err = c.replace(set)
	}
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.failures++
		c.mu.Unlock()
		metrics.KeyRefreshes.WithLabelValues(reason, "error").Inc()
		c.logger.Warn("署名鍵のリフレッシュに失敗しました", zap.String("reason", reason), zap.Error(err))
		return err
	}
	metrics.KeyRefreshes.WithLabelValues(reason, "ok").Inc()
	return nil
}

// replace は取得した鍵セットでキャッシュを置き換える。
// 消えた鍵は猶予期間の間だけ残す。
func (c *KeyCache) replace(set *jose.JSONWebKeySet) error {
	now := c.now()
	fresh := make(map[string]Key, len(set.Keys))
	for _, jwk := range set.Keys {
		if !usable(jwk) {
			continue
		}
		fresh[jwk.KeyID] = Key{ID: jwk.KeyID, Algorithm: jwk.Algorithm, Public: jwk.Key, FetchedAt: now}
	}
	if len(fresh) == 0 {
		return errNoUsableKeys
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]entry, len(fresh)+len(c.keys))
	for kid, old := range c.keys {
		if _, ok := fresh[kid]; ok {
			continue
		}
		if now.Sub(old.lastSeen) > c.grace {
			c.logger.Info("猶予期間を過ぎた署名鍵を破棄します", zap.String("kid", kid))
			continue
		}
		old.current = false
		next[kid] = old
	}
	for kid, key := range fresh {
		if old, ok := c.keys[kid]; ok {
			key.FetchedAt = old.key.FetchedAt
		} else {
			c.logger.Info("新しい署名鍵を取得しました", zap.String("kid", kid), zap.String("alg", key.Algorithm))
		}
		next[kid] = entry{key: key, lastSeen: now, current: true}
	}

	c.keys = next
	c.lastRefresh = now
	c.lastErr = nil
	c.refreshes++
	return nil
}

// usable は署名検証に使える公開鍵かどうかを返す。
func usable(jwk jose.JSONWebKey) bool {
	if jwk.KeyID == "" || jwk.Key == nil {
		return false
	}
	if jwk.Use != "" && jwk.Use != "sig" {
		return false
	}
	return jwk.IsPublic() && jwk.Valid()
}
