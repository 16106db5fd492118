// Package publisher はドメインイベントを封筒に包んでキューへ送信する。
//
// Publishはビジネス状態のコミット後にのみ呼ぶこと。通常は outbox.Relay が
// コミット済みのアウトボックスレコードを読み出して呼び出す。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/queue"
)

// ErrNoRoute はイベント種別に配送先キューが設定されていないことを表す。
var ErrNoRoute = errors.New("配送先キューが設定されていません")

// PublishError はキューへの送信失敗を表す。再試行で回復し得る。
type PublishError struct {
	EventType event.Type
	Queue     string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("イベント %s のキュー %s への送信に失敗: %v", e.EventType, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher はイベント封筒を配送先キューへ送信する。
type Publisher struct {
	queue  queue.Publisher
	routes event.Routes
	source string
	logger *zap.Logger

	// timeout は1回の送信の制限時間。
	timeout time.Duration
	// initialInterval は再試行の初回待機時間。
	initialInterval time.Duration
	// maxInterval は再試行の待機時間の上限。
	maxInterval time.Duration
	// maxElapsed は再試行を打ち切るまでの合計時間。
	maxElapsed time.Duration
}

// Option はPublisherの設定を変更する。
type Option func(*Publisher)

// WithTimeout は1回の送信の制限時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// WithRetry は指数バックオフの初回待機時間と打ち切り時間を設定する。
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(p *Publisher) {
		p.initialInterval = initial
		p.maxElapsed = maxElapsed
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// New はPublisherを生成する。sourceは封筒のSourceServiceになる。
func New(q queue.Publisher, routes event.Routes, source string, opts ...Option) *Publisher {
	p := &Publisher{
		queue:           q,
		routes:          routes,
		source:          source,
		logger:          zap.NewNop(),
		timeout:         5 * time.Second,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     5 * time.Second,
		maxElapsed:      15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source は封筒に記録する発行元サービス名を返す。
func (p *Publisher) Source() string {
	return p.source
}

// Publish は封筒を生成して再試行付きで送信する。
func (p *Publisher) Publish(ctx context.Context, eventType event.Type, idempotencyKey string, payload any) error {
	env, err := event.New(eventType, idempotencyKey, p.source, payload)
	if err != nil {
		return err
	}
	return p.PublishWithRetry(ctx, env)
}

// PublishWithRetry は送信に失敗した配送先だけを指数バックオフで再送する。
// 打ち切った場合は最後の *PublishError を返す。
func (p *Publisher) PublishWithRetry(ctx context.Context, env *event.Envelope) error {
	delivered := make(map[string]bool)
	op := func() error {
		err := p.publish(ctx, env, delivered)
		if errors.Is(err, ErrNoRoute) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = p.maxElapsed

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		p.logger.Warn("イベントの送信に失敗、再試行します",
			zap.String("event_type", string(env.EventType)),
			zap.String("idempotency_key", env.IdempotencyKey),
			zap.Duration("next", next),
			zap.Error(err))
	})
}

// PublishEnvelope は全ての配送先に1回ずつ送信する。
func (p *Publisher) PublishEnvelope(ctx context.Context, env *event.Envelope) error {
	return p.publish(ctx, env, make(map[string]bool))
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope, delivered map[string]bool) error {
	ctx, span := otel.Tracer("github.com/SolidCitadel/UniSync/pkg/publisher").Start(ctx, "publisher.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(env.EventType)),
		attribute.String("event.idempotency_key", env.IdempotencyKey))

	queues := p.routes[env.EventType]
	if len(queues) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoute, env.EventType)
	}

	body, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := queue.Message{
		Body: body,
		Headers: map[string]string{
			queue.HeaderEventType:      string(env.EventType),
			queue.HeaderIdempotencyKey: env.IdempotencyKey,
		},
	}

	for _, q := range queues {
		if delivered[q] {
			continue
		}
		if err := p.send(ctx, q, msg); err != nil {
			metrics.EventsPublished.WithLabelValues(string(env.EventType), "error").Inc()
			span.RecordError(err)
			return &PublishError{EventType: env.EventType, Queue: q, Err: err}
		}
		delivered[q] = true
		metrics.EventsPublished.WithLabelValues(string(env.EventType), "ok").Inc()
	}
	return nil
}

// send は制限時間付きで1回送信する。
// 制限時間切れで中断した送信が後から届いても、冪等キーにより重複は無害になる。
func (p *Publisher) send(ctx context.Context, q string, msg queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.queue.Publish(ctx, q, msg)
}
