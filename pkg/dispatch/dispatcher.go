// Package dispatch はキューから受信したイベントを種別ごとのハンドラに振り分ける。
//
// 処理済みの冪等キーは適用せずにAckし、失敗したメッセージは試行回数を増やして再配送する。
// 試行回数が上限に達したメッセージと、解釈できないメッセージはデッドレターキューに移す。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/idempotency"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
	"github.com/SolidCitadel/UniSync/pkg/queue"
)

// Handler はイベントをサービスの状態に適用する。
// 同じ封筒で複数回呼ばれても同じ状態に収束するよう実装すること。
type Handler func(ctx context.Context, env *event.Envelope) error

// Outcome は1回の配送の処理結果。
type Outcome string

const (
	// OutcomeAcked はハンドラが成功しAckしたことを表す。
	OutcomeAcked Outcome = "acked"
	// OutcomeDuplicate は処理済みの冪等キーのため適用せずにAckしたことを表す。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRetried は再配送させたことを表す。
	OutcomeRetried Outcome = "retried"
	// OutcomeDeadLettered はデッドレターキューに移したことを表す。
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeAbandoned は確定前に停止したことを表す。メッセージはキューが再配送する。
	OutcomeAbandoned Outcome = "abandoned"
)

// maxReasonLength はヘッダーに残す失敗理由の最大長。
const maxReasonLength = 512

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても回復しない失敗であることを示す。
// Permanentで包んだエラーを返したメッセージは試行回数に関わらずデッドレターキューに移す。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent はerrがPermanentで包まれているかを返す。
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Dispatcher はイベント種別ごとのハンドラを保持する。
type Dispatcher struct {
	handlers map[event.Type]Handler
	ledger   idempotency.Ledger
	logger   *zap.Logger

	// maxAttempts はハンドラを呼ぶ回数の上限。
	maxAttempts int
	// retryDelay は再配送前の初回待機時間。試行ごとに倍になる。
	retryDelay time.Duration
	// maxRetryDelay は再配送前の待機時間の上限。
	maxRetryDelay time.Duration
	// handlerTimeout はハンドラ1回の制限時間。
	handlerTimeout time.Duration
}

// Option はDispatcherの設定を変更する。
type Option func(*Dispatcher)

// WithMaxAttempts はハンドラを呼ぶ回数の上限を設定する。
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = max(n, 1) }
}

// WithRetryDelay は再配送前の待機時間を設定する。
func WithRetryDelay(initial, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryDelay = initial
		d.maxRetryDelay = maxDelay
	}
}

// WithHandlerTimeout はハンドラ1回の制限時間を設定する。
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.handlerTimeout = timeout }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New はDispatcherを生成する。
func New(ledger idempotency.Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:       make(map[event.Type]Handler),
		ledger:         ledger,
		logger:         zap.NewNop(),
		maxAttempts:    3,
		retryDelay:     time.Second,
		maxRetryDelay:  30 * time.Second,
		handlerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register はイベント種別にハンドラを登録する。Runより前に呼ぶこと。
func (d *Dispatcher) Register(t event.Type, h Handler) {
	d.handlers[t] = h
}

// Run は全てのキューを購読し、ctxがキャンセルされるまでブロックする。
func (d *Dispatcher) Run(ctx context.Context, c queue.Consumer, queues []string, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			d.logger.Info("キューの購読を開始します", zap.String("queue", q), zap.Int("workers", workers))
			return c.Consume(ctx, q, workers, func(ctx context.Context, del *queue.Delivery) {
				d.Handle(ctx, del)
			})
		})
	}
	return g.Wait()
}

// Handle は1回の配送を処理し、必ず確定させてから結果を返す。
// ctxがキャンセルされた場合のみ確定せずに戻る。
func (d *Dispatcher) Handle(ctx context.Context, del *queue.Delivery) Outcome {
	ctx, span := otel.Tracer("github.com/SolidCitadel/UniSync/pkg/dispatch").Start(ctx, "dispatch.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("queue", del.Queue), attribute.Int("attempt", del.Attempt))

	outcome := d.handle(ctx, del)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.MessagesHandled.WithLabelValues(del.Queue, string(outcome)).Inc()
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, del *queue.Delivery) Outcome {
	log := d.logger.With(zap.String("queue", del.Queue), zap.Int("attempt", del.Attempt))

	env, err := event.Decode(del.Body)
	if err != nil {
		log.Warn("解釈できないメッセージを受信しました", zap.Error(err))
		return d.deadLetter(ctx, del, log, "malformed envelope")
	}
	log = log.With(
		zap.String("event_type", string(env.EventType)),
		zap.String("idempotency_key", env.IdempotencyKey),
		zap.String("source_service", env.SourceService))

	h, ok := d.handlers[env.EventType]
	if !ok {
		log.Warn("未知のイベント種別を受信しました")
		return d.deadLetter(ctx, del, log, "unknown event type: "+string(env.EventType))
	}

	processed, err := d.ledger.Processed(ctx, env.IdempotencyKey)
	if err != nil {
		return d.fail(ctx, del, log, fmt.Errorf("台帳の参照に失敗: %w", err))
	}
	if processed {
		log.Debug("処理済みのイベントのため適用をスキップします")
		return d.ack(ctx, del, log, OutcomeDuplicate)
	}

	if err := d.call(ctx, h, env); err != nil {
		return d.fail(ctx, del, log, err)
	}

	if err := d.ledger.MarkProcessed(ctx, env.IdempotencyKey, string(env.EventType)); err != nil {
		// 適用は完了している。再配送されてもハンドラのupsertで同じ状態に収束する。
		log.Warn("台帳への記録に失敗しました", zap.Error(err))
	}
	return d.ack(ctx, del, log, OutcomeAcked)
}

// call はハンドラを制限時間付きで呼び、パニックをエラーに変換する。
func (d *Dispatcher) call(ctx context.Context, h Handler, env *event.Envelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ハンドラがパニックしました: %v", r)
		}
	}()
	return h(ctx, env)
}

func (d *Dispatcher) fail(ctx context.Context, del *queue.Delivery, log *zap.Logger, cause error) Outcome {
	// 停止中の失敗はハンドラの不具合ではない。確定させずに再配送へ任せる。
	if ctx.Err() != nil {
		log.Info("停止中のため処理を中断しました", zap.Error(cause))
		return OutcomeAbandoned
	}

	reason := truncate(cause.Error())

	if IsPermanent(cause) {
		log.Error("回復不能なエラーのためデッドレターキューに移します", zap.Error(cause))
		return d.deadLetter(ctx, del, log, reason)
	}
	if del.Attempt >= d.maxAttempts {
		log.Error("試行回数の上限に達したためデッドレターキューに移します",
			zap.Int("max_attempts", d.maxAttempts), zap.Error(cause))
		return d.deadLetter(ctx, del, log, reason)
	}

	log.Warn("イベントの処理に失敗、再配送します", zap.Error(cause))
	select {
	case <-ctx.Done():
		return OutcomeAbandoned
	case <-time.After(d.delay(del.Attempt)):
	}
	if err := del.Retry(ctx, reason); err != nil {
		log.Error("再配送の登録に失敗しました", zap.Error(err))
	}
	return OutcomeRetried
}

func (d *Dispatcher) ack(ctx context.Context, del *queue.Delivery, log *zap.Logger, outcome Outcome) Outcome {
	if err := del.Ack(ctx); err != nil {
		log.Error("Ackに失敗しました", zap.Error(err))
	}
	return outcome
}

func (d *Dispatcher) deadLetter(ctx context.Context, del *queue.Delivery, log *zap.Logger, reason string) Outcome {
	if err := del.DeadLetter(ctx, reason); err != nil {
		log.Error("デッドレターキューへの移動に失敗しました", zap.Error(err))
	}
	return OutcomeDeadLettered
}

// delay は試行回数に応じた再配送前の待機時間を返す。
func (d *Dispatcher) delay(attempt int) time.Duration {
	delay := d.retryDelay
	for i := 1; i < attempt && delay < d.maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, d.maxRetryDelay)
}

func truncate(s string) string {
	if len(s) <= maxReasonLength {
		return s
	}
	return s[:maxReasonLength]
}
