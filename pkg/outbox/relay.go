package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/metrics"
)

// EnvelopePublisher は封筒を再試行付きで送信する。publisher.Publisher が実装する。
type EnvelopePublisher interface {
	PublishWithRetry(ctx context.Context, env *event.Envelope) error
}

// Relay はコミット済みのアウトボックスレコードを定期的に読み出して送信するバックグラウンドプロセス。
type Relay struct {
	// store はアウトボックスの読み書きに使用する。
	store *Store
	// publisher は封筒の送信先。
	publisher EnvelopePublisher
	// logger はログ出力先。
	logger *zap.Logger
	// interval はポーリング間隔。
	interval time.Duration
	// batchSize は1回のポーリングで読み出す上限件数。
	batchSize int
	// degradedAfter はこの回数失敗したレコードを配信劣化として報告する閾値。
	degradedAfter int
	// maxBackoff は失敗したレコードの次回送信までの待機時間の上限。
	maxBackoff time.Duration
	// onDegraded は配信劣化を検知したときに呼ばれる。
	onDegraded func(Record)
	// now は現在時刻を返す。
	now func() time.Time

	// wake はコミット直後にポーリングを前倒しするための通知チャネル。
	wake chan struct{}
	// mu は processOnce の同時実行を防ぐ。
	mu sync.Mutex
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	done   chan struct{}
}

// RelayOption はRelayの設定を変更する。
type RelayOption func(*Relay)

// WithInterval はポーリング間隔を設定する。
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

// WithBatchSize は1回のポーリングで読み出す件数を設定する。
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// WithDegradedAfter は配信劣化として扱う失敗回数を設定する。
func WithDegradedAfter(n int) RelayOption {
	return func(r *Relay) { r.degradedAfter = n }
}

// WithOnDegraded は配信劣化を検知したときのコールバックを設定する。
func WithOnDegraded(fn func(Record)) RelayOption {
	return func(r *Relay) { r.onDegraded = fn }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// WithClock は現在時刻の取得方法を設定する。
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// NewRelay はRelayを生成する。
func NewRelay(store *Store, publisher EnvelopePublisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:         store,
		publisher:     publisher,
		logger:        zap.NewNop(),
		interval:      time.Second,
		batchSize:     50,
		degradedAfter: 5,
		maxBackoff:    5 * time.Minute,
		now:           time.Now,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start はバックグラウンドでポーリングを開始する。
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.logger.Info("アウトボックス中継を開始します", zap.Duration("interval", r.interval))
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("アウトボックス中継を停止しました")
				return
			case <-ticker.C:
			case <-r.wake:
			}
			if _, err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("アウトボックス中継でエラーが発生", zap.Error(err))
			}
		}
	}()
}

// Stop はバックグラウンドのポーリングを停止し、終了を待つ。
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Notify はコミット直後に呼び、次のポーリングを前倒しする。
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ProcessOnce は送信予定のレコードを1バッチ分送信し、送信できた件数を返す。
// 送信に失敗した時点でバッチを打ち切る。
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.FetchPending(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	var publishErr error
	for _, rec := range records {
		if err := r.publisher.PublishWithRetry(ctx, rec.Envelope); err != nil {
			publishErr = err
			r.recordFailure(ctx, rec, err)
			break
		}
		if err := r.store.MarkPublished(ctx, rec.ID, r.now()); err != nil {
			// 送信済みだが記録できなかった。次回再送されるが冪等キーにより無害。
			return published, err
		}
		published++
	}

	r.refreshGauges(ctx)
	if publishErr != nil && ctx.Err() == nil {
		return published, publishErr
	}
	return published, nil
}

// Status は現在の滞留状況を返す。
func (r *Relay) Status(ctx context.Context) (Status, error) {
	return r.store.Status(ctx, r.degradedAfter)
}

// DegradedRecords は配信劣化状態のレコードを返す。
func (r *Relay) DegradedRecords(ctx context.Context, limit int) ([]Record, error) {
	return r.store.Degraded(ctx, r.degradedAfter, limit)
}

func (r *Relay) recordFailure(ctx context.Context, rec Record, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	next := r.now().Add(r.retryDelay(rec.Attempts + 1))
	attempts, err := r.store.MarkFailed(ctx, rec.ID, cause.Error(), next)
	if err != nil {
		r.logger.Error("送信失敗の記録に失敗", zap.String("outbox_id", rec.ID), zap.Error(err))
		return
	}
	rec.Attempts = attempts
	rec.LastError = cause.Error()

	fields := []zap.Field{
		zap.String("outbox_id", rec.ID),
		zap.String("event_type", string(rec.Envelope.EventType)),
		zap.String("idempotency_key", rec.Envelope.IdempotencyKey),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	}
	if attempts < r.degradedAfter {
		r.logger.Warn("イベントの送信に失敗", fields...)
		return
	}
	r.logger.Error("イベント配信が劣化しています", fields...)
	if r.onDegraded != nil {
		r.onDegraded(rec)
	}
}

// retryDelay は失敗回数に応じた次回送信までの待機時間を返す。
func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.interval
	for i := 1; i < attempts && d < r.maxBackoff; i++ {
		d *= 2
	}
	return min(d, r.maxBackoff)
}

func (r *Relay) refreshGauges(ctx context.Context) {
	st, err := r.Status(ctx)
	if err != nil {
		return
	}
	metrics.OutboxPending.Set(float64(st.Pending))
	metrics.OutboxDegraded.Set(float64(st.Degraded))
}
