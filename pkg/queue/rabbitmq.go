package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig はRabbitMQドライバの設定。
type RabbitMQConfig struct {
	// URL はAMQP接続URL。
	URL string
	// Prefetch はコンシューマが同時に受け取る未確定メッセージの上限。
	Prefetch int
	// ReconnectInterval は再接続を試みる間隔。
	ReconnectInterval time.Duration
	// MaxRetries は起動時の接続試行回数の上限。
	MaxRetries uint64
}

// RabbitMQBroker はRabbitMQを使用するBroker。
// 送信はパブリッシャーコンファームを待ってから成功を返す。
// キューとデッドレターキューはどちらもdurableとして宣言する。
type RabbitMQBroker struct {
	cfg    RabbitMQConfig
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

var (
	_ Broker   = (*RabbitMQBroker)(nil)
	_ Redriver = (*RabbitMQBroker)(nil)
)

// DialRabbitMQ はRabbitMQに接続する。接続できない場合は一定間隔で再試行する。
func DialRabbitMQ(ctx context.Context, cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQBroker, error) {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	b := &RabbitMQBroker{cfg: cfg, logger: logger, declared: make(map[string]bool)}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ReconnectInterval), cfg.MaxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, err := b.connectionLocked()
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Warn("RabbitMQへの接続に失敗、再試行します", zap.Error(err), zap.Duration("next", next))
	})
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	return b, nil
}

// Publish はメッセージを送信し、ブローカーの確認応答を待つ。
func (b *RabbitMQBroker) Publish(ctx context.Context, queue string, msg Message) error {
	ch, err := b.publishChannel(queue)
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      toTable(msg.Headers),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("メッセージの送信に失敗: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("送信確認の待機に失敗: %w", err)
	}
	if !acked {
		return errors.New("ブローカーが送信を拒否しました")
	}
	return nil
}

// Consume はctxがキャンセルされるまでキューを購読する。
// チャネルが切断された場合は再接続して購読を再開する。
func (b *RabbitMQBroker) Consume(ctx context.Context, queue string, workers int, fn HandlerFunc) error {
	if workers < 1 {
		workers = 1
	}
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.MaxInterval = b.cfg.ReconnectInterval * 6
	reconnect.MaxElapsedTime = 0

	for {
		err := b.consumeOnce(ctx, queue, workers, fn)
		if ctx.Err() != nil {
			return nil
		}
		wait := reconnect.NextBackOff()
		b.logger.Warn("購読が切断されました、再接続します",
			zap.String("queue", queue), zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *RabbitMQBroker) consumeOnce(ctx context.Context, queue string, workers int, fn HandlerFunc) error {
	b.mu.Lock()
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareWithDLQ(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("購読の開始に失敗: %w", err)
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-deliveries:
					if !ok {
						return
					}
					d := NewDelivery(queue, Message{Body: raw.Body, Headers: fromTable(raw.Headers)}, &rabbitSettler{broker: b, raw: raw})
					fn(ctx, d)
					if !d.Settled() {
						_ = raw.Nack(false, true)
					}
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("配送チャネルがクローズされました")
}

// Redrive はデッドレターキューのメッセージを元のキューに戻す。
func (b *RabbitMQBroker) Redrive(ctx context.Context, queue string, limit int) (int, error) {
	b.mu.Lock()
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareWithDLQ(ch, queue); err != nil {
		return 0, err
	}

	moved := 0
	for limit <= 0 || moved < limit {
		raw, ok, err := ch.Get(DeadLetterQueue(queue), false)
		if err != nil {
			return moved, fmt.Errorf("デッドレターの取得に失敗: %w", err)
		}
		if !ok {
			break
		}
		msg := redriveMessage(Message{Body: raw.Body, Headers: fromTable(raw.Headers)})
		if err := b.Publish(ctx, queue, msg); err != nil {
			_ = raw.Nack(false, true)
			return moved, err
		}
		if err := raw.Ack(false); err != nil {
			return moved, fmt.Errorf("デッドレターのAckに失敗: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Close は接続を閉じる。
func (b *RabbitMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var errs []error
	if b.pubCh != nil {
		errs = append(errs, b.pubCh.Close())
	}
	if b.conn != nil && !b.conn.IsClosed() {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}

// connectionLocked は有効な接続を返す。切断されていれば再接続する。b.mu を保持して呼ぶこと。
func (b *RabbitMQBroker) connectionLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	b.conn = conn
	b.pubCh = nil
	b.declared = make(map[string]bool)
	return conn, nil
}

// publishChannel はコンファームモードの送信用チャネルを返し、送信先キューを宣言する。
func (b *RabbitMQBroker) publishChannel(queue string) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	if b.pubCh == nil || b.pubCh.IsClosed() {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("コンファームモードの設定に失敗: %w", err)
		}
		b.pubCh = ch
		b.declared = make(map[string]bool)
	}
	if !b.declared[queue] {
		if err := declareWithDLQ(b.pubCh, queue); err != nil {
			return nil, err
		}
		b.declared[queue] = true
	}
	return b.pubCh, nil
}

// declareWithDLQ はキューとそのデッドレターキューを宣言する。
// デッドレターキュー自体にはさらにデッドレターキューを作らない。
func declareWithDLQ(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", queue, err)
	}
	dlq := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターキュー %s の宣言に失敗: %w", dlq, err)
	}
	return nil
}

// rabbitSettler はRabbitMQの配送を確定させる。
// RetryとDeadLetterは新しいメッセージの送信確認を得てから元の配送をAckするため、
// 途中で停止してもメッセージは失われない。
type rabbitSettler struct {
	broker *RabbitMQBroker
	raw    amqp.Delivery
}

func (s *rabbitSettler) Ack(_ context.Context, _ *Delivery) error {
	return s.raw.Ack(false)
}

func (s *rabbitSettler) Retry(ctx context.Context, d *Delivery, reason string) error {
	return s.forward(ctx, d.Queue, retryMessage(d, reason))
}

func (s *rabbitSettler) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return s.forward(ctx, DeadLetterQueue(d.Queue), deadLetterMessage(d, reason))
}

func (s *rabbitSettler) forward(ctx context.Context, queue string, msg Message) error {
	if err := s.broker.Publish(ctx, queue, msg); err != nil {
		_ = s.raw.Nack(false, true)
		return err
	}
	return s.raw.Ack(false)
}

func toTable(h map[string]string) amqp.Table {
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			h[k] = val
		case []byte:
			h[k] = string(val)
		default:
			h[k] = fmt.Sprint(val)
		}
	}
	return h
}
