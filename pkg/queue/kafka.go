package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig はKafkaドライバの設定。
type KafkaConfig struct {
	Brokers []string
	// GroupID はコンシューマグループ名。サービスごとに分ける。
	GroupID string
}

// KafkaBroker はキュー名をトピック名として扱うBroker。
// メッセージキーには冪等キーを使うため、同じキーのメッセージは同じパーティションに並ぶ。
// オフセットは配送の確定後にコミットする。
type KafkaBroker struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger
}

var _ Broker = (*KafkaBroker)(nil)

// NewKafkaBroker はKafkaBrokerを生成する。接続は最初の送受信時に確立される。
func NewKafkaBroker(cfg KafkaConfig, logger *zap.Logger) *KafkaBroker {
	return &KafkaBroker{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Publish はメッセージをトピックに書き込む。
func (b *KafkaBroker) Publish(ctx context.Context, queue string, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queue,
		Key:     []byte(msg.Headers[HeaderIdempotencyKey]),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("Kafkaへの書き込みに失敗: %w", err)
	}
	return nil
}

// Consume はworkers個のリーダーで同じコンシューマグループを購読する。
func (b *KafkaBroker) Consume(ctx context.Context, queue string, workers int, fn HandlerFunc) error {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.read(ctx, queue, fn)
		}()
	}
	wg.Wait()
	return nil
}

func (b *KafkaBroker) read(ctx context.Context, queue string, fn HandlerFunc) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    queue,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Kafkaからの読み込みに失敗", zap.String("topic", queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		headers := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
		msg := Message{Body: m.Value, Headers: headers}
		s := &kafkaSettler{broker: b, reader: r, raw: m}
		fn(ctx, NewDelivery(queue, msg, s))
		if !s.committed {
			// 後続のオフセットのコミットで暗黙に確定しないよう、末尾に積み直してからコミットする。
			if err := b.Publish(ctx, queue, msg); err != nil {
				b.logger.Error("未確定メッセージの再投入に失敗", zap.String("topic", queue), zap.Error(err))
				return
			}
			_ = r.CommitMessages(ctx, m)
		}
	}
}

// Close はライターを閉じる。
func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

// kafkaSettler はKafkaの配送を確定させる。
// committed が false のまま処理関数から戻った場合、読み込みループが再投入する。
type kafkaSettler struct {
	broker    *KafkaBroker
	reader    *kafka.Reader
	raw       kafka.Message
	committed bool
}

func (s *kafkaSettler) Ack(ctx context.Context, _ *Delivery) error {
	return s.commit(ctx)
}

func (s *kafkaSettler) Retry(ctx context.Context, d *Delivery, reason string) error {
	if err := s.broker.Publish(ctx, d.Queue, retryMessage(d, reason)); err != nil {
		return err
	}
	return s.commit(ctx)
}

func (s *kafkaSettler) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := s.broker.Publish(ctx, DeadLetterQueue(d.Queue), deadLetterMessage(d, reason)); err != nil {
		return err
	}
	return s.commit(ctx)
}

func (s *kafkaSettler) commit(ctx context.Context) error {
	if err := s.reader.CommitMessages(ctx, s.raw); err != nil {
		return fmt.Errorf("オフセットのコミットに失敗: %w", err)
	}
	s.committed = true
	return nil
}
