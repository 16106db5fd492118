// Package queue はサービス間でイベントを受け渡すメッセージキューの抽象を提供する。
//
// 配送は少なくとも1回（at-least-once）を前提とする。受信側はメッセージを必ず
// Ack、Retry、DeadLetter のいずれかで確定させ、確定前にプロセスが停止した場合は
// キューが同じメッセージを再配送する。デッドレターキューは元のキューごとに
// "<キュー名>.dlq" という別名のキューとして存在する。
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// メッセージヘッダーのキー。
const (
	// HeaderAttempt はこの配送が何回目の処理試行かを表す（1始まり）。
	HeaderAttempt = "x-unisync-attempt"
	// HeaderFailureReason は直前の処理失敗の理由。
	HeaderFailureReason = "x-unisync-failure-reason"
	// HeaderSourceQueue はデッドレターに移される前のキュー名。
	HeaderSourceQueue = "x-unisync-source-queue"
	// HeaderEventType はイベント種別。ルーティングとログのために封筒の外にも載せる。
	HeaderEventType = "x-unisync-event-type"
	// HeaderIdempotencyKey は冪等キー。
	HeaderIdempotencyKey = "x-unisync-idempotency-key"
)

// ErrClosed はクローズ済みのブローカーに対する操作を表す。
var ErrClosed = errors.New("キューはクローズされています")

// ErrAlreadySettled は確定済みの配送を再度確定しようとしたことを表す。
var ErrAlreadySettled = errors.New("配送は既に確定しています")

// DeadLetterQueue は元のキューに対応するデッドレターキュー名を返す。
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Message はキューに載せるメッセージ。
type Message struct {
	Body    []byte
	Headers map[string]string
}

// Clone はヘッダーを複製したメッセージを返す。
func (m Message) Clone() Message {
	h := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		h[k] = v
	}
	return Message{Body: m.Body, Headers: h}
}

// Publisher はメッセージをキューに送信する。
// Publishが成功を返した時点でメッセージはブローカーに永続化されている。
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// HandlerFunc は受信したメッセージを処理する関数。
// 戻るまでにDeliveryを確定させること。確定されなかった配送は再配送される。
type HandlerFunc func(ctx context.Context, d *Delivery)

// Consumer はキューからメッセージを受信する。
// Consume はctxがキャンセルされるまでブロックし、workers個のゴルーチンで並行に処理する。
type Consumer interface {
	Consume(ctx context.Context, queue string, workers int, fn HandlerFunc) error
}

// Broker はPublisherとConsumerを兼ねるキューのドライバ。
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Settler は配送の確定方法をドライバごとに実装する。
type Settler interface {
	// Ack は処理完了としてメッセージをキューから取り除く。
	Ack(ctx context.Context, d *Delivery) error
	// Retry は試行回数を1つ増やしてメッセージを再配送させる。
	Retry(ctx context.Context, d *Delivery, reason string) error
	// DeadLetter はメッセージをデッドレターキューに移し、元のキューから取り除く。
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// Delivery は1回分の受信を表す。
type Delivery struct {
	// Queue は受信したキュー名。
	Queue string
	// Message は受信したメッセージ。
	Message
	// Attempt はこの配送の処理試行回数（1始まり）。
	Attempt int
	// LastFailure は直前の試行の失敗理由。初回は空。
	LastFailure string

	settler Settler
	mu      sync.Mutex
	settled bool
}

// NewDelivery はヘッダーから試行回数を読み取ってDeliveryを生成する。
func NewDelivery(queue string, msg Message, s Settler) *Delivery {
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	attempt, err := strconv.Atoi(msg.Headers[HeaderAttempt])
	if err != nil || attempt < 1 {
		attempt = 1
	}
	return &Delivery{
		Queue:       queue,
		Message:     msg,
		Attempt:     attempt,
		LastFailure: msg.Headers[HeaderFailureReason],
		settler:     s,
	}
}

// Ack は処理完了を通知する。
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.settler.Ack(ctx, d) })
}

// Retry は処理失敗を通知し、試行回数を増やして再配送させる。
func (d *Delivery) Retry(ctx context.Context, reason string) error {
	return d.settle(func() error { return d.settler.Retry(ctx, d, reason) })
}

// DeadLetter はメッセージをデッドレターキューに移す。
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.settle(func() error { return d.settler.DeadLetter(ctx, d, reason) })
}

// Settled は確定済みかどうかを返す。
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// settle は配送を確定済みにしてからfnを呼ぶ。fnが失敗した場合は未確定に戻し、
// 消費ループがメッセージをキューへ戻せるようにする。
func (d *Delivery) settle(fn func() error) error {
	if err := d.markSettled(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		d.mu.Lock()
		d.settled = false
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Delivery) markSettled() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// retryMessage は次の試行用のメッセージを生成する。
func retryMessage(d *Delivery, reason string) Message {
	msg := d.Message.Clone()
	msg.Headers[HeaderAttempt] = strconv.Itoa(d.Attempt + 1)
	msg.Headers[HeaderFailureReason] = reason
	return msg
}

// deadLetterMessage はデッドレターキューに移すメッセージを生成する。
// 試行回数はそのまま残し、運用者が原因を追えるようにする。
func deadLetterMessage(d *Delivery, reason string) Message {
	msg := d.Message.Clone()
	msg.Headers[HeaderAttempt] = strconv.Itoa(d.Attempt)
	msg.Headers[HeaderFailureReason] = reason
	msg.Headers[HeaderSourceQueue] = d.Queue
	return msg
}

// redriveMessage はデッドレターキューから元のキューへ戻すメッセージを生成する。
// 試行回数は1から数え直す。
func redriveMessage(msg Message) Message {
	out := msg.Clone()
	delete(out.Headers, HeaderAttempt)
	delete(out.Headers, HeaderFailureReason)
	delete(out.Headers, HeaderSourceQueue)
	return out
}

// Redriver はデッドレターキューのメッセージを元のキューに戻す。
// limit が0以下の場合はキューが空になるまで戻す。
type Redriver interface {
	Redrive(ctx context.Context, queue string, limit int) (int, error)
}
