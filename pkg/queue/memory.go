package queue

import (
	"context"
	"sync"
)

// MemoryBroker はプロセス内で完結するキュー。テストとローカル開発で使用する。
// 確定されないまま処理関数から戻った配送は、クラッシュ時と同様にキューへ戻す。
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
}

var (
	_ Broker   = (*MemoryBroker)(nil)
	_ Redriver = (*MemoryBroker)(nil)
)

// NewMemoryBroker は空のMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue)}
}

// Publish はメッセージをキューの末尾に追加する。
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	q.push(msg.Clone())
	return nil
}

// Consume はctxがキャンセルされるまでキューのメッセージを処理する。
func (b *MemoryBroker) Consume(ctx context.Context, queue string, workers int, fn HandlerFunc) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, ok := q.pop(ctx)
				if !ok {
					return
				}
				d := NewDelivery(queue, msg, b)
				fn(ctx, d)
				if !d.Settled() {
					q.push(msg)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Ack はメモリ上では何もしない。取り出した時点でキューからは除かれている。
func (b *MemoryBroker) Ack(_ context.Context, _ *Delivery) error {
	return nil
}

// Retry は試行回数を増やしたメッセージを元のキューに戻す。
func (b *MemoryBroker) Retry(ctx context.Context, d *Delivery, reason string) error {
	return b.Publish(ctx, d.Queue, retryMessage(d, reason))
}

// DeadLetter はメッセージをデッドレターキューに移す。
func (b *MemoryBroker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return b.Publish(ctx, DeadLetterQueue(d.Queue), deadLetterMessage(d, reason))
}

// Redrive はデッドレターキューのメッセージを元のキューに戻す。
func (b *MemoryBroker) Redrive(ctx context.Context, queue string, limit int) (int, error) {
	dlq, err := b.queue(DeadLetterQueue(queue))
	if err != nil {
		return 0, err
	}
	moved := 0
	for limit <= 0 || moved < limit {
		msg, ok := dlq.tryPop()
		if !ok {
			break
		}
		if err := b.Publish(ctx, queue, redriveMessage(msg)); err != nil {
			dlq.push(msg)
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Len はキューに残っているメッセージ数を返す。
func (b *MemoryBroker) Len(queue string) int {
	q, err := b.queue(queue)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages はキューに残っているメッセージのスナップショットを返す。
func (b *MemoryBroker) Messages(queue string) []Message {
	q, err := b.queue(queue)
	if err != nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	for i, m := range q.items {
		out[i] = m.Clone()
	}
	return out
}

// Close はブローカーを閉じる。以降のPublishとConsumeはErrClosedを返す。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) queue(name string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q, nil
}

// memQueue は1つのキューのFIFOバッファ。
type memQueue struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
}

func (q *memQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.notify()
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) tryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// pop はメッセージが届くかctxがキャンセルされるまで待つ。
func (q *memQueue) pop(ctx context.Context) (Message, bool) {
	for {
		// 停止後は残っているメッセージを取り出さない
		if ctx.Err() != nil {
			return Message{}, false
		}
		if msg, ok := q.tryPop(); ok {
			q.mu.Lock()
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return msg, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.signal:
		}
	}
}
