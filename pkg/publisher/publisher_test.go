package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/queue"
)

// flakyQueue は指定したキューへの送信を指定回数だけ失敗させる。
type flakyQueue struct {
	mu       sync.Mutex
	failures map[string]int
	sent     map[string][]queue.Message
	block    bool
}

func newFlakyQueue(failures map[string]int) *flakyQueue {
	return &flakyQueue{failures: failures, sent: make(map[string][]queue.Message)}
}

func (f *flakyQueue) Publish(ctx context.Context, q string, msg queue.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[q] > 0 {
		f.failures[q]--
		return errors.New("connection refused")
	}
	f.sent[q] = append(f.sent[q], msg)
	return nil
}

func (f *flakyQueue) count(q string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[q])
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()

	routes := event.Routes{
		event.TypeCourseDisabled: {"a", "b"},
	}

	t.Run("全ての配送先に封筒を送信すること", func(t *testing.T) {
		t.Parallel()

		q := newFlakyQueue(nil)
		p := New(q, routes, "course")

		err := p.Publish(context.Background(), event.TypeCourseDisabled, "key-1", event.CourseDisabledData{CourseID: 1})
		require.NoError(t, err)
		require.Equal(t, 1, q.count("a"))
		require.Equal(t, 1, q.count("b"))

		msg := q.sent["a"][0]
		assert.Equal(t, "key-1", msg.Headers[queue.HeaderIdempotencyKey])
		env, err := event.Decode(msg.Body)
		require.NoError(t, err)
		assert.Equal(t, "course", env.SourceService)
	})

	t.Run("一時的な失敗は再試行し、成功済みの配送先には再送しないこと", func(t *testing.T) {
		t.Parallel()

		q := newFlakyQueue(map[string]int{"b": 2})
		p := New(q, routes, "course", WithRetry(time.Millisecond, time.Second))

		err := p.Publish(context.Background(), event.TypeCourseDisabled, "key-1", event.CourseDisabledData{})
		require.NoError(t, err)
		assert.Equal(t, 1, q.count("a"))
		assert.Equal(t, 1, q.count("b"))
	})

	t.Run("再試行を使い切るとPublishErrorを返すこと", func(t *testing.T) {
		t.Parallel()

		q := newFlakyQueue(map[string]int{"a": 1000})
		p := New(q, routes, "course", WithRetry(time.Millisecond, 20*time.Millisecond))

		err := p.Publish(context.Background(), event.TypeCourseDisabled, "key-1", event.CourseDisabledData{})
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "a", pubErr.Queue)
		assert.Equal(t, event.TypeCourseDisabled, pubErr.EventType)
	})

	t.Run("配送先のないイベントは再試行せずに失敗すること", func(t *testing.T) {
		t.Parallel()

		p := New(newFlakyQueue(nil), routes, "course", WithRetry(time.Hour, time.Hour))

		err := p.Publish(context.Background(), event.TypeCourseEnrollment, "key-1", event.CourseEnrollmentData{})
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("送信は制限時間で打ち切られること", func(t *testing.T) {
		t.Parallel()

		q := newFlakyQueue(nil)
		q.block = true
		p := New(q, routes, "course", WithTimeout(10*time.Millisecond))

		env, err := event.New(event.TypeCourseDisabled, "key-1", "course", event.CourseDisabledData{})
		require.NoError(t, err)

		start := time.Now()
		err = p.PublishEnvelope(context.Background(), env)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}
