package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs     chan kafka.Message
	fetchErr error

	mu      sync.Mutex
	commits []kafka.Message
	closed  bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	default:
	}
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committed(partition int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.commits {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "reservation.lifecycle", Partition: partition, Offset: offset}
}

// handlerLog records attempts and successful handles per offset.
type handlerLog struct {
	mu       sync.Mutex
	attempts map[int64]int
	handled  map[int][]int64
	failFor  func(m kafka.Message, attempt int) bool
}

func newHandlerLog(failFor func(m kafka.Message, attempt int) bool) *handlerLog {
	return &handlerLog{attempts: map[int64]int{}, handled: map[int][]int64{}, failFor: failFor}
}

func (l *handlerLog) handle(_ context.Context, m kafka.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[m.Offset]++
	if l.failFor != nil && l.failFor(m, l.attempts[m.Offset]) {
		return errors.New("send failed")
	}
	l.handled[m.Partition] = append(l.handled[m.Partition], m.Offset)
	return nil
}

func (l *handlerLog) attemptsFor(offset int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[offset]
}

func startConsumer(t *testing.T, c *Consumer, h Handler) (cancel func() error) {
	t.Helper()
	c.retryBase, c.retryMax = time.Millisecond, 2*time.Millisecond
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx, h) }()
	return func() error {
		stop()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func TestConsumer_RetriesFailedMessageBeforeCommittingNext(t *testing.T) {
	r := newFakeReader(msg(0, 10), msg(0, 11))
	l := newHandlerLog(func(m kafka.Message, attempt int) bool { return m.Offset == 10 && attempt < 3 })
	stop := startConsumer(t, newConsumer(r, 4, nil), l.handle)

	require.Eventually(t, func() bool { return r.commitCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []int64{10, 11}, r.committed(0))
	assert.Equal(t, 3, l.attemptsFor(10))
	assert.Equal(t, 1, l.attemptsFor(11))
	assert.Equal(t, []int64{10, 11}, l.handled[0])
}

func TestConsumer_NothingCommittedPastAStuckMessage(t *testing.T) {
	r := newFakeReader(msg(0, 10), msg(0, 11))
	l := newHandlerLog(func(m kafka.Message, _ int) bool { return m.Offset == 10 })
	stop := startConsumer(t, newConsumer(r, 4, nil), l.handle)

	require.Eventually(t, func() bool { return l.attemptsFor(10) >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Empty(t, r.committed(0))
	assert.Zero(t, l.attemptsFor(11))
	assert.True(t, r.closed)
}

func TestConsumer_PartitionsKeepOffsetOrder(t *testing.T) {
	var msgs []kafka.Message
	for off := int64(0); off < 20; off++ {
		for p := 0; p < 3; p++ {
			msgs = append(msgs, msg(p, off))
		}
	}
	r := newFakeReader(msgs...)
	l := newHandlerLog(nil)
	stop := startConsumer(t, newConsumer(r, 4, nil), l.handle)

	require.Eventually(t, func() bool { return r.commitCount() == len(msgs) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	for p := 0; p < 3; p++ {
		got := r.committed(p)
		require.Len(t, got, 20)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "partition %d", p)
		}
	}
}

func TestConsumer_WorkerIsStablePerPartition(t *testing.T) {
	c := newConsumer(newFakeReader(), 4, nil)
	for p := 0; p < 8; p++ {
		w := c.worker(msg(p, 1))
		assert.Equal(t, w, c.worker(msg(p, 99)))
		assert.GreaterOrEqual(t, w, 0)
		assert.Less(t, w, 4)
	}
}

func TestConsumer_FetchErrorStops(t *testing.T) {
	r := newFakeReader()
	r.fetchErr = errors.New("broker gone")
	err := newConsumer(r, 1, nil).Start(context.Background(), newHandlerLog(nil).handle)
	assert.EqualError(t, err, "broker gone")
	assert.True(t, r.closed)
}
