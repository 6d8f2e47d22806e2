package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	q := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		q <- m
	}
	return &fakeReader{queue: q}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type scriptedHandler struct {
	topic string
	calls atomic.Int32
	fn    func(call int32) error
}

func (h *scriptedHandler) Topic() string { return h.topic }

func (h *scriptedHandler) Handle(_ context.Context, _ []byte) error {
	return h.fn(h.calls.Add(1))
}

func newTestConsumer(t *testing.T, h MessageHandler, r messageReader, dlq messageWriter) *Consumer {
	t.Helper()
	opts := []ConsumerOption{
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
		WithConsumerRegisterer(prometheus.NewRegistry()),
	}
	if dlq != nil {
		opts = append(opts, WithConsumerDLQ("settlements.dlq"))
	}
	c, err := NewConsumer(opts...)
	require.NoError(t, err)
	c.dlq = dlq
	c.RegisterHandler(h)
	c.readers[h.Topic()] = r
	return c
}

func TestConsumer_RetriesTransientErrors(t *testing.T) {
	h := &scriptedHandler{topic: "settlements", fn: func(call int32) error {
		if call < 3 {
			return errors.New("clickhouse busy")
		}
		return nil
	}}
	r := newFakeReader()
	c := newTestConsumer(t, h, r, nil)

	c.process(context.Background(), kafka.Message{Topic: "settlements", Value: []byte("{}")})
	assert.Equal(t, int32(3), h.calls.Load())
	assert.Equal(t, 1, r.commits())
}

func TestConsumer_PermanentErrorGoesToDLQ(t *testing.T) {
	h := &scriptedHandler{topic: "settlements", fn: func(int32) error {
		return Permanent(errors.New("bad json"))
	}}
	r := newFakeReader()
	dlq := &fakeWriter{}
	c := newTestConsumer(t, h, r, dlq)

	c.process(context.Background(), kafka.Message{Topic: "settlements", Key: []byte("k"), Value: []byte("nope")})
	assert.Equal(t, int32(1), h.calls.Load(), "permanent errors are not retried")
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "settlements.dlq", dlq.msgs[0].Topic)
	assert.Equal(t, []byte("nope"), dlq.msgs[0].Value)
	assert.Equal(t, 1, r.commits(), "dead-lettered messages are committed")
}

func TestConsumer_FailureWithoutDLQIsNotCommitted(t *testing.T) {
	h := &scriptedHandler{topic: "settlements", fn: func(int32) error { return errors.New("down") }}
	r := newFakeReader()
	c := newTestConsumer(t, h, r, nil)

	c.process(context.Background(), kafka.Message{Topic: "settlements"})
	assert.Equal(t, int32(3), h.calls.Load())
	assert.Zero(t, r.commits())
}

func TestConsumer_HandlerPanicIsContained(t *testing.T) {
	h := &scriptedHandler{topic: "settlements", fn: func(int32) error { panic("boom") }}
	r := newFakeReader()
	dlq := &fakeWriter{}
	c := newTestConsumer(t, h, r, dlq)

	assert.NotPanics(t, func() {
		c.process(context.Background(), kafka.Message{Topic: "settlements"})
	})
	assert.Len(t, dlq.msgs, 1)
}

func TestConsumer_RunDeliversAndStops(t *testing.T) {
	h := &scriptedHandler{topic: "settlements", fn: func(int32) error { return nil }}
	r := newFakeReader(
		kafka.Message{Partition: 0, Offset: 1},
		kafka.Message{Partition: 1, Offset: 1},
		kafka.Message{Partition: 0, Offset: 2},
	)
	c := newTestConsumer(t, h, r, nil)

	c.run(context.Background())
	require.Eventually(t, func() bool { return r.commits() == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)
}
