package persist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/model"
	"roomsync/backend/internal/store"
)

var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

// flakyStore 前 failures 次写入返回错误
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
	writes   atomic.Int32
	fetches  atomic.Int32
	gate     chan struct{}
	// writeGate 非空时写入卡住直到关闭
	writeGate chan struct{}
}

func (f *flakyStore) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	f.writes.Add(1)
	if f.writeGate != nil {
		<-f.writeGate
	}
	if f.failures.Add(-1) >= 0 {
		return errors.New("db unavailable")
	}
	return f.MemoryStore.AppendMessage(ctx, roomID, msg)
}

func (f *flakyStore) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	f.fetches.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.MemoryStore.FetchRecentMessages(ctx, roomID, limit)
}

func fastOptions() Options {
	return Options{QueueSize: 8, Workers: 2, MaxRetry: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDispatcherWritesAndPublishes(t *testing.T) {
	mem := store.NewMemoryStore()
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		key, _ := m.Key.Encode()
		if string(key) != "room-1" {
			return errors.New("unexpected key " + string(key))
		}
		val, _ := m.Value.Encode()
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventMessageAppended || evt.MessageID != "m1" {
			return errors.New("unexpected event " + evt.EventType)
		}
		return nil
	})
	pub := NewKafkaPublisher(producer, "roomsync.events")
	d := NewDispatcher(mem, pub, nil, fastOptions())

	ctx := context.Background()
	require.NoError(t, d.AppendMessage(ctx, "room-1", model.Message{ID: "m1", Content: "hi", SentAt: t0}))
	require.NoError(t, d.Close())
	require.NoError(t, pub.Close())

	msgs, err := mem.FetchRecentMessages(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestDispatcherDocumentEvent(t *testing.T) {
	mem := store.NewMemoryStore()
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventDocumentSaved || evt.Revision != 3 {
			return errors.New("unexpected event")
		}
		return nil
	})
	d := NewDispatcher(mem, NewKafkaPublisher(producer, "roomsync.events"), nil, fastOptions())
	require.NoError(t, d.SaveDocumentSnapshot(context.Background(), "r", model.DocumentState{Content: "c", Revision: 3}))
	require.NoError(t, d.Close())
	require.NoError(t, producer.Close())

	got, err := mem.FetchDocumentSnapshot(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Revision)
}

func TestDispatcherRetries(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	fs.failures.Store(2)
	d := NewDispatcher(fs, nil, nil, fastOptions())
	require.NoError(t, d.AppendMessage(context.Background(), "r", model.Message{ID: "m1", SentAt: t0}))
	require.NoError(t, d.Close())

	assert.Equal(t, int32(3), fs.writes.Load())
	msgs, _ := fs.MemoryStore.FetchRecentMessages(context.Background(), "r", 10)
	assert.Len(t, msgs, 1)
}

func TestDispatcherDropsAfterMaxRetry(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	fs.failures.Store(100)
	producer := mocks.NewSyncProducer(t, nil)
	opt := fastOptions()
	opt.MaxRetry = 1
	d := NewDispatcher(fs, NewKafkaPublisher(producer, "t"), nil, opt)
	require.NoError(t, d.AppendMessage(context.Background(), "r", model.Message{ID: "m1", SentAt: t0}))
	require.NoError(t, d.Close())
	// 没写成功就不发事件
	require.NoError(t, producer.Close())
	assert.Equal(t, int32(2), fs.writes.Load())
}

func TestDispatcherEnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), nil, nil, fastOptions())
	require.NoError(t, d.Close())
	err := d.AppendMessage(context.Background(), "r", model.Message{ID: "m1"})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, d.Close())
}

func TestDispatcherCoalescesFetches(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), gate: make(chan struct{})}
	d := NewDispatcher(fs, nil, nil, fastOptions())
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.FetchRecentMessages(context.Background(), "r", 10)
			assert.NoError(t, err)
		}()
	}
	// 等第一个请求进到存储里，其余的都挂在同一个 flight 上
	require.Eventually(t, func() bool { return fs.fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fs.gate)
	wg.Wait()
	assert.Equal(t, int32(1), fs.fetches.Load())
}

func TestDispatcherFetchDocumentNotFound(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), nil, nil, fastOptions())
	defer d.Close()
	_, err := d.FetchDocumentSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatcherCloseWakesBlockedEnqueue(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), writeGate: make(chan struct{})}
	d := NewDispatcher(fs, nil, nil, Options{QueueSize: 1, Workers: 1})
	ctx := context.Background()

	require.NoError(t, d.AppendMessage(ctx, "r", model.Message{ID: "m1", SentAt: t0}))
	require.Eventually(t, func() bool { return fs.writes.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.AppendMessage(ctx, "r", model.Message{ID: "m2", SentAt: t0}))

	// 队列已满，第三条会一直等
	blocked := make(chan error, 1)
	go func() { blocked <- d.AppendMessage(ctx, "r", model.Message{ID: "m3", SentAt: t0}) }()

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after Close")
	}

	close(fs.writeGate)
	require.NoError(t, <-closed)
	msgs, _ := fs.MemoryStore.FetchRecentMessages(ctx, "r", 10)
	assert.Len(t, msgs, 2)
}

func TestDispatcherCancelledReaderDoesNotFailOthers(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), gate: make(chan struct{})}
	require.NoError(t, fs.MemoryStore.AppendMessage(context.Background(), "r", model.Message{ID: "m1", SentAt: t0}))
	d := NewDispatcher(fs, nil, nil, fastOptions())
	defer d.Close()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.FetchRecentMessages(first, "r", 10)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return fs.fetches.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		msgs []model.Message
		err  error
	}
	second := make(chan result, 1)
	go func() {
		msgs, err := d.FetchRecentMessages(context.Background(), "r", 10)
		second <- result{msgs, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(fs.gate)
	res := <-second
	require.NoError(t, res.err)
	require.Len(t, res.msgs, 1)
	assert.Equal(t, "m1", res.msgs[0].ID)
}
