// Package persist 把持久层写入放进本地有界队列，由 worker 异步写库、有限重试，
// 写成功后再发一条 Kafka 事件。读走 singleflight 合并同一房间的并发请求。
package persist

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"roomsync/backend/internal/model"
	"roomsync/backend/internal/store"
)

var ErrClosed = errors.New("persist: dispatcher closed")

type jobKind int

const (
	jobAppendMessage jobKind = iota
	jobSaveDocument
)

type job struct {
	kind   jobKind
	roomID string
	msg    model.Message
	doc    model.DocumentState
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxInFlight 限制同时打到存储上的写入数
	MaxInFlight int64
	Timeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		MaxInFlight: 16,
		Timeout:     5 * time.Second,
	}
}

// Dispatcher 本身也是一个 store.Store：读直接透传，写只负责入队
type Dispatcher struct {
	st  store.Store
	pub Publisher
	log *zap.Logger
	opt Options
	sem *semaphore.Weighted
	sf  singleflight.Group

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	// done 先于写锁关闭，唤醒卡在满队列上的入队者
	done     chan struct{}
	doneOnce sync.Once
}

var _ store.Store = (*Dispatcher)(nil)

func NewDispatcher(st store.Store, pub Publisher, log *zap.Logger, opt Options) *Dispatcher {
	def := DefaultOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxRetry < 0 {
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = def.BaseBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = def.MaxBackoff
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = def.MaxInFlight
	}
	if opt.Timeout <= 0 {
		opt.Timeout = def.Timeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		st:    st,
		pub:   pub,
		log:   log,
		opt:   opt,
		sem:   semaphore.NewWeighted(opt.MaxInFlight),
		queue: make(chan job, opt.QueueSize),
		done:  make(chan struct{}),
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	for i := 0; i < d.opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// enqueue 队列满时等到 ctx 结束（持久化不要求每条都成功，调用方可以放弃）
func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- j:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	return d.enqueue(ctx, job{kind: jobAppendMessage, roomID: roomID, msg: msg})
}

func (d *Dispatcher) SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error {
	return d.enqueue(ctx, job{kind: jobSaveDocument, roomID: roomID, doc: st})
}

func (d *Dispatcher) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	key := "msgs:" + roomID + ":" + strconv.Itoa(limit)
	v, err := d.shared(ctx, key, func(ctx context.Context) (any, error) {
		return d.st.FetchRecentMessages(ctx, roomID, limit)
	})
	if err != nil {
		return nil, err
	}
	msgs := v.([]model.Message)
	// 共享结果，复制一份给调用方
	return append([]model.Message(nil), msgs...), nil
}

func (d *Dispatcher) FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error) {
	v, err := d.shared(ctx, "doc:"+roomID, func(ctx context.Context) (any, error) {
		return d.st.FetchDocumentSnapshot(ctx, roomID)
	})
	if err != nil {
		return model.DocumentState{}, err
	}
	return v.(model.DocumentState), nil
}

// shared 合并同 key 的并发读。读本身脱离单个调用方的 ctx，只受 Timeout 约束，
// 某个调用方取消只影响它自己
func (d *Dispatcher) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := d.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opt.Timeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 不再接新任务，等队列里的写完，再关闭底层存储
func (d *Dispatcher) Close() error {
	d.doneOnce.Do(func() { close(d.done) })
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.st.Close()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for j := range d.queue {
		d.writeWithRetry(workerID, j)
	}
}

func (d *Dispatcher) writeWithRetry(workerID int, j job) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		err := d.writeOnce(j)
		if err == nil {
			d.publish(j)
			return
		}
		if attempt == d.opt.MaxRetry {
			d.log.Error("persist failed, drop job",
				zap.String("room", j.roomID), zap.Int("worker", workerID), zap.Error(err))
			return
		}
		// 退避，每次 X2，封顶 MaxBackoff
		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) writeOnce(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opt.Timeout)
	defer cancel()
	// worker 允许一直等（不影响主链路），超时由 ctx 兜底
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	switch j.kind {
	case jobAppendMessage:
		return d.st.AppendMessage(ctx, j.roomID, j.msg)
	case jobSaveDocument:
		return d.st.SaveDocumentSnapshot(ctx, j.roomID, j.doc)
	}
	return nil
}

func (d *Dispatcher) publish(j job) {
	if d.pub == nil {
		return
	}
	evt := Event{RoomID: j.roomID, OccurredAt: time.Now().UTC()}
	switch j.kind {
	case jobAppendMessage:
		m := j.msg
		evt.EventType = EventMessageAppended
		evt.MessageID = m.ID
		evt.Message = &m
	case jobSaveDocument:
		doc := j.doc
		evt.EventType = EventDocumentSaved
		evt.Revision = doc.Revision
		evt.Document = &doc
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opt.Timeout)
	defer cancel()
	if err := d.pub.Publish(ctx, evt); err != nil {
		d.log.Warn("publish event failed", zap.String("type", evt.EventType), zap.String("room", j.roomID), zap.Error(err))
	}
}
