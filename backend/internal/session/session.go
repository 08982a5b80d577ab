// Package session 编排一个房间的同步：去重、在线名单、共享文档、聊天记录，
// 以及 Idle → Joining → Joined → Reconnecting → Closed 的状态机。
//
// 同一个会话的所有状态变更都在 mu 内串行完成；调用中继、持久层和用户回调都在出锁之后，
// 回调按产生的顺序依次执行。
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/dedup"
	"roomsync/backend/internal/document"
	"roomsync/backend/internal/metrics"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/store"
	"roomsync/backend/internal/transcript"
	"roomsync/backend/internal/transport"
)

type Session struct {
	cfg     Config
	tr      transport.Transport
	store   Persistence
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Engine
	dedup   *dedup.Deduplicator

	// 会话级 context，Leave 时取消，后台补洞和重连都挂在它下面
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	state    State
	handle   transport.Handle
	gen      uint64               // 每次订阅 +1，旧订阅的回调直接丢弃
	lostGen  uint64               // 订阅过程中就已经断开的那一代
	liveDoc  *model.DocumentState // 本代订阅以来从广播应用的最新文档
	joinedAt time.Time

	presence *presence.Registry
	doc      *document.Reconciler
	chat     *transcript.Aggregator

	outbox         []queued
	heartbeatTimer clock.Timer
	sweepTimer     clock.Timer
	super          *supervisor

	pendingFx []effects
	draining  bool

	cbMu sync.RWMutex
	cbs  callbacks
}

func New(cfg Config, tr transport.Transport, st Persistence, opts ...Option) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, ErrMissingRoom
	}
	cfg = cfg.withDefaults()
	if !cfg.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if cfg.OriginID == "" {
		cfg.OriginID = uuid.NewString()
	}

	s := &Session{
		cfg:   cfg,
		tr:    tr,
		store: st,
		clock: clock.Real(),
		log:   zap.NewNop(),
		state: StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("room", cfg.RoomID), zap.String("origin", cfg.OriginID))
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.dedup = dedup.New(cfg.OriginID, cfg.DedupCapacity)
	s.presence = presence.NewRegistry(cfg.RoomID, cfg.PresenceTimeout)
	switch cfg.Kind {
	case model.RoomChat:
		s.chat = transcript.NewAggregator(cfg.RoomID, cfg.OriginID, cfg.Self)
	case model.RoomDocument:
		s.doc = document.NewReconciler(cfg.RoomID, cfg.OriginID, cfg.Self.UserID)
	}
	s.super = newSupervisor(s, cfg.Reconnect)
	return s, nil
}

func (s *Session) OriginID() string { return s.cfg.OriginID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) OnPresenceChange(cb func(presence.Diff)) {
	s.cbMu.Lock()
	s.cbs.presence = append(s.cbs.presence, cb)
	s.cbMu.Unlock()
}

// OnMessage 新消息进入记录、或者自己消息的送达状态变化时都会调用
func (s *Session) OnMessage(cb func(transcript.Entry)) {
	s.cbMu.Lock()
	s.cbs.message = append(s.cbs.message, cb)
	s.cbMu.Unlock()
}

func (s *Session) OnDocumentChange(cb func(model.DocumentState)) {
	s.cbMu.Lock()
	s.cbs.document = append(s.cbs.document, cb)
	s.cbMu.Unlock()
}

func (s *Session) OnConnectionStateChange(cb func(StateChange)) {
	s.cbMu.Lock()
	s.cbs.state = append(s.cbs.state, cb)
	s.cbMu.Unlock()
}

func (s *Session) OnSendFailure(cb func(SendFailure)) {
	s.cbMu.Lock()
	s.cbs.failure = append(s.cbs.failure, cb)
	s.cbMu.Unlock()
}

func (s *Session) GetState() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		RoomID:          s.cfg.RoomID,
		Kind:            s.cfg.Kind,
		OriginID:        s.cfg.OriginID,
		ConnectionState: s.state,
		Presence:        s.presence.Participants(),
	}
	if s.doc != nil {
		st := s.doc.State()
		v.Document = &st
	}
	if s.chat != nil {
		v.Transcript = slices.Collect(s.chat.Messages())
	}
	return v
}

// Join 订阅房间并用持久层的数据做初始状态。
// 订阅失败不会返回错误：会话进入 Reconnecting，由重连监督者继续尝试
func (s *Session) Join(ctx context.Context) error {
	if s.cfg.Self.UserID == "" {
		return ErrAuthRequired
	}

	var fx effects
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.joinedAt = s.clock.Now()
	s.setStateLocked(StateJoining, nil, &fx)
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()

	// 先订阅再拉历史，两者之间的广播靠 id 合并去重
	h, snap, gen, err := s.connect(ctx)
	s.seed(ctx)

	fx = effects{}
	s.mu.Lock()
	if s.state != StateJoining {
		// 加入过程中被 Leave 了
		s.mu.Unlock()
		if h != nil {
			_ = s.tr.Unsubscribe(context.Background(), h)
		}
		return nil
	}
	if err == nil && s.lostGen == gen {
		err = transport.ErrUnavailable
	}
	if err != nil {
		s.log.Warn("join subscribe failed, reconnecting", zap.Error(err))
		s.gen++
		s.setStateLocked(StateReconnecting, err, &fx)
		s.super.startLocked()
		s.commitLocked(fx)
		s.mu.Unlock()
		s.drain()
		if h != nil {
			_ = s.tr.Unsubscribe(context.Background(), h)
		}
		return nil
	}
	s.handle = h
	fx.addPresence(s.presence.Reset(snap, s.clock.Now()))
	s.setStateLocked(StateJoined, nil, &fx)
	s.startTimersLocked()
	sends := s.replayOutboxLocked(false, &fx)
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
	s.flushSends(sends)
	return nil
}

// seed 并行拉历史消息和文档快照，失败只记日志，不影响加入。
// 订阅已经建立，快照只在比已收到的广播新时才采用
func (s *Session) seed(ctx context.Context) {
	if s.store == nil || (s.chat == nil && s.doc == nil) {
		return
	}
	history, docState, hasDoc := s.fetchRoomState(ctx)

	var fx effects
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.chat != nil {
		for _, m := range history {
			if s.chat.Append(m) {
				if e, ok := s.chat.Get(m.ID); ok {
					fx.messages = append(fx.messages, e)
				}
			}
		}
	}
	if s.doc != nil && hasDoc && s.doc.Adopt(docState) {
		fx.docs = append(fx.docs, s.doc.State())
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}

// fetchRoomState 从持久层读取聊天历史和文档快照；hasDoc 为 false 表示没有快照或读取失败
func (s *Session) fetchRoomState(ctx context.Context) ([]model.Message, model.DocumentState, bool) {
	if s.store == nil {
		return nil, model.DocumentState{}, false
	}
	var (
		g        errgroup.Group
		history  []model.Message
		docState model.DocumentState
		hasDoc   bool
	)
	if s.chat != nil {
		g.Go(func() error {
			msgs, err := s.store.FetchRecentMessages(ctx, s.cfg.RoomID, s.cfg.HistoryLimit)
			if err != nil {
				s.log.Warn("fetch recent messages failed", zap.Error(err))
				return err
			}
			history = msgs
			return nil
		})
	}
	if s.doc != nil {
		g.Go(func() error {
			st, err := s.store.FetchDocumentSnapshot(ctx, s.cfg.RoomID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				s.log.Warn("fetch document snapshot failed", zap.Error(err))
				return err
			}
			docState, hasDoc = st, true
			return nil
		})
	}
	_ = g.Wait()
	return history, docState, hasDoc
}

// connect 订阅 + 发布自己的在线条目 + 拉一次在线快照
func (s *Session) connect(ctx context.Context) (transport.Handle, model.Snapshot, uint64, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.liveDoc = nil
	self := s.selfLocked(s.clock.Now())
	s.mu.Unlock()

	h, err := s.tr.Subscribe(ctx, s.cfg.RoomID, s.handlersFor(gen))
	if err != nil {
		return nil, model.Snapshot{}, gen, err
	}
	if err := s.tr.Track(ctx, h, self); err != nil {
		return h, model.Snapshot{}, gen, err
	}
	snap, err := s.tr.PresenceState(ctx, h)
	if err != nil {
		return h, model.Snapshot{}, gen, err
	}
	return h, snap, gen, nil
}

func (s *Session) handlersFor(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnBroadcast:    func(env model.Envelope) { s.onBroadcast(gen, env) },
		OnPresenceSync: func(snap model.Snapshot) { s.onPresenceSync(gen, snap) },
		OnDisconnected: func(err error) { s.onDisconnected(gen, err) },
	}
}

func (s *Session) selfLocked(now time.Time) model.Participant {
	p := s.cfg.Self
	p.JoinedAt = s.joinedAt
	p.LastHeartbeat = now
	return p
}

// Leave 任何状态都可以离开：取消所有定时器和重连，排队中的发送记为失败，退订后进入 Closed
func (s *Session) Leave(ctx context.Context) error {
	var fx effects
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	h := s.closeLocked(nil, &fx)
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()

	var err error
	if h != nil {
		err = s.tr.Unsubscribe(ctx, h)
		if errors.Is(err, transport.ErrClosedHandle) {
			err = nil
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// closeLocked 进入终态，返回需要退订的 handle
func (s *Session) closeLocked(cause error, fx *effects) transport.Handle {
	h := s.handle
	s.handle = nil
	s.gen++
	s.stopTimersLocked()
	s.super.stopLocked()
	reason := cause
	if reason == nil {
		reason = ErrClosed
	}
	s.failOutboxLocked(reason, fx)
	s.setStateLocked(StateClosed, cause, fx)
	s.cancel()
	return h
}

func (s *Session) setStateLocked(to State, err error, fx *effects) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	fx.states = append(fx.states, StateChange{From: from, To: to, Err: err})
	s.metrics.StateTransition(string(to))
	if to == StateClosed && err != nil {
		s.log.Error("session closed", zap.String("from", string(from)), zap.Error(err))
		return
	}
	s.log.Info("session state", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (s *Session) commitLocked(fx effects) {
	if fx.empty() {
		return
	}
	s.pendingFx = append(s.pendingFx, fx)
}

// drain 按顺序执行积压的回调。同一时刻只有一个 goroutine 在执行，其他调用者直接返回
func (s *Session) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pendingFx) > 0 {
		fx := s.pendingFx[0]
		s.pendingFx = s.pendingFx[1:]
		s.mu.Unlock()
		s.dispatch(fx)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Session) dispatch(fx effects) {
	s.cbMu.RLock()
	cbs := s.cbs
	s.cbMu.RUnlock()

	for _, c := range fx.states {
		for _, cb := range cbs.state {
			cb(c)
		}
	}
	for _, d := range fx.presence {
		for _, cb := range cbs.presence {
			cb(d)
		}
	}
	for _, st := range fx.docs {
		for _, cb := range cbs.document {
			cb(st)
		}
	}
	for _, e := range fx.messages {
		for _, cb := range cbs.message {
			cb(e)
		}
	}
	for _, f := range fx.failures {
		for _, cb := range cbs.failure {
			cb(f)
		}
	}
}

// goAsyncLocked 起一个后台任务；会话关闭后不再接新任务，Leave 才能安全地等待已有任务结束。
// 任务产生的回调在 wg.Done 之后才派发，回调里调用 Leave 不会等到自己
func (s *Session) goAsyncLocked(fn func()) bool {
	if s.state == StateClosed {
		return false
	}
	s.wg.Add(1)
	go func() {
		fn()
		s.wg.Done()
		s.drain()
	}()
	return true
}
