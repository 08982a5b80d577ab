// Package memrelay 是进程内的中继实现，投递是同步的（包括回声给发送者），
// 额外提供断线、崩溃、离线、注入重复事件等故障注入手段，用于测试和离线模式。
package memrelay

import (
	"context"
	"sync"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/transport"
)

type Relay struct {
	clock clock.Clock

	mu      sync.Mutex
	rooms   map[string]*room
	offline bool
	sendErr error
	nextID  uint64
}

type room struct {
	subs     map[*Handle]struct{}
	presence map[string]model.Participant
	owners   map[string]*Handle
	version  uint64
}

type Handle struct {
	id       uint64
	roomID   string
	handlers transport.Handlers
	closed   bool
	userID   string
}

func (h *Handle) RoomID() string { return h.roomID }

var _ transport.Transport = (*Relay)(nil)

func New(c clock.Clock) *Relay {
	if c == nil {
		c = clock.Real()
	}
	return &Relay{clock: c, rooms: make(map[string]*room)}
}

func (r *Relay) roomLocked(roomID string) *room {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			subs:     make(map[*Handle]struct{}),
			presence: make(map[string]model.Participant),
			owners:   make(map[string]*Handle),
		}
		r.rooms[roomID] = rm
	}
	return rm
}

func (r *Relay) Subscribe(ctx context.Context, roomID string, hs transport.Handlers) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, transport.ErrUnavailable
	}
	r.nextID++
	h := &Handle{id: r.nextID, roomID: roomID, handlers: hs}
	r.roomLocked(roomID).subs[h] = struct{}{}
	return h, nil
}

func (r *Relay) handle(th transport.Handle) (*Handle, error) {
	h, ok := th.(*Handle)
	if !ok || h == nil || h.closed {
		return nil, transport.ErrClosedHandle
	}
	return h, nil
}

// Send 扇出给房间内所有订阅者，发送者自己也会收到回声
func (r *Relay) Send(ctx context.Context, th transport.Handle, env model.Envelope) error {
	r.mu.Lock()
	h, err := r.handle(th)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	if r.offline {
		r.mu.Unlock()
		return transport.ErrUnavailable
	}
	targets := r.subscribersLocked(h.roomID)
	r.mu.Unlock()

	deliverBroadcast(targets, env)
	return nil
}

func (r *Relay) Track(ctx context.Context, th transport.Handle, p model.Participant) error {
	r.mu.Lock()
	h, err := r.handle(th)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if r.offline {
		r.mu.Unlock()
		return transport.ErrUnavailable
	}
	now := r.clock.Now()
	rm := r.roomLocked(h.roomID)
	if old, ok := rm.presence[p.UserID]; ok && p.JoinedAt.IsZero() {
		p.JoinedAt = old.JoinedAt
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.LastHeartbeat.IsZero() {
		p.LastHeartbeat = now
	}
	rm.presence[p.UserID] = p
	rm.owners[p.UserID] = h
	h.userID = p.UserID
	rm.version++
	snap := snapshotLocked(h.roomID, rm)
	targets := r.subscribersLocked(h.roomID)
	r.mu.Unlock()

	deliverPresence(targets, snap)
	return nil
}

func (r *Relay) PresenceState(ctx context.Context, th transport.Handle) (model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, err := r.handle(th)
	if err != nil {
		return model.Snapshot{}, err
	}
	if r.offline {
		return model.Snapshot{}, transport.ErrUnavailable
	}
	return snapshotLocked(h.roomID, r.roomLocked(h.roomID)), nil
}

func (r *Relay) Unsubscribe(ctx context.Context, th transport.Handle) error {
	r.mu.Lock()
	h, err := r.handle(th)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	snap, targets, changed := r.detachLocked(h, true)
	r.mu.Unlock()

	if changed {
		deliverPresence(targets, snap)
	}
	return nil
}

// detachLocked 把 handle 从房间摘掉；untrack 为 true 时同时删掉它发布的在线条目
func (r *Relay) detachLocked(h *Handle, untrack bool) (model.Snapshot, []*Handle, bool) {
	h.closed = true
	rm := r.roomLocked(h.roomID)
	delete(rm.subs, h)
	if !untrack || h.userID == "" || rm.owners[h.userID] != h {
		return model.Snapshot{}, nil, false
	}
	delete(rm.owners, h.userID)
	delete(rm.presence, h.userID)
	rm.version++
	return snapshotLocked(h.roomID, rm), r.subscribersLocked(h.roomID), true
}

// Drop 模拟连接断开：中继侧清掉它的在线条目，客户端收到 disconnected
func (r *Relay) Drop(th transport.Handle) {
	r.mu.Lock()
	h, err := r.handle(th)
	if err != nil {
		r.mu.Unlock()
		return
	}
	snap, targets, changed := r.detachLocked(h, true)
	r.mu.Unlock()

	if changed {
		deliverPresence(targets, snap)
	}
	if h.handlers.OnDisconnected != nil {
		h.handlers.OnDisconnected(transport.ErrUnavailable)
	}
}

// Crash 模拟客户端进程直接死掉：不再投递，不通知，在线条目留在中继上直到别人超时清扫
func (r *Relay) Crash(th transport.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, err := r.handle(th); err == nil {
		r.detachLocked(h, false)
	}
}

// SetOffline 为 true 时新的订阅和发送都返回 ErrUnavailable
func (r *Relay) SetOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

// SetSendError 让后续 Send 直接返回 err，传 nil 恢复
func (r *Relay) SetSendError(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// Inject 不经过任何发送方，直接把事件投给房间内所有订阅者（重复投递、伪造回声等）
func (r *Relay) Inject(roomID string, env model.Envelope) {
	r.mu.Lock()
	targets := r.subscribersLocked(roomID)
	r.mu.Unlock()
	deliverBroadcast(targets, env)
}

// Subscribers 返回房间当前订阅数
func (r *Relay) Subscribers(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.subs)
	}
	return 0
}

func (r *Relay) subscribersLocked(roomID string) []*Handle {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Handle, 0, len(rm.subs))
	for h := range rm.subs {
		out = append(out, h)
	}
	return out
}

func snapshotLocked(roomID string, rm *room) model.Snapshot {
	ps := make(map[string]model.Participant, len(rm.presence))
	for id, p := range rm.presence {
		ps[id] = p
	}
	return model.Snapshot{RoomID: roomID, Participants: ps, Version: rm.version}
}

func deliverBroadcast(targets []*Handle, env model.Envelope) {
	for _, h := range targets {
		if h.handlers.OnBroadcast != nil {
			h.handlers.OnBroadcast(env)
		}
	}
}

func deliverPresence(targets []*Handle, snap model.Snapshot) {
	for _, h := range targets {
		if h.handlers.OnPresenceSync != nil {
			h.handlers.OnPresenceSync(snap)
		}
	}
}
