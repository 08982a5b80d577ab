package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/metrics"
	"roomsync/backend/internal/model"
)

// Fanout 把本节点的广播转发给其他中继节点
type Fanout interface {
	Publish(ctx context.Context, fr cache.Frame) error
}

type HubOptions struct {
	// PresenceTTL 成员多久没 track 就算掉线
	PresenceTTL time.Duration
	Fanout      Fanout
	Metrics     *metrics.Relay
	Logger      *zap.Logger
}

type Hub struct {
	presence cache.Presence
	fanout   Fanout
	metrics  *metrics.Relay
	log      *zap.Logger
	ttl      time.Duration

	mu sync.RWMutex
	// roomID -> set of connections；一个用户可以有多个连接（多标签页/多设备）
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.Presence, opt HubOptions) *Hub {
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 30 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Hub{
		presence: p,
		fanout:   opt.Fanout,
		metrics:  opt.Metrics,
		log:      opt.Logger,
		ttl:      opt.PresenceTTL,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
}

// Join 将连接加入房间。subscribed 在持锁时入队，之后的广播一定排在它后面
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	c.Enqueue(ServerMessage{Type: TypeSubscribed, RoomID: roomID})
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnOpened(roomID)
}

// Leave 将连接移出房间。这个用户在房间里没有别的连接了，就把他从在线名单删掉
func (h *Hub) Leave(ctx context.Context, roomID string, c *Conn) {
	h.mu.Lock()
	conns, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	stillHere := false
	for other := range conns {
		if other.userID == c.userID && other.isTracked() {
			stillHere = true
			break
		}
	}
	if len(conns) == 0 {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	h.metrics.ConnClosed(roomID)

	if !c.isTracked() || stillHere {
		return
	}
	snap, changed, err := h.presence.Untrack(ctx, roomID, c.userID)
	if err != nil {
		h.log.Warn("untrack failed", zap.String("room", roomID), zap.String("user", c.userID), zap.Error(err))
		return
	}
	if changed {
		h.PublishPresence(ctx, snap)
	}
}

func (h *Hub) conns(roomID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

// ConnCount 房间在本节点上的连接数
func (h *Hub) ConnCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast 发给房间里的所有连接，包括发送者自己，再转发给其他节点
func (h *Hub) Broadcast(ctx context.Context, roomID string, env model.Envelope) {
	h.deliver(roomID, ServerMessage{Type: TypeBroadcast, RoomID: roomID, Envelope: &env})
	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, cache.Frame{RoomID: roomID, Kind: cache.FrameBroadcast, Envelope: &env}); err != nil {
			h.log.Warn("fanout broadcast failed", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// PublishPresence 把最新在线快照推给房间
func (h *Hub) PublishPresence(ctx context.Context, snap model.Snapshot) {
	h.deliver(snap.RoomID, ServerMessage{Type: TypePresenceSync, RoomID: snap.RoomID, Snapshot: &snap})
	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, cache.Frame{RoomID: snap.RoomID, Kind: cache.FramePresence, Snapshot: &snap}); err != nil {
			h.log.Warn("fanout presence failed", zap.String("room", snap.RoomID), zap.Error(err))
		}
	}
}

// DeliverRemote 其他节点转发过来的帧，只投给本节点的连接
func (h *Hub) DeliverRemote(fr cache.Frame) {
	switch fr.Kind {
	case cache.FrameBroadcast:
		if fr.Envelope != nil {
			h.deliver(fr.RoomID, ServerMessage{Type: TypeBroadcast, RoomID: fr.RoomID, Envelope: fr.Envelope})
		}
	case cache.FramePresence:
		if fr.Snapshot != nil {
			h.deliver(fr.RoomID, ServerMessage{Type: TypePresenceSync, RoomID: fr.RoomID, Snapshot: fr.Snapshot})
		}
	}
}

func (h *Hub) deliver(roomID string, msg ServerMessage) {
	for _, c := range h.conns(roomID) {
		c.Enqueue(msg)
	}
}

// Track 新增或刷新连接对应用户的在线条目，并推送快照
func (h *Hub) Track(ctx context.Context, c *Conn, p model.Participant) error {
	snap, err := h.presence.Track(ctx, c.roomID, p, h.ttl)
	if err != nil {
		return err
	}
	c.markTracked()
	h.PublishPresence(ctx, snap)
	return nil
}

func (h *Hub) Snapshot(ctx context.Context, roomID string) (model.Snapshot, error) {
	return h.presence.Snapshot(ctx, roomID)
}

// SweepOnce 清扫所有房间的过期成员，有变化就推送快照
func (h *Hub) SweepOnce(ctx context.Context) {
	rooms, err := h.presence.Rooms(ctx)
	if err != nil {
		h.log.Warn("list presence rooms failed", zap.Error(err))
		return
	}
	for _, roomID := range rooms {
		snap, changed, err := h.presence.Sweep(ctx, roomID)
		if err != nil {
			h.log.Warn("presence sweep failed", zap.String("room", roomID), zap.Error(err))
			continue
		}
		if changed {
			h.log.Debug("presence swept", zap.String("room", roomID), zap.Int("remaining", len(snap.Participants)))
			h.PublishPresence(ctx, snap)
		}
	}
}

// RunSweeper 每 interval 清扫一次，直到 ctx 取消
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepOnce(ctx)
		}
	}
}
