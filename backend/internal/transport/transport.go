// Package transport 定义会话依赖的中继（pub/sub relay）边界。
// 中继只负责房间内的广播扇出和在线状态，不保证顺序，至多送达一次。
package transport

import (
	"context"
	"errors"

	"roomsync/backend/internal/model"
)

var (
	ErrClosedHandle = errors.New("transport: handle closed")
	ErrUnavailable  = errors.New("transport: relay unavailable")
)

// Handle 代表一次房间订阅
type Handle interface {
	RoomID() string
}

// Handlers 在订阅时一起注册，保证订阅成功后的第一条事件也有人接
type Handlers struct {
	OnBroadcast    func(model.Envelope)
	OnPresenceSync func(model.Snapshot)
	// OnDisconnected 连接断开时调用一次，之后这个 handle 不再可用
	OnDisconnected func(error)
}

type Transport interface {
	Subscribe(ctx context.Context, roomID string, h Handlers) (Handle, error)
	Send(ctx context.Context, h Handle, env model.Envelope) error
	// Track 发布本客户端自己的在线条目，重复调用即刷新心跳
	Track(ctx context.Context, h Handle, p model.Participant) error
	PresenceState(ctx context.Context, h Handle) (model.Snapshot, error)
	Unsubscribe(ctx context.Context, h Handle) error
}
