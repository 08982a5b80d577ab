package cache

import (
	"context"
	"strings"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomsync/backend/internal/codec"
	"roomsync/backend/internal/model"
)

type FrameKind string

const (
	FrameBroadcast FrameKind = "broadcast"
	FramePresence  FrameKind = "presence"
)

// Frame 节点之间转发的一帧，Node 是发出节点，收到自己发的直接跳过
type Frame struct {
	Node     string          `cbor:"node"`
	RoomID   string          `cbor:"roomId"`
	Kind     FrameKind       `cbor:"kind"`
	Envelope *model.Envelope `cbor:"envelope,omitempty"`
	Snapshot *model.Snapshot `cbor:"snapshot,omitempty"`
}

// RedisFanout 通过 Redis Pub/Sub 把房间广播转发到其他中继节点
type RedisFanout struct {
	rdb  redis.UniversalClient
	node string
	log  *zap.Logger
}

func NewRedisFanout(rdb redis.UniversalClient, log *zap.Logger) *RedisFanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFanout{rdb: rdb, node: uuid.NewString(), log: log}
}

func (f *RedisFanout) NodeID() string { return f.node }

func (f *RedisFanout) Publish(ctx context.Context, fr Frame) error {
	fr.Node = f.node
	data, err := codec.Marshal(fr)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, fanoutChannel(fr.RoomID), data).Err()
}

// Run 订阅所有房间频道，收到别的节点的帧就交给 fn，直到 ctx 取消
func (f *RedisFanout) Run(ctx context.Context, fn func(Frame)) error {
	sub := f.rdb.PSubscribe(ctx, fanoutChannelPrefix+"*")
	defer sub.Close()
	// 等订阅确认，之后发布的帧不会漏
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var fr Frame
			if err := codec.Unmarshal([]byte(msg.Payload), &fr); err != nil {
				f.log.Warn("drop bad fanout frame", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if fr.Node == f.node {
				continue
			}
			if fr.RoomID == "" {
				fr.RoomID = strings.TrimPrefix(msg.Channel, fanoutChannelPrefix)
			}
			fn(fr)
		}
	}
}
