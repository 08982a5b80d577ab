// Package cache 是中继服务端的共享状态：在线名单（Redis 或内存）和跨节点广播（Redis Pub/Sub）
package cache

import (
	"context"
	"time"

	"roomsync/backend/internal/model"
)

// Presence 中继侧的在线名单。每次变化版本号 +1，返回变化后的快照
type Presence interface {
	// Track 新增或刷新一个成员，ttl 内没再 Track 就算过期
	Track(ctx context.Context, roomID string, p model.Participant, ttl time.Duration) (model.Snapshot, error)
	// Untrack 移除成员；changed 为 false 表示本来就不在
	Untrack(ctx context.Context, roomID, userID string) (snap model.Snapshot, changed bool, err error)
	// Sweep 清掉过期成员
	Sweep(ctx context.Context, roomID string) (snap model.Snapshot, changed bool, err error)
	Snapshot(ctx context.Context, roomID string) (model.Snapshot, error)
	// Rooms 当前有成员的房间
	Rooms(ctx context.Context) ([]string, error)
}
