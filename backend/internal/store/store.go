// Package store 是房间数据的持久层：聊天历史和文档快照。
// 同步引擎只在加入和重连时读，写入都是异步的。
package store

import (
	"context"
	"errors"

	"roomsync/backend/internal/model"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// FetchRecentMessages 返回最近 limit 条消息，按 (sentAt, id) 从旧到新
	FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	// FetchDocumentSnapshot 没有快照时返回 ErrNotFound
	FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error)
	// AppendMessage 按消息 id 幂等
	AppendMessage(ctx context.Context, roomID string, msg model.Message) error
	// SaveDocumentSnapshot 只保留 (revision, originId, writerId) 最大的那次写入
	SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error
	Close() error
}

func messageLess(a, b model.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}
