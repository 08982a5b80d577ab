package session

import (
	"context"

	"roomsync/backend/internal/model"
)

// Persistence 是持久层协作者，只在加入和重连同步时读取；写入是发完即忘
type Persistence interface {
	FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error)
	AppendMessage(ctx context.Context, roomID string, msg model.Message) error
	SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error
}
