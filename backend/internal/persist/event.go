package persist

import (
	"time"

	"roomsync/backend/internal/model"
)

const (
	EventMessageAppended = "MESSAGE_APPENDED"
	EventDocumentSaved   = "DOCUMENT_SAVED"
)

// Event 写库成功后发到 Kafka 的通知，下游（搜索、审计）按需消费
type Event struct {
	EventType  string               `json:"eventType"`
	RoomID     string               `json:"roomId"`
	MessageID  string               `json:"messageId,omitempty"`
	Revision   uint64               `json:"revision,omitempty"`
	Message    *model.Message       `json:"message,omitempty"`
	Document   *model.DocumentState `json:"document,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}
