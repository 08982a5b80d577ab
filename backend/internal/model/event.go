package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingPayload   = errors.New("event payload missing")
)

type EventType string

const (
	EventPresenceSync EventType = "presence_sync"
	EventMessage      EventType = "message"
	EventDocumentEdit EventType = "document_edit"
	EventHeartbeat    EventType = "heartbeat"
)

// Envelope 是房间里广播的事件，按 Type 区分负载，只有和 Type 对应的那个指针字段非空。
// 每个出站事件都带 originId + seq + roomId
type Envelope struct {
	Type     EventType     `json:"type" cbor:"type"`
	RoomID   string        `json:"roomId" cbor:"roomId"`
	OriginID string        `json:"originId" cbor:"originId"`
	Seq      uint64        `json:"seq" cbor:"seq"`
	SenderID string        `json:"senderId,omitempty" cbor:"senderId,omitempty"`
	SentAt   time.Time     `json:"sentAt" cbor:"sentAt"`
	Presence *Snapshot     `json:"presence,omitempty" cbor:"presence,omitempty"`
	Message  *Message      `json:"message,omitempty" cbor:"message,omitempty"`
	Edit     *DocumentEdit `json:"edit,omitempty" cbor:"edit,omitempty"`
}

func NewMessageEvent(msg Message) Envelope {
	m := msg
	return Envelope{Type: EventMessage, RoomID: msg.RoomID, SenderID: msg.SenderID, SentAt: msg.SentAt, Message: &m}
}

func NewEditEvent(edit DocumentEdit) Envelope {
	e := edit
	return Envelope{Type: EventDocumentEdit, RoomID: edit.RoomID, SenderID: edit.WriterID, SentAt: edit.EditedAt, Edit: &e}
}

func NewHeartbeatEvent(roomID, senderID string, at time.Time) Envelope {
	return Envelope{Type: EventHeartbeat, RoomID: roomID, SenderID: senderID, SentAt: at}
}

func NewPresenceEvent(snap Snapshot) Envelope {
	s := snap
	return Envelope{Type: EventPresenceSync, RoomID: snap.RoomID, Presence: &s}
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EventMessage:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingPayload)
		}
	case EventDocumentEdit:
		if e.Edit == nil {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingPayload)
		}
	case EventPresenceSync:
		if e.Presence == nil {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingPayload)
		}
	case EventHeartbeat:
		if e.SenderID == "" {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingPayload)
		}
	default:
		return fmt.Errorf("%q: %w", e.Type, ErrUnknownEventType)
	}
	return nil
}

// EventID 用于按 id 去重，只有消息有全局 id
func (e Envelope) EventID() string {
	if e.Type == EventMessage && e.Message != nil {
		return e.Message.ID
	}
	return ""
}
