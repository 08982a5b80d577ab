package model

import "time"

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID         string      `json:"id" cbor:"id"`
	RoomID     string      `json:"roomId" cbor:"roomId"`
	SenderID   string      `json:"senderId" cbor:"senderId"`
	SenderName string      `json:"senderName,omitempty" cbor:"senderName,omitempty"`
	Content    string      `json:"content" cbor:"content"`
	Kind       MessageKind `json:"kind" cbor:"kind"`
	SentAt     time.Time   `json:"sentAt" cbor:"sentAt"`
	OriginID   string      `json:"originId" cbor:"originId"`
}
