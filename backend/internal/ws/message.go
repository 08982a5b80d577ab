package ws

import "roomsync/backend/internal/model"

// 客户端 → 中继
const (
	TypeBroadcast     = "broadcast"
	TypeTrack         = "track"
	TypePresenceState = "presence_state"
	TypePing          = "ping"
)

// 中继 → 客户端；broadcast 和 presence_state 两边共用
const (
	TypeSubscribed   = "subscribed"
	TypePresenceSync = "presence_sync"
	TypeError        = "error"
	TypePong         = "pong"
	TypeAck          = "ack" // 带 requestId 的 broadcast 已转发
)

type ClientMessage struct {
	Type        string             `json:"type"`
	RequestID   string             `json:"requestId,omitempty"`
	Envelope    *model.Envelope    `json:"envelope,omitempty"`
	Participant *model.Participant `json:"participant,omitempty"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Envelope  *model.Envelope `json:"envelope,omitempty"`
	Snapshot  *model.Snapshot `json:"snapshot,omitempty"`
	Error     string          `json:"error,omitempty"`
}
