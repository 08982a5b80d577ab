package model

import (
	"sort"
	"time"
)

// RoomKind 决定房间会话挂哪些组件：chat 带消息记录，document 带共享文档，generic 只有在线名单
type RoomKind string

const (
	RoomChat     RoomKind = "chat"
	RoomDocument RoomKind = "document"
	RoomGeneric  RoomKind = "generic"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomChat, RoomDocument, RoomGeneric:
		return true
	}
	return false
}

type Participant struct {
	UserID        string    `json:"userId" cbor:"userId"`
	DisplayName   string    `json:"displayName,omitempty" cbor:"displayName,omitempty"`
	AvatarRef     string    `json:"avatarRef,omitempty" cbor:"avatarRef,omitempty"`
	JoinedAt      time.Time `json:"joinedAt" cbor:"joinedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat" cbor:"lastHeartbeat"`
}

// Snapshot 是某个房间在线名单的全量视图，Version 单调递增
type Snapshot struct {
	RoomID       string                 `json:"roomId" cbor:"roomId"`
	Participants map[string]Participant `json:"participants" cbor:"participants"`
	Version      uint64                 `json:"version" cbor:"version"`
}

// SortedParticipants 按 UserID 排序返回，方便稳定输出
func (s Snapshot) SortedParticipants() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
