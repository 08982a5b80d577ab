package model

import (
	"strings"
	"time"
)

// DocumentState 房间共享文档的当前内容。Revision 是计数器，不是时间戳
type DocumentState struct {
	RoomID             string    `json:"roomId" cbor:"roomId"`
	Content            string    `json:"content" cbor:"content"`
	Revision           uint64    `json:"revision" cbor:"revision"`
	LastWriterID       string    `json:"lastWriterId,omitempty" cbor:"lastWriterId,omitempty"`
	LastWriterOriginID string    `json:"lastWriterOriginId,omitempty" cbor:"lastWriterOriginId,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt" cbor:"updatedAt"`
}

func (s DocumentState) Key() WriteKey {
	return WriteKey{Revision: s.Revision, OriginID: s.LastWriterOriginID, WriterID: s.LastWriterID}
}

// DocumentEdit 一次整篇覆盖写，广播出去的就是它
type DocumentEdit struct {
	RoomID   string    `json:"roomId" cbor:"roomId"`
	Content  string    `json:"content" cbor:"content"`
	Revision uint64    `json:"revision" cbor:"revision"`
	WriterID string    `json:"writerId" cbor:"writerId"`
	OriginID string    `json:"originId" cbor:"originId"`
	EditedAt time.Time `json:"editedAt" cbor:"editedAt"`
}

func (e DocumentEdit) Key() WriteKey {
	return WriteKey{Revision: e.Revision, OriginID: e.OriginID, WriterID: e.WriterID}
}

// State 把这次写入转成文档状态
func (e DocumentEdit) State() DocumentState {
	return DocumentState{
		RoomID:             e.RoomID,
		Content:            e.Content,
		Revision:           e.Revision,
		LastWriterID:       e.WriterID,
		LastWriterOriginID: e.OriginID,
		UpdatedAt:          e.EditedAt,
	}
}

// WriteKey 是文档写入的全序：(revision, originId, writerId)，各端不需要协调就能选出同一个赢家
type WriteKey struct {
	Revision uint64
	OriginID string
	WriterID string
}

func (k WriteKey) Compare(o WriteKey) int {
	switch {
	case k.Revision < o.Revision:
		return -1
	case k.Revision > o.Revision:
		return 1
	}
	if c := strings.Compare(k.OriginID, o.OriginID); c != 0 {
		return c
	}
	return strings.Compare(k.WriterID, o.WriterID)
}

func (k WriteKey) Less(o WriteKey) bool { return k.Compare(o) < 0 }
