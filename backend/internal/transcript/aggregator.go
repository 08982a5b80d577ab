// Package transcript 把本地发出的和远端收到的聊天消息合并成一份有序、按 id 去重的记录
package transcript

import (
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"

	"roomsync/backend/internal/model"
)

const DefaultMaxEntries = 1000

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Entry 记录里的一条消息。Status 只对自己发的消息有意义，别人的消息一律是 delivered
type Entry struct {
	model.Message
	Status DeliveryStatus `json:"status"`
}

type Option func(*Aggregator)

// WithMaxEntries 限制保留的条数，超出从最早的开始丢；0 表示不限制
func WithMaxEntries(n int) Option {
	return func(a *Aggregator) { a.maxEntries = n }
}

func WithIDFunc(fn func() string) Option {
	return func(a *Aggregator) { a.newID = fn }
}

// Aggregator 不加锁，由所属会话串行调用
type Aggregator struct {
	roomID   string
	originID string
	sender   model.Participant

	maxEntries int
	newID      func() string

	entries []*Entry // 按 (SentAt, ID) 升序
	byID    map[string]*Entry
}

func NewAggregator(roomID, originID string, sender model.Participant, opts ...Option) *Aggregator {
	a := &Aggregator{
		roomID:     roomID,
		originID:   originID,
		sender:     sender,
		maxEntries: DefaultMaxEntries,
		newID:      uuid.NewString,
		byID:       make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append 按 (sentAt, id) 插入，id 已存在时什么也不做
func (a *Aggregator) Append(msg model.Message) bool {
	status := StatusDelivered
	if msg.OriginID == a.originID {
		status = StatusSent
	}
	return a.insert(msg, status) != nil
}

func (a *Aggregator) insert(msg model.Message, status DeliveryStatus) *Entry {
	if msg.ID == "" {
		return nil
	}
	if _, ok := a.byID[msg.ID]; ok {
		return nil
	}
	if msg.RoomID == "" {
		msg.RoomID = a.roomID
	}
	e := &Entry{Message: msg, Status: status}
	i := sort.Search(len(a.entries), func(i int) bool {
		return !entryLess(a.entries[i], e)
	})
	a.entries = append(a.entries, nil)
	copy(a.entries[i+1:], a.entries[i:])
	a.entries[i] = e
	a.byID[msg.ID] = e
	a.trim()
	return e
}

func (a *Aggregator) trim() {
	if a.maxEntries <= 0 || len(a.entries) <= a.maxEntries {
		return
	}
	drop := len(a.entries) - a.maxEntries
	for _, e := range a.entries[:drop] {
		delete(a.byID, e.ID)
	}
	a.entries = append(a.entries[:0:0], a.entries[drop:]...)
}

func entryLess(x, y *Entry) bool {
	if !x.SentAt.Equal(y.SentAt) {
		return x.SentAt.Before(y.SentAt)
	}
	return x.ID < y.ID
}

// LocalSend 构造一条自己的消息并立即乐观插入，状态 pending
func (a *Aggregator) LocalSend(kind model.MessageKind, content string, now time.Time) Entry {
	if kind == "" {
		kind = model.MessageText
	}
	msg := model.Message{
		ID:         a.newID(),
		RoomID:     a.roomID,
		SenderID:   a.sender.UserID,
		SenderName: a.sender.DisplayName,
		Content:    content,
		Kind:       kind,
		SentAt:     now,
		OriginID:   a.originID,
	}
	if e := a.insert(msg, StatusPending); e != nil {
		return *e
	}
	return Entry{Message: msg, Status: StatusPending}
}

// RemoteReceive 自己发出的消息回来只算送达确认，不会多出一条
func (a *Aggregator) RemoteReceive(msg model.Message) bool {
	if msg.OriginID == a.originID {
		if _, ok := a.byID[msg.ID]; ok {
			a.Confirm(msg.ID)
			return false
		}
	}
	return a.Append(msg)
}

func (a *Aggregator) Confirm(id string) bool { return a.setStatus(id, StatusDelivered) }

func (a *Aggregator) MarkSent(id string) bool {
	e, ok := a.byID[id]
	// 已经确认送达的不回退
	if !ok || e.Status == StatusDelivered {
		return false
	}
	return a.setStatus(id, StatusSent)
}

func (a *Aggregator) MarkFailed(id string) bool {
	e, ok := a.byID[id]
	if !ok || e.Status == StatusDelivered {
		return false
	}
	return a.setStatus(id, StatusFailed)
}

// MarkPending 手动重试前把失败的消息恢复成 pending
func (a *Aggregator) MarkPending(id string) bool {
	e, ok := a.byID[id]
	if !ok || e.Status != StatusFailed {
		return false
	}
	return a.setStatus(id, StatusPending)
}

func (a *Aggregator) setStatus(id string, st DeliveryStatus) bool {
	e, ok := a.byID[id]
	if !ok || e.OriginID != a.originID || e.Status == st {
		return false
	}
	e.Status = st
	return true
}

func (a *Aggregator) Get(id string) (Entry, bool) {
	e, ok := a.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (a *Aggregator) Len() int { return len(a.entries) }

// Messages 按顺序遍历当前记录。每次调用都从头开始，遍历的是调用时的快照
func (a *Aggregator) Messages() iter.Seq[Entry] {
	snapshot := make([]Entry, len(a.entries))
	for i, e := range a.entries {
		snapshot[i] = *e
	}
	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}
