// Package dedup 给出站事件打上 originId+seq，并过滤入站的回声和重复事件
package dedup

import (
	"strconv"
	"sync"

	"roomsync/backend/internal/model"
)

const DefaultCapacity = 2048

type Reason string

const (
	ReasonAccepted     Reason = "accepted"
	ReasonSelfEcho     Reason = "self_echo"
	ReasonDuplicateSeq Reason = "duplicate_seq"
	ReasonDuplicateID  Reason = "duplicate_id"
)

type Verdict struct {
	Accept bool
	Reason Reason
}

// Deduplicator 最近窗口内见过的 (originId, seq) 和消息 id 都记在 seen 里，
// order 是一个环形 FIFO，满了就淘汰最早的 key。
// 淘汰后的重复事件会漏过去，下游按 id 幂等合并兜底
type Deduplicator struct {
	originID string

	mu      sync.Mutex
	nextSeq uint64
	seen    map[string]struct{}
	order   []string
	head    int
	size    int
}

func New(originID string, capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		originID: originID,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

func (d *Deduplicator) OriginID() string { return d.originID }

// TagOutbound 盖上本会话的 originId 和下一个 seq（从 0 开始）
func (d *Deduplicator) TagOutbound(env model.Envelope) model.Envelope {
	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.mu.Unlock()

	env.OriginID = d.originID
	env.Seq = seq
	return env
}

func (d *Deduplicator) Admit(env model.Envelope) Verdict {
	if env.OriginID == d.originID {
		return Verdict{Accept: false, Reason: ReasonSelfEcho}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var seqKey, idKey string
	if env.OriginID != "" {
		seqKey = "s:" + env.OriginID + ":" + strconv.FormatUint(env.Seq, 10)
		if _, ok := d.seen[seqKey]; ok {
			return Verdict{Accept: false, Reason: ReasonDuplicateSeq}
		}
	}
	if id := env.EventID(); id != "" {
		idKey = "i:" + id
		if _, ok := d.seen[idKey]; ok {
			return Verdict{Accept: false, Reason: ReasonDuplicateID}
		}
	}

	if seqKey != "" {
		d.rememberLocked(seqKey)
	}
	if idKey != "" {
		d.rememberLocked(idKey)
	}
	return Verdict{Accept: true, Reason: ReasonAccepted}
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *Deduplicator) rememberLocked(key string) {
	capacity := len(d.order)
	if d.size == capacity {
		oldest := d.order[d.head]
		delete(d.seen, oldest)
		d.order[d.head] = key
		d.head = (d.head + 1) % capacity
	} else {
		d.order[(d.head+d.size)%capacity] = key
		d.size++
	}
	d.seen[key] = struct{}{}
}
