// Package presence 维护一个房间的在线名单。
// 名单以全量快照为准（中继不保证送达，丢一条 join 不能让名单永久错位），
// 心跳刷新存活时间，定时清扫把超时的人移出去。
package presence

import (
	"sort"
	"time"

	"roomsync/backend/internal/model"
)

type Diff struct {
	Joined []model.Participant
	Left   []model.Participant
}

func (d Diff) Empty() bool { return len(d.Joined) == 0 && len(d.Left) == 0 }

// Registry 不加锁，由所属会话串行调用
type Registry struct {
	roomID  string
	timeout time.Duration

	version uint64
	members map[string]model.Participant
}

// timeout 为 0 时快照里的心跳时间不做过滤
func NewRegistry(roomID string, timeout time.Duration) *Registry {
	return &Registry{roomID: roomID, timeout: timeout, members: make(map[string]model.Participant)}
}

// ApplySnapshot 只接受比当前更新的版本，整表替换后返回差异
func (r *Registry) ApplySnapshot(snap model.Snapshot, now time.Time) (Diff, bool) {
	if snap.Version <= r.version {
		return Diff{}, false
	}
	return r.replace(snap, now), true
}

// Reset 强制替换，重连后以中继返回的最新快照为准（中继重启后版本号可能变小）
func (r *Registry) Reset(snap model.Snapshot, now time.Time) Diff {
	return r.replace(snap, now)
}

func (r *Registry) replace(snap model.Snapshot, now time.Time) Diff {
	next := make(map[string]model.Participant, len(snap.Participants))
	for id, p := range snap.Participants {
		if p.UserID == "" {
			p.UserID = id
		}
		if p.LastHeartbeat.IsZero() {
			p.LastHeartbeat = now
		}
		if old, ok := r.members[p.UserID]; ok {
			// 本地已经见过更新的心跳，快照不能把存活时间往回拨
			if old.LastHeartbeat.After(p.LastHeartbeat) {
				p.LastHeartbeat = old.LastHeartbeat
			}
			if p.JoinedAt.IsZero() {
				p.JoinedAt = old.JoinedAt
			}
		}
		if r.expired(p, now, r.timeout) {
			continue
		}
		next[p.UserID] = p
	}

	var diff Diff
	for id, p := range next {
		if _, ok := r.members[id]; !ok {
			diff.Joined = append(diff.Joined, p)
		}
	}
	for id, p := range r.members {
		if _, ok := next[id]; !ok {
			diff.Left = append(diff.Left, p)
		}
	}
	sortByUser(diff.Joined)
	sortByUser(diff.Left)

	r.members = next
	r.version = snap.Version
	return diff
}

// Heartbeat 刷新某个成员的存活时间，不认识的用户忽略（名单只由快照决定）
func (r *Registry) Heartbeat(userID string, now time.Time) bool {
	p, ok := r.members[userID]
	if !ok {
		return false
	}
	if now.After(p.LastHeartbeat) {
		p.LastHeartbeat = now
		r.members[userID] = p
	}
	return true
}

// SweepTimeouts 移除 now - lastHeartbeat > timeout 的成员
func (r *Registry) SweepTimeouts(now time.Time, timeout time.Duration) Diff {
	var diff Diff
	for id, p := range r.members {
		if r.expired(p, now, timeout) {
			diff.Left = append(diff.Left, p)
			delete(r.members, id)
		}
	}
	sortByUser(diff.Left)
	return diff
}

func (r *Registry) expired(p model.Participant, now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(p.LastHeartbeat) > timeout
}

func (r *Registry) Get(userID string) (model.Participant, bool) {
	p, ok := r.members[userID]
	return p, ok
}

func (r *Registry) Participants() []model.Participant {
	out := make([]model.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	sortByUser(out)
	return out
}

func (r *Registry) Version() uint64 { return r.version }

func (r *Registry) Len() int { return len(r.members) }

func sortByUser(ps []model.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserID < ps[j].UserID })
}
