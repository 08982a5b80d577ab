package cache

import (
	"context"
	"sync"
	"time"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/model"
)

// MemoryPresence 单节点部署时用
type MemoryPresence struct {
	clock clock.Clock

	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	members  map[string]model.Participant
	expireAt map[string]time.Time
	version  uint64
}

var _ Presence = (*MemoryPresence)(nil)

func NewMemoryPresence(c clock.Clock) *MemoryPresence {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryPresence{clock: c, rooms: make(map[string]*memRoom)}
}

func (m *MemoryPresence) room(roomID string) *memRoom {
	rm, ok := m.rooms[roomID]
	if !ok {
		rm = &memRoom{members: make(map[string]model.Participant), expireAt: make(map[string]time.Time)}
		m.rooms[roomID] = rm
	}
	return rm
}

func (m *MemoryPresence) Track(ctx context.Context, roomID string, p model.Participant, ttl time.Duration) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	rm := m.room(roomID)
	if old, ok := rm.members[p.UserID]; ok {
		p.JoinedAt = old.JoinedAt
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastHeartbeat = now
	rm.members[p.UserID] = p
	rm.expireAt[p.UserID] = now.Add(ttl)
	rm.version++
	return m.snapshotLocked(roomID, rm), nil
}

func (m *MemoryPresence) Untrack(ctx context.Context, roomID, userID string) (model.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm := m.room(roomID)
	if _, ok := rm.members[userID]; !ok {
		return m.snapshotLocked(roomID, rm), false, nil
	}
	delete(rm.members, userID)
	delete(rm.expireAt, userID)
	rm.version++
	return m.snapshotLocked(roomID, rm), true, nil
}

func (m *MemoryPresence) Sweep(ctx context.Context, roomID string) (model.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	rm := m.room(roomID)
	changed := false
	for id, at := range rm.expireAt {
		// expireAt <= now 视为过期
		if !at.After(now) {
			delete(rm.members, id)
			delete(rm.expireAt, id)
			changed = true
		}
	}
	if changed {
		rm.version++
	}
	return m.snapshotLocked(roomID, rm), changed, nil
}

func (m *MemoryPresence) Snapshot(ctx context.Context, roomID string) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(roomID, m.room(roomID)), nil
}

func (m *MemoryPresence) Rooms(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rm := range m.rooms {
		if len(rm.members) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryPresence) snapshotLocked(roomID string, rm *memRoom) model.Snapshot {
	ps := make(map[string]model.Participant, len(rm.members))
	for id, p := range rm.members {
		ps[id] = p
	}
	return model.Snapshot{RoomID: roomID, Participants: ps, Version: rm.version}
}
