package store

import (
	"context"
	"sort"
	"sync"

	"roomsync/backend/internal/model"
)

type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]model.Message
	ids      map[string]map[string]struct{}
	docs     map[string]model.DocumentState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]model.Message),
		ids:      make(map[string]map[string]struct{}),
		docs:     make(map[string]model.DocumentState),
	}
}

func (s *MemoryStore) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.docs[roomID]
	if !ok {
		return model.DocumentState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.ids[roomID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.ids[roomID] = seen
	}
	if _, ok := seen[msg.ID]; ok {
		return nil
	}
	seen[msg.ID] = struct{}{}
	msg.RoomID = roomID

	msgs := s.messages[roomID]
	i := sort.Search(len(msgs), func(i int) bool { return !messageLess(msgs[i], msg) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[roomID] = msgs
	return nil
}

func (s *MemoryStore) SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[roomID]; ok && !cur.Key().Less(st.Key()) {
		return nil
	}
	st.RoomID = roomID
	s.docs[roomID] = st
	return nil
}

func (s *MemoryStore) Close() error { return nil }
