package store

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/cockroachdb/pebble"

	"roomsync/backend/internal/codec"
	"roomsync/backend/internal/model"
)

// PebbleStore 单机嵌入式存储。键布局：
//   - msg/{room}/{sentAtNano}/{id}  消息本体，按时间有序
//   - msgid/{room}/{id}             幂等索引，值是消息本体的键
//   - doc/{room}                    文档快照
//
// 值都用 CBOR 编码
type PebbleStore struct {
	db *pebble.DB
	// 读-比较-写需要串行
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func roomPart(roomID string) string { return url.PathEscape(roomID) }

func msgPrefix(roomID string) string { return "msg/" + roomPart(roomID) + "/" }

func msgKey(roomID string, m model.Message) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", msgPrefix(roomID), uint64(m.SentAt.UnixNano()), m.ID))
}

func msgIDKey(roomID, id string) []byte {
	return []byte("msgid/" + roomPart(roomID) + "/" + id)
}

func docKey(roomID string) []byte { return []byte("doc/" + roomPart(roomID)) }

func (s *PebbleStore) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	prefix := msgPrefix(roomID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []model.Message
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m model.Message
		if err := codec.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	// 倒序读出来的，翻转成从旧到新
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PebbleStore) FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error) {
	data, closer, err := s.db.Get(docKey(roomID))
	if err == pebble.ErrNotFound {
		return model.DocumentState{}, ErrNotFound
	}
	if err != nil {
		return model.DocumentState{}, fmt.Errorf("read document: %w", err)
	}
	defer closer.Close()
	var st model.DocumentState
	if err := codec.Unmarshal(data, &st); err != nil {
		return model.DocumentState{}, fmt.Errorf("decode document: %w", err)
	}
	return st, nil
}

func (s *PebbleStore) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	msg.RoomID = roomID
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(msgIDKey(roomID, msg.ID))
	if err == nil {
		closer.Close()
		return nil
	}
	if err != pebble.ErrNotFound {
		return fmt.Errorf("read message index: %w", err)
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	key := msgKey(roomID, msg)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := batch.Set(msgIDKey(roomID, msg.ID), key, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error {
	st.RoomID = roomID
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.FetchDocumentSnapshot(ctx, roomID)
	switch {
	case err == nil:
		if !cur.Key().Less(st.Key()) {
			return nil
		}
	case err != ErrNotFound:
		return err
	}
	data, err := codec.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Set(docKey(roomID), data, pebble.Sync)
}

func (s *PebbleStore) Close() error { return s.db.Close() }
