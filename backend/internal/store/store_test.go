package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Duration) model.Message {
	return model.Message{
		ID:       id,
		SenderID: "alice",
		Content:  "hello " + id,
		Kind:     model.MessageText,
		SentAt:   t0.Add(at),
		OriginID: "o-alice",
	}
}

func doc(content string, rev uint64, origin, writer string) model.DocumentState {
	return model.DocumentState{
		Content:            content,
		Revision:           rev,
		LastWriterID:       writer,
		LastWriterOriginID: origin,
		UpdatedAt:          t0,
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// runStoreSuite 所有后端共用的行为检查
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("messages ordered and limited", func(t *testing.T) {
		s := newStore(t)
		room := "room-order"
		require.NoError(t, s.AppendMessage(ctx, room, msg("m3", 3*time.Second)))
		require.NoError(t, s.AppendMessage(ctx, room, msg("m1", time.Second)))
		require.NoError(t, s.AppendMessage(ctx, room, msg("m2", 2*time.Second)))
		require.NoError(t, s.AppendMessage(ctx, room, msg("m4", 4*time.Second)))

		all, err := s.FetchRecentMessages(ctx, room, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(all))

		last, err := s.FetchRecentMessages(ctx, room, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4"}, ids(last))
		assert.Equal(t, room, last[0].RoomID)
	})

	t.Run("append is idempotent", func(t *testing.T) {
		s := newStore(t)
		room := "room-idem"
		require.NoError(t, s.AppendMessage(ctx, room, msg("m1", 0)))
		require.NoError(t, s.AppendMessage(ctx, room, msg("m1", 0)))
		all, err := s.FetchRecentMessages(ctx, room, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("rooms are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendMessage(ctx, "a", msg("m1", 0)))
		require.NoError(t, s.AppendMessage(ctx, "a/b", msg("m2", 0)))
		got, err := s.FetchRecentMessages(ctx, "a", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))
	})

	t.Run("missing document", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FetchDocumentSnapshot(ctx, "room-empty")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("document keeps greatest write", func(t *testing.T) {
		s := newStore(t)
		room := "room-doc"
		require.NoError(t, s.SaveDocumentSnapshot(ctx, room, doc("X", 5, "o-alice", "alice")))
		require.NoError(t, s.SaveDocumentSnapshot(ctx, room, doc("Y", 5, "o-bob", "bob")))
		// 更小的 key 不能覆盖
		require.NoError(t, s.SaveDocumentSnapshot(ctx, room, doc("X", 5, "o-alice", "alice")))
		require.NoError(t, s.SaveDocumentSnapshot(ctx, room, doc("old", 4, "o-zed", "zed")))

		got, err := s.FetchDocumentSnapshot(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, "Y", got.Content)
		assert.Equal(t, uint64(5), got.Revision)
		assert.Equal(t, "bob", got.LastWriterID)
		assert.Equal(t, room, got.RoomID)

		require.NoError(t, s.SaveDocumentSnapshot(ctx, room, doc("Z", 6, "o-alice", "alice")))
		got, err = s.FetchDocumentSnapshot(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, "Z", got.Content)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
