package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("ROOMSYNC_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: ROOMSYNC_MYSQL_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenMySQL(dsn)
		require.NoError(t, err)
		// 每个子测试从空表开始
		require.NoError(t, s.db.Exec("DELETE FROM room_messages").Error)
		require.NoError(t, s.db.Exec("DELETE FROM room_documents").Error)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
