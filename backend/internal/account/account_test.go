package account

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func runRepositorySuite(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		r := newRepo(t)
		id, err := r.CreateUser(ctx, "alice", []byte("hash"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		u, err := r.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Equal(t, []byte("hash"), u.PasswordHash)
	})

	t.Run("duplicate username", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.CreateUser(ctx, "bob", []byte("h1"))
		require.NoError(t, err)
		_, err = r.CreateUser(ctx, "bob", []byte("h2"))
		assert.ErrorIs(t, err, ErrUsernameTaken)
	})

	t.Run("missing user", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.GetByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositorySuite(t, func(*testing.T) Repository { return NewMemoryRepository() })
}

func TestGormRepository(t *testing.T) {
	dsn := os.Getenv("ROOMSYNC_MYSQL_DSN")
	if dsn == "" {
		t.Skip("ROOMSYNC_MYSQL_DSN not set")
	}
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	runRepositorySuite(t, func(t *testing.T) Repository {
		repo, err := NewGormRepository(db)
		require.NoError(t, err)
		require.NoError(t, db.Exec("DELETE FROM relay_users").Error)
		return repo
	})
}
