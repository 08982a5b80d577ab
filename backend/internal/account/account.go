// Package account 是中继自带的用户表：注册、按用户名查找。密码只存 bcrypt 哈希
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

type Repository interface {
	// CreateUser 返回新用户的 id
	CreateUser(ctx context.Context, username string, passwordHash []byte) (string, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 3*time.Second)
}

type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*User)}
}

func (r *MemoryRepository) CreateUser(ctx context.Context, username string, passwordHash []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; ok {
		return "", ErrUsernameTaken
	}
	u := &User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	r.users[username] = u
	return u.ID, nil
}

func (r *MemoryRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
