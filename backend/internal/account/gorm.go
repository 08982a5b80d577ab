package account

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"size:64;uniqueIndex:uk_username"`
	PasswordHash []byte `gorm:"type:varbinary(72)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userRow) TableName() string { return "relay_users" }

// GormRepository 用户表放在 MySQL，和房间数据共用一个库
type GormRepository struct {
	db *gorm.DB
}

var _ Repository = (*GormRepository)(nil)

func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&userRow{}); err != nil {
		return nil, err
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) CreateUser(ctx context.Context, username string, passwordHash []byte) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := userRow{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		// 1062 = duplicate key
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return "", ErrUsernameTaken
		}
		return "", err
	}
	return row.ID, nil
}

func (r *GormRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var row userRow
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: row.ID, Username: row.Username, PasswordHash: row.PasswordHash, CreatedAt: row.CreatedAt}, nil
}
