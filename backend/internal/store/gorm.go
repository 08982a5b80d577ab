package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomsync/backend/internal/model"
)

type messageRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	RoomID     string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_room_msg,priority:1;index:idx_room_sent,priority:1"`
	MessageID  string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_room_msg,priority:2"`
	SenderID   string    `gorm:"type:varchar(64)"`
	SenderName string    `gorm:"type:varchar(128)"`
	Content    string    `gorm:"type:text"`
	Kind       string    `gorm:"type:varchar(16)"`
	OriginID   string    `gorm:"type:varchar(64)"`
	SentAt     time.Time `gorm:"type:datetime(6);index:idx_room_sent,priority:2"`
	CreatedAt  time.Time
}

func (messageRow) TableName() string { return "room_messages" }

func (r messageRow) toModel() model.Message {
	return model.Message{
		ID:         r.MessageID,
		RoomID:     r.RoomID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Content:    r.Content,
		Kind:       model.MessageKind(r.Kind),
		SentAt:     r.SentAt.UTC(),
		OriginID:   r.OriginID,
	}
}

type documentRow struct {
	RoomID             string    `gorm:"primaryKey;type:varchar(128)"`
	Content            string    `gorm:"type:longtext"`
	Revision           uint64    `gorm:"default:0"`
	LastWriterID       string    `gorm:"type:varchar(64)"`
	LastWriterOriginID string    `gorm:"type:varchar(64)"`
	EditedAt           time.Time `gorm:"type:datetime(6)"`
}

func (documentRow) TableName() string { return "room_documents" }

func (r documentRow) toModel() model.DocumentState {
	return model.DocumentState{
		RoomID:             r.RoomID,
		Content:            r.Content,
		Revision:           r.Revision,
		LastWriterID:       r.LastWriterID,
		LastWriterOriginID: r.LastWriterOriginID,
		UpdatedAt:          r.EditedAt.UTC(),
	}
}

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// OpenMySQL 打开 MySQL 并建表
func OpenMySQL(dsn string) (*GormStore, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&messageRow{}, &documentRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func isDuplicate(err error) bool {
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	var rows []messageRow
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("sent_at DESC, message_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toModel()
	}
	return out, nil
}

func (s *GormStore) FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.DocumentState{}, ErrNotFound
		}
		return model.DocumentState{}, err
	}
	return row.toModel(), nil
}

func (s *GormStore) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	row := messageRow{
		RoomID:     roomID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Kind:       string(msg.Kind),
		OriginID:   msg.OriginID,
		SentAt:     msg.SentAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && isDuplicate(err) {
		// 已经写过了
		return nil
	}
	return err
}

func (s *GormStore) SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error {
	err := s.saveDocument(ctx, roomID, st)
	if isDuplicate(err) {
		// 并发首写撞了主键，再来一次就会走行锁分支
		err = s.saveDocument(ctx, roomID, st)
	}
	return err
}

func (s *GormStore) saveDocument(ctx context.Context, roomID string, st model.DocumentState) error {
	next := documentRow{
		RoomID:             roomID,
		Content:            st.Content,
		Revision:           st.Revision,
		LastWriterID:       st.LastWriterID,
		LastWriterOriginID: st.LastWriterOriginID,
		EditedAt:           st.UpdatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur documentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("room_id = ?", roomID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&next).Error
		}
		if err != nil {
			return err
		}
		if !cur.toModel().Key().Less(st.Key()) {
			return nil
		}
		return tx.Save(&next).Error
	})
}

// DB 给同库的其他表（用户表）复用连接
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
