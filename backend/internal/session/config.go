package session

import (
	"time"

	"go.uber.org/zap"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/dedup"
	"roomsync/backend/internal/metrics"
	"roomsync/backend/internal/model"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSweepInterval     = 10 * time.Second
	DefaultPresenceTimeout   = 30 * time.Second
	DefaultHistoryLimit      = 50
	DefaultMaxQueueAge       = 10 * time.Second
	DefaultSendTimeout       = 5 * time.Second
	DefaultPersistTimeout    = 5 * time.Second
)

type Config struct {
	RoomID string
	Kind   model.RoomKind
	// Self 是本会话的身份，UserID 为空时 Join 返回 ErrAuthRequired
	Self model.Participant
	// OriginID 为空时自动生成，整个会话生命周期内不变
	OriginID string

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	PresenceTimeout   time.Duration
	HistoryLimit      int
	MaxQueueAge       time.Duration
	SendTimeout       time.Duration
	PersistTimeout    time.Duration
	DedupCapacity     int

	Reconnect ReconnectPolicy
}

// ReconnectPolicy 断线重连的指数退避参数
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter 是随机化系数，0.5 表示在 [0.5x, 1.5x] 之间取值，0 表示不抖动
	Jitter float64
	// MaxAttempts 为 0 表示无限重试
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		AttemptTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = model.RoomGeneric
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = DefaultPresenceTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxQueueAge <= 0 {
		c.MaxQueueAge = DefaultMaxQueueAge
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = dedup.DefaultCapacity
	}
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = DefaultReconnectPolicy()
	}
	def := DefaultReconnectPolicy()
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = def.InitialInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = def.MaxInterval
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = def.Multiplier
	}
	if c.Reconnect.AttemptTimeout <= 0 {
		c.Reconnect.AttemptTimeout = def.AttemptTimeout
	}
	return c
}

type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Engine) Option {
	return func(s *Session) { s.metrics = m }
}
