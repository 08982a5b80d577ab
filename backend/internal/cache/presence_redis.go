package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/codec"
	"roomsync/backend/internal/model"
)

// KEYS[1] = roomKey  KEYS[2] = membersKey  KEYS[3] = versionKey
// ARGV[1] = now (unix 毫秒)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("INCR", KEYS[3])
end
return #expired
`)

// KEYS 同上，ARGV[1] = userId
var untrackScript = redis.NewScript(`
local n = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if n > 0 then
	redis.call("INCR", KEYS[3])
end
return n
`)

// RedisPresence 多个中继节点共享一份在线名单
type RedisPresence struct {
	rdb   redis.UniversalClient
	clock clock.Clock
}

var _ Presence = (*RedisPresence)(nil)

func NewRedisPresence(rdb redis.UniversalClient, c clock.Clock) *RedisPresence {
	if c == nil {
		c = clock.Real()
	}
	return &RedisPresence{rdb: rdb, clock: c}
}

func (p *RedisPresence) keys(roomID string) []string {
	return []string{roomKey(roomID), membersKey(roomID), versionKey(roomID)}
}

func (p *RedisPresence) Track(ctx context.Context, roomID string, part model.Participant, ttl time.Duration) (model.Snapshot, error) {
	now := p.clock.Now()
	// 刷新时保留第一次加入的时间
	if raw, err := p.rdb.HGet(ctx, membersKey(roomID), part.UserID).Bytes(); err == nil {
		var old model.Participant
		if codec.Unmarshal(raw, &old) == nil && !old.JoinedAt.IsZero() {
			part.JoinedAt = old.JoinedAt
		}
	} else if !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, err
	}
	if part.JoinedAt.IsZero() {
		part.JoinedAt = now
	}
	part.LastHeartbeat = now
	data, err := codec.Marshal(part)
	if err != nil {
		return model.Snapshot{}, err
	}

	// ZSET score 使用 expireAt（Unix 毫秒），表达“逻辑 TTL”
	expireAt := now.Add(ttl).UnixMilli()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: part.UserID})
	tx.HSet(ctx, membersKey(roomID), part.UserID, data)
	tx.Incr(ctx, versionKey(roomID))
	if _, err := tx.Exec(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if err := p.rdb.SAdd(ctx, roomsKey(), roomID).Err(); err != nil {
		return model.Snapshot{}, err
	}
	return p.Snapshot(ctx, roomID)
}

func (p *RedisPresence) Untrack(ctx context.Context, roomID, userID string) (model.Snapshot, bool, error) {
	n, err := untrackScript.Run(ctx, p.rdb, p.keys(roomID), userID).Int()
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap, err := p.Snapshot(ctx, roomID)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	if len(snap.Participants) == 0 {
		p.rdb.SRem(ctx, roomsKey(), roomID)
	}
	return snap, n > 0, nil
}

func (p *RedisPresence) Sweep(ctx context.Context, roomID string) (model.Snapshot, bool, error) {
	now := p.clock.Now().UnixMilli()
	n, err := sweepScript.Run(ctx, p.rdb, p.keys(roomID), now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, false, err
	}
	snap, err := p.Snapshot(ctx, roomID)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	if len(snap.Participants) == 0 {
		p.rdb.SRem(ctx, roomsKey(), roomID)
	}
	return snap, n > 0, nil
}

func (p *RedisPresence) Snapshot(ctx context.Context, roomID string) (model.Snapshot, error) {
	now := p.clock.Now().UnixMilli()
	snap := model.Snapshot{RoomID: roomID, Participants: map[string]model.Participant{}}

	// 只看没过期的：score > now
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, err
	}
	version, err := p.rdb.Get(ctx, versionKey(roomID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, err
	}
	snap.Version = version
	if len(alive) == 0 {
		return snap, nil
	}

	vals, err := p.rdb.HMGet(ctx, membersKey(roomID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var part model.Participant
		if err := codec.Unmarshal([]byte(s), &part); err != nil {
			continue
		}
		if part.UserID == "" {
			part.UserID = alive[i]
		}
		snap.Participants[part.UserID] = part
	}
	return snap, nil
}

func (p *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, roomsKey()).Result()
}
