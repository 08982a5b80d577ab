package cache

import "fmt"

// 键语义：
// - roomKey(roomID):    房间在线成员（ZSet<userId, expireAtUnixMilli>，score=expireAt）
// - membersKey(roomID): 成员资料（Hash<userId -> CBOR(Participant)>）
// - versionKey(roomID): 在线名单版本号（String，INCR）
// - roomsKey():         有人在线的房间索引（Set<roomID>）
//
// 同一房间的键用 {room:%s} 做 hash tag，集群下落在同一个 slot，Lua 脚本才能一起操作

const (
	keyRoomFmt    = "presence:room:{room:%s}"
	keyMembersFmt = "presence:room:members:{room:%s}"
	keyVersionFmt = "presence:room:version:{room:%s}"
	keyRoomsSet   = "presence:rooms"

	fanoutChannelPrefix = "roomsync:fanout:"
)

func roomKey(roomID string) string    { return fmt.Sprintf(keyRoomFmt, roomID) }
func membersKey(roomID string) string { return fmt.Sprintf(keyMembersFmt, roomID) }
func versionKey(roomID string) string { return fmt.Sprintf(keyVersionFmt, roomID) }
func roomsKey() string                { return keyRoomsSet }

func fanoutChannel(roomID string) string { return fanoutChannelPrefix + roomID }
