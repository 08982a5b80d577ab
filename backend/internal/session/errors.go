package session

import "errors"

var (
	// 没有身份就 Join，会话保持 Idle
	ErrAuthRequired = errors.New("session: join requires a user identity")
	// 重连次数用完，会话进入 Closed
	ErrMaxReconnectAttempts = errors.New("session: max reconnect attempts exceeded")

	ErrAlreadyJoined      = errors.New("session: already joined")
	ErrClosed             = errors.New("session: closed")
	ErrMissingRoom        = errors.New("session: room id required")
	ErrInvalidKind        = errors.New("session: invalid room kind")
	ErrNoTranscript       = errors.New("session: room has no transcript")
	ErrNoDocument         = errors.New("session: room has no document")
	ErrUnknownMessage     = errors.New("session: unknown message")
	ErrInvalidMessageKind = errors.New("session: invalid message kind")
	ErrNotFailed          = errors.New("session: message is not in failed state")

	// 排队时间超过 MaxQueueAge 的发送被丢弃
	ErrQueueExpired = errors.New("session: queued send expired before reconnect")
)
