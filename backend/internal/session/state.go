package session

import (
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/transcript"
)

type State string

const (
	StateIdle         State = "idle"
	StateJoining      State = "joining"
	StateJoined       State = "joined"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// StateChange 连接状态变化；Err 非空时说明变化的原因（断线、重连失败等）
type StateChange struct {
	From State
	To   State
	Err  error
}

type SendKind string

const (
	SendMessage      SendKind = "message"
	SendDocumentEdit SendKind = "document_edit"
)

// SendFailure 一次发送最终失败。UI 可以据此提示并让用户手动重试
type SendFailure struct {
	Kind     SendKind
	ID       string // 消息 id，文档编辑为空
	Revision uint64 // 文档编辑的 revision
	Content  string
	Err      error
}

// View 初次渲染用的全量状态
type View struct {
	RoomID          string
	Kind            model.RoomKind
	OriginID        string
	ConnectionState State
	Presence        []model.Participant
	Document        *model.DocumentState
	Transcript      []transcript.Entry
}

type callbacks struct {
	presence []func(presence.Diff)
	message  []func(transcript.Entry)
	document []func(model.DocumentState)
	state    []func(StateChange)
	failure  []func(SendFailure)
}

// effects 是在锁内攒下、出锁后再通知给回调的结果
type effects struct {
	states   []StateChange
	presence []presence.Diff
	docs     []model.DocumentState
	messages []transcript.Entry
	failures []SendFailure
}

func (fx *effects) empty() bool {
	return len(fx.states) == 0 && len(fx.presence) == 0 && len(fx.docs) == 0 &&
		len(fx.messages) == 0 && len(fx.failures) == 0
}

func (fx *effects) addPresence(d presence.Diff) {
	if !d.Empty() {
		fx.presence = append(fx.presence, d)
	}
}
