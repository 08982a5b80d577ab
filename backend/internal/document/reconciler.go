// Package document 合并同一房间共享文档的并发写入。
// 规则是按 revision 的最后写者胜出，同 revision 用 (revision, originId, writerId) 的字典序定胜负，
// 各端收到的顺序不同也会收敛到同一个结果。
package document

import (
	"time"

	"roomsync/backend/internal/model"
)

type Reason string

const (
	ReasonApplied  Reason = "applied"
	ReasonTieBreak Reason = "tie_break"
	ReasonGap      Reason = "gap"
	ReasonSelfEcho Reason = "self_echo"
	ReasonStale    Reason = "stale"
)

type Outcome struct {
	Applied bool
	Reason  Reason
	// GapDetected 说明中间漏了至少一次写入，调用方可以去持久层拉一次全量
	GapDetected bool
}

// Reconciler 不加锁，由所属会话串行调用
type Reconciler struct {
	originID string
	writerID string
	state    model.DocumentState
}

func NewReconciler(roomID, originID, writerID string) *Reconciler {
	return &Reconciler{
		originID: originID,
		writerID: writerID,
		state:    model.DocumentState{RoomID: roomID},
	}
}

// LocalEdit 本地乐观写：revision+1，立刻生效，返回要广播出去的事件
func (r *Reconciler) LocalEdit(content string, now time.Time) model.DocumentEdit {
	edit := model.DocumentEdit{
		RoomID:   r.state.RoomID,
		Content:  content,
		Revision: r.state.Revision + 1,
		WriterID: r.writerID,
		OriginID: r.originID,
		EditedAt: now,
	}
	r.state = edit.State()
	return edit
}

func (r *Reconciler) RemoteEdit(edit model.DocumentEdit) Outcome {
	if edit.OriginID == r.originID {
		return Outcome{Reason: ReasonSelfEcho}
	}

	cur := r.state.Revision
	switch {
	case edit.Revision < cur:
		return Outcome{Reason: ReasonStale}
	case edit.Revision == cur:
		// 并发产生了相同的 revision，按全序比较
		if r.state.Key().Less(edit.Key()) {
			r.apply(edit)
			return Outcome{Applied: true, Reason: ReasonTieBreak}
		}
		return Outcome{Reason: ReasonStale}
	case edit.Revision == cur+1:
		r.apply(edit)
		return Outcome{Applied: true, Reason: ReasonApplied}
	default:
		r.apply(edit)
		return Outcome{Applied: true, Reason: ReasonGap, GapDetected: true}
	}
}

func (r *Reconciler) apply(edit model.DocumentEdit) {
	roomID := r.state.RoomID
	r.state = edit.State()
	r.state.RoomID = roomID
}

// Seed 用持久层的快照做初始状态，只在还没有任何写入时生效
func (r *Reconciler) Seed(st model.DocumentState) bool {
	if r.state.Revision != 0 {
		return false
	}
	r.Reset(st)
	return true
}

// Reset 以持久层为准强制覆盖（重连后的全量同步）
func (r *Reconciler) Reset(st model.DocumentState) {
	roomID := r.state.RoomID
	r.state = st
	r.state.RoomID = roomID
}

// Adopt 只在拉到的状态比本地新的时候才覆盖，用于补洞
func (r *Reconciler) Adopt(st model.DocumentState) bool {
	if !r.state.Key().Less(st.Key()) {
		return false
	}
	r.Reset(st)
	return true
}

func (r *Reconciler) State() model.DocumentState { return r.state }
