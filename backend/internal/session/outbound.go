package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomsync/backend/internal/model"
	"roomsync/backend/internal/transcript"
	"roomsync/backend/internal/transport"
)

// queued 断线或加入过程中产生的发送，等重新订阅后重放
type queued struct {
	kind     SendKind
	msgID    string
	edit     model.DocumentEdit
	queuedAt time.Time
}

type outbound struct {
	kind  SendKind
	h     transport.Handle
	env   model.Envelope
	msgID string
	edit  model.DocumentEdit
}

func (s *Session) SendMessage(content string) (transcript.Entry, error) {
	return s.SendMessageOfKind(model.MessageText, content)
}

// SendMessageOfKind 先乐观写入本地记录再发送；不在 Joined 状态时进入发送队列
func (s *Session) SendMessageOfKind(kind model.MessageKind, content string) (transcript.Entry, error) {
	if kind != "" && !kind.Valid() {
		return transcript.Entry{}, ErrInvalidMessageKind
	}
	var fx effects
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return transcript.Entry{}, ErrClosed
	}
	if s.chat == nil {
		s.mu.Unlock()
		return transcript.Entry{}, ErrNoTranscript
	}
	now := s.clock.Now()
	e := s.chat.LocalSend(kind, content, now)
	fx.messages = append(fx.messages, e)

	var sends []outbound
	if s.state == StateJoined {
		sends = append(sends, s.messageOutLocked(e.Message))
	} else {
		s.outbox = append(s.outbox, queued{kind: SendMessage, msgID: e.ID, queuedAt: now})
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
	s.flushSends(sends)
	return e, nil
}

// SendDocumentEdit 整篇覆盖写，本地立即生效
func (s *Session) SendDocumentEdit(content string) (model.DocumentEdit, error) {
	var fx effects
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return model.DocumentEdit{}, ErrClosed
	}
	if s.doc == nil {
		s.mu.Unlock()
		return model.DocumentEdit{}, ErrNoDocument
	}
	now := s.clock.Now()
	edit := s.doc.LocalEdit(content, now)
	fx.docs = append(fx.docs, s.doc.State())

	var sends []outbound
	if s.state == StateJoined {
		sends = append(sends, s.editOutLocked(edit))
	} else {
		s.outbox = append(s.outbox, queued{kind: SendDocumentEdit, edit: edit, queuedAt: now})
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
	s.flushSends(sends)
	return edit, nil
}

// RetryMessage 手动重发一条失败的消息，id 不变，对端按 id 去重
func (s *Session) RetryMessage(id string) error {
	var fx effects
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.chat == nil {
		s.mu.Unlock()
		return ErrNoTranscript
	}
	if _, ok := s.chat.Get(id); !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if !s.chat.MarkPending(id) {
		s.mu.Unlock()
		return ErrNotFailed
	}
	e, _ := s.chat.Get(id)
	fx.messages = append(fx.messages, e)

	var sends []outbound
	if s.state == StateJoined {
		sends = append(sends, s.messageOutLocked(e.Message))
	} else {
		s.outbox = append(s.outbox, queued{kind: SendMessage, msgID: id, queuedAt: s.clock.Now()})
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
	s.flushSends(sends)
	return nil
}

func (s *Session) messageOutLocked(msg model.Message) outbound {
	return outbound{
		kind:  SendMessage,
		h:     s.handle,
		env:   s.dedup.TagOutbound(model.NewMessageEvent(msg)),
		msgID: msg.ID,
	}
}

func (s *Session) editOutLocked(edit model.DocumentEdit) outbound {
	return outbound{
		kind: SendDocumentEdit,
		h:    s.handle,
		env:  s.dedup.TagOutbound(model.NewEditEvent(edit)),
		edit: edit,
	}
}

// replayOutboxLocked 重新订阅后重放队列：没超过 MaxQueueAge 的重发，超过的记为失败。
// rebased 为 true 表示文档刚被持久层的状态覆盖，排队的编辑要在新状态上重新生成 revision
func (s *Session) replayOutboxLocked(rebased bool, fx *effects) []outbound {
	now := s.clock.Now()
	items := s.outbox
	s.outbox = nil

	var sends []outbound
	docChanged := false
	for _, q := range items {
		if now.Sub(q.queuedAt) >= s.cfg.MaxQueueAge {
			s.failQueuedLocked(q, ErrQueueExpired, fx)
			continue
		}
		switch q.kind {
		case SendMessage:
			e, ok := s.chat.Get(q.msgID)
			if !ok {
				continue
			}
			sends = append(sends, s.messageOutLocked(e.Message))
		case SendDocumentEdit:
			edit := q.edit
			if rebased {
				edit = s.doc.LocalEdit(q.edit.Content, now)
				docChanged = true
			}
			sends = append(sends, s.editOutLocked(edit))
		}
	}
	if docChanged {
		fx.docs = append(fx.docs, s.doc.State())
	}
	return sends
}

func (s *Session) failOutboxLocked(err error, fx *effects) {
	for _, q := range s.outbox {
		s.failQueuedLocked(q, err, fx)
	}
	s.outbox = nil
}

func (s *Session) failQueuedLocked(q queued, err error, fx *effects) {
	s.metrics.SendFailure(string(q.kind))
	f := SendFailure{Kind: q.kind, Err: err}
	switch q.kind {
	case SendMessage:
		f.ID = q.msgID
		if e, ok := s.chat.Get(q.msgID); ok {
			f.Content = e.Content
		}
		if s.chat.MarkFailed(q.msgID) {
			if e, ok := s.chat.Get(q.msgID); ok {
				fx.messages = append(fx.messages, e)
			}
		}
	case SendDocumentEdit:
		f.Revision = q.edit.Revision
		f.Content = q.edit.Content
	}
	s.log.Warn("queued send dropped", zap.String("kind", string(q.kind)), zap.String("id", f.ID), zap.Error(err))
	fx.failures = append(fx.failures, f)
}

// flushSends 在锁外把攒下的事件交给中继
func (s *Session) flushSends(sends []outbound) {
	for _, o := range sends {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SendTimeout)
		err := s.tr.Send(ctx, o.h, o.env)
		cancel()
		s.afterSend(o, err)
	}
}

// afterSend 发送成功就更新状态并异步落库；失败就标记 failed 并通知，不自动重试
func (s *Session) afterSend(o outbound, err error) {
	var fx effects
	s.mu.Lock()
	if err != nil {
		s.log.Warn("send failed", zap.String("kind", string(o.kind)), zap.Uint64("seq", o.env.Seq), zap.Error(err))
		s.metrics.SendFailure(string(o.kind))
		f := SendFailure{Kind: o.kind, Err: err}
		switch o.kind {
		case SendMessage:
			f.ID = o.msgID
			if s.chat.MarkFailed(o.msgID) {
				if e, ok := s.chat.Get(o.msgID); ok {
					fx.messages = append(fx.messages, e)
				}
			}
			if e, ok := s.chat.Get(o.msgID); ok {
				f.Content = e.Content
			}
		case SendDocumentEdit:
			f.Revision = o.edit.Revision
			f.Content = o.edit.Content
		}
		fx.failures = append(fx.failures, f)
	} else {
		switch o.kind {
		case SendMessage:
			if s.chat.MarkSent(o.msgID) {
				if e, ok := s.chat.Get(o.msgID); ok {
					fx.messages = append(fx.messages, e)
				}
			}
			if e, ok := s.chat.Get(o.msgID); ok {
				s.persistLocked(func(ctx context.Context) error {
					return s.store.AppendMessage(ctx, s.cfg.RoomID, e.Message)
				})
			}
		case SendDocumentEdit:
			st := o.edit.State()
			s.persistLocked(func(ctx context.Context) error {
				return s.store.SaveDocumentSnapshot(ctx, s.cfg.RoomID, st)
			})
		}
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}

// persistLocked 发完即忘地写持久层，本地显示不等它
func (s *Session) persistLocked(write func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	s.goAsyncLocked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			s.log.Warn("persist failed", zap.Error(err))
		}
	})
}
