package session

import (
	"context"

	"go.uber.org/zap"

	"roomsync/backend/internal/document"
	"roomsync/backend/internal/model"
)

func (s *Session) acceptingLocked(gen uint64) bool {
	if gen != s.gen {
		return false
	}
	switch s.state {
	case StateJoining, StateJoined, StateReconnecting:
		return true
	}
	return false
}

// onBroadcast 所有入站事件先过去重，再按 Type 分发
func (s *Session) onBroadcast(gen uint64, env model.Envelope) {
	var fx effects
	s.mu.Lock()
	if !s.acceptingLocked(gen) {
		s.mu.Unlock()
		return
	}
	if err := env.Validate(); err != nil {
		s.log.Debug("drop invalid event", zap.Error(err))
		s.mu.Unlock()
		return
	}
	if env.RoomID != "" && env.RoomID != s.cfg.RoomID {
		s.mu.Unlock()
		return
	}

	v := s.dedup.Admit(env)
	if !v.Accept {
		s.metrics.DedupRejected(string(v.Reason))
		s.log.Debug("drop duplicate event",
			zap.String("type", string(env.Type)),
			zap.String("reason", string(v.Reason)),
			zap.Uint64("seq", env.Seq))
		// 自己消息的回声就是送达确认
		if env.Type == model.EventMessage && env.OriginID == s.cfg.OriginID && s.chat != nil {
			if s.chat.Confirm(env.Message.ID) {
				if e, ok := s.chat.Get(env.Message.ID); ok {
					fx.messages = append(fx.messages, e)
				}
			}
		}
		s.commitLocked(fx)
		s.mu.Unlock()
		s.drain()
		return
	}

	now := s.clock.Now()
	if env.SenderID != "" {
		s.presence.Heartbeat(env.SenderID, now)
	}

	switch env.Type {
	case model.EventMessage:
		if s.chat != nil && s.chat.RemoteReceive(*env.Message) {
			if e, ok := s.chat.Get(env.Message.ID); ok {
				fx.messages = append(fx.messages, e)
			}
		}
	case model.EventDocumentEdit:
		if s.doc != nil {
			s.applyRemoteEditLocked(*env.Edit, &fx)
		}
	case model.EventPresenceSync:
		diff, _ := s.presence.ApplySnapshot(*env.Presence, now)
		fx.addPresence(diff)
	case model.EventHeartbeat:
	}
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}

func (s *Session) applyRemoteEditLocked(edit model.DocumentEdit, fx *effects) {
	out := s.doc.RemoteEdit(edit)
	switch {
	case out.Applied:
		st := s.doc.State()
		s.liveDoc = &st
		fx.docs = append(fx.docs, st)
	case out.Reason == document.ReasonStale:
		s.metrics.StaleEdit()
		s.log.Debug("drop stale edit", zap.Uint64("revision", edit.Revision), zap.String("from", edit.OriginID))
	}
	if out.GapDetected {
		s.metrics.DocumentGap()
		s.log.Info("document revision gap", zap.Uint64("revision", edit.Revision))
		s.resyncDocumentAsync()
	}
}

// resyncDocumentAsync 补洞：去持久层拉最新文档，比本地新才覆盖
func (s *Session) resyncDocumentAsync() {
	if s.store == nil {
		return
	}
	s.goAsyncLocked(func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.PersistTimeout)
		defer cancel()
		st, err := s.store.FetchDocumentSnapshot(ctx, s.cfg.RoomID)
		if err != nil {
			s.log.Debug("document resync skipped", zap.Error(err))
			return
		}
		var fx effects
		s.mu.Lock()
		if s.state != StateClosed && s.doc.Adopt(st) {
			fx.docs = append(fx.docs, s.doc.State())
		}
		s.commitLocked(fx)
		s.mu.Unlock()
	})
}

func (s *Session) onPresenceSync(gen uint64, snap model.Snapshot) {
	var fx effects
	s.mu.Lock()
	if !s.acceptingLocked(gen) || (snap.RoomID != "" && snap.RoomID != s.cfg.RoomID) {
		s.mu.Unlock()
		return
	}
	diff, _ := s.presence.ApplySnapshot(snap, s.clock.Now())
	fx.addPresence(diff)
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}

// onDisconnected 中继断开：Joined → Reconnecting，本地状态全部保留
func (s *Session) onDisconnected(gen uint64, err error) {
	var fx effects
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.state != StateJoined {
		// 还在订阅流程里就断了，交给订阅流程自己处理
		if s.state == StateJoining || s.state == StateReconnecting {
			s.lostGen = gen
		}
		s.mu.Unlock()
		return
	}
	s.log.Warn("transport dropped", zap.Error(err))
	s.handle = nil
	s.gen++
	s.stopTimersLocked()
	s.setStateLocked(StateReconnecting, err, &fx)
	s.super.startLocked()
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}
