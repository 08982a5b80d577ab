package session

import (
	"context"

	"go.uber.org/zap"

	"roomsync/backend/internal/model"
)

// startTimersLocked 进入 Joined 后开始发心跳、清扫超时成员
func (s *Session) startTimersLocked() {
	s.stopTimersLocked()
	gen := s.gen
	s.heartbeatTimer = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.heartbeatTick(gen) })
	s.sweepTimer = s.clock.AfterFunc(s.cfg.SweepInterval, func() { s.sweepTick(gen) })
}

func (s *Session) stopTimersLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.sweepTimer = nil
	}
}

// heartbeatTick 刷新中继上自己的在线条目，并广播一条心跳
func (s *Session) heartbeatTick(gen uint64) {
	s.mu.Lock()
	if s.state != StateJoined || s.gen != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	self := s.selfLocked(now)
	s.presence.Heartbeat(self.UserID, now)
	h := s.handle
	env := s.dedup.TagOutbound(model.NewHeartbeatEvent(s.cfg.RoomID, self.UserID, now))
	s.heartbeatTimer = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.heartbeatTick(gen) })
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.tr.Track(ctx, h, self); err != nil {
		s.log.Debug("heartbeat track failed", zap.Error(err))
	}
	if err := s.tr.Send(ctx, h, env); err != nil {
		s.log.Debug("heartbeat send failed", zap.Error(err))
	}
}

func (s *Session) sweepTick(gen uint64) {
	var fx effects
	s.mu.Lock()
	if s.state != StateJoined || s.gen != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	// 自己一定在线，先刷新再清扫
	s.presence.Heartbeat(s.cfg.Self.UserID, now)
	diff := s.presence.SweepTimeouts(now, s.cfg.PresenceTimeout)
	for _, p := range diff.Left {
		s.log.Info("presence timeout", zap.String("user", p.UserID))
	}
	fx.addPresence(diff)
	s.sweepTimer = s.clock.AfterFunc(s.cfg.SweepInterval, func() { s.sweepTick(gen) })
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
}
