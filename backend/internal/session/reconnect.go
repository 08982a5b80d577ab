package session

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/transport"
)

var errLostDuringResync = errors.New("session: transport dropped during resync")

// supervisor 断线后按指数退避重新订阅，成功后做全量同步并重放发送队列。
// 字段都由 Session.mu 保护
type supervisor struct {
	s        *Session
	policy   ReconnectPolicy
	bo       *backoff.ExponentialBackOff
	attempts int
	timer    clock.Timer
}

func newSupervisor(s *Session, policy ReconnectPolicy) *supervisor {
	return &supervisor{
		s:      s,
		policy: policy,
		bo: &backoff.ExponentialBackOff{
			InitialInterval:     policy.InitialInterval,
			RandomizationFactor: policy.Jitter,
			Multiplier:          policy.Multiplier,
			MaxInterval:         policy.MaxInterval,
		},
	}
}

func (sv *supervisor) startLocked() {
	sv.stopLocked()
	sv.attempts = 0
	sv.bo.Reset()
	sv.scheduleLocked()
}

func (sv *supervisor) stopLocked() {
	if sv.timer != nil {
		sv.timer.Stop()
		sv.timer = nil
	}
}

func (sv *supervisor) scheduleLocked() {
	d := sv.bo.NextBackOff()
	sv.s.log.Debug("reconnect scheduled", zap.Duration("in", d), zap.Int("attempt", sv.attempts+1))
	sv.timer = sv.s.clock.AfterFunc(d, sv.attempt)
}

// exhaustedLocked 用完重试次数就关闭会话
func (sv *supervisor) exhaustedLocked() bool {
	return sv.policy.MaxAttempts > 0 && sv.attempts >= sv.policy.MaxAttempts
}

func (sv *supervisor) attempt() {
	s := sv.s
	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	sv.timer = nil
	sv.attempts++
	attempt := sv.attempts
	s.metrics.ReconnectAttempt()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, sv.policy.AttemptTimeout)
	defer cancel()

	h, snap, gen, err := s.connect(ctx)
	if err != nil {
		sv.fail(h, gen, attempt, err)
		return
	}

	// 断线期间漏掉的广播补不回来，以中继的在线快照和持久层的文档为准
	msgs, st, hasDoc := s.fetchRoomState(ctx)
	sv.finish(h, gen, attempt, func(fx *effects) bool {
		now := s.clock.Now()
		fx.addPresence(s.presence.Reset(snap, now))
		if s.chat != nil {
			for _, m := range msgs {
				if s.chat.Append(m) {
					if e, ok := s.chat.Get(m.ID); ok {
						fx.messages = append(fx.messages, e)
					}
				}
			}
		}
		if s.doc == nil {
			return false
		}
		// 快照落后于重新订阅后收到的广播时，以广播为准
		target, ok := st, hasDoc
		if s.liveDoc != nil && (!ok || target.Key().Less(s.liveDoc.Key())) {
			target, ok = *s.liveDoc, true
		}
		if !ok {
			return false
		}
		s.doc.Reset(target)
		fx.docs = append(fx.docs, s.doc.State())
		return true
	})
}

// finish 订阅成功：同步状态、回到 Joined、重放队列
func (sv *supervisor) finish(h transport.Handle, gen uint64, attempt int, resync func(fx *effects) bool) {
	s := sv.s
	var fx effects
	s.mu.Lock()
	if s.state != StateReconnecting || s.gen != gen {
		s.mu.Unlock()
		_ = s.tr.Unsubscribe(context.Background(), h)
		return
	}
	if s.lostGen == gen {
		s.mu.Unlock()
		sv.fail(h, gen, attempt, errLostDuringResync)
		return
	}
	s.handle = h
	rebased := resync(&fx)
	s.setStateLocked(StateJoined, nil, &fx)
	s.log.Info("reconnected", zap.Int("attempts", attempt))
	s.startTimersLocked()
	sends := s.replayOutboxLocked(rebased, &fx)
	s.commitLocked(fx)
	s.mu.Unlock()
	s.drain()
	s.flushSends(sends)
}

func (sv *supervisor) fail(h transport.Handle, gen uint64, attempt int, err error) {
	s := sv.s
	if h != nil {
		_ = s.tr.Unsubscribe(context.Background(), h)
	}
	var fx effects
	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	if gen == s.gen {
		s.gen++
	}
	s.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	if sv.exhaustedLocked() {
		closing := s.closeLocked(ErrMaxReconnectAttempts, &fx)
		s.commitLocked(fx)
		s.mu.Unlock()
		s.drain()
		if closing != nil {
			_ = s.tr.Unsubscribe(context.Background(), closing)
		}
		return
	}
	sv.scheduleLocked()
	s.mu.Unlock()
}
