package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomsync/backend/internal/model"
)

const writeWait = 10 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	log      *zap.Logger
	roomID   string
	userID   string
	username string
	limiter  *rate.Limiter

	// send 是出站队列，满了直接丢
	mu      sync.Mutex
	closed  bool
	send    chan ServerMessage
	tracked atomic.Bool
}

func newConn(ws *websocket.Conn, hub *Hub, roomID, userID, username string, opt Options) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		log:      hub.log.With(zap.String("room", roomID), zap.String("user", userID)),
		roomID:   roomID,
		userID:   userID,
		username: username,
		limiter:  rate.NewLimiter(rate.Limit(opt.RateLimit), opt.Burst),
		send:     make(chan ServerMessage, opt.SendBuffer),
	}
}

func (c *Conn) markTracked()    { c.tracked.Store(true) }
func (c *Conn) isTracked() bool { return c.tracked.Load() }

// Enqueue 非阻塞入队，连接已关闭或队列已满就丢弃
func (c *Conn) Enqueue(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.metrics.Dropped()
		c.log.Debug("send queue full, drop frame", zap.String("type", msg.Type))
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) replyError(requestID, msg string) {
	c.Enqueue(ServerMessage{Type: TypeError, RequestID: requestID, RoomID: c.roomID, Error: msg})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.hub.Leave(context.Background(), c.roomID, c)
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("read json error", zap.Error(err))
			}
			return
		}
		c.hub.metrics.Frame(msg.Type)
		if !c.limiter.Allow() {
			c.hub.metrics.RateLimited()
			c.replyError(msg.RequestID, "rate_limited")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeBroadcast:
		if msg.Envelope == nil {
			c.replyError(msg.RequestID, "envelope required")
			return
		}
		env := *msg.Envelope
		env.RoomID = c.roomID
		// 发送者一律以鉴权身份为准
		env.SenderID = c.userID
		if err := env.Validate(); err != nil {
			c.replyError(msg.RequestID, err.Error())
			return
		}
		c.hub.Broadcast(ctx, c.roomID, env)
		if msg.RequestID != "" {
			c.Enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, RoomID: c.roomID})
		}

	case TypeTrack:
		p := model.Participant{}
		if msg.Participant != nil {
			p = *msg.Participant
		}
		// 只能发布自己的在线条目
		p.UserID = c.userID
		if p.DisplayName == "" {
			p.DisplayName = c.username
		}
		if err := c.hub.Track(ctx, c, p); err != nil {
			c.log.Warn("track failed", zap.Error(err))
			c.replyError(msg.RequestID, "track failed")
		}

	case TypePresenceState:
		snap, err := c.hub.Snapshot(ctx, c.roomID)
		if err != nil {
			c.log.Warn("presence state failed", zap.Error(err))
			c.replyError(msg.RequestID, "presence unavailable")
			return
		}
		c.Enqueue(ServerMessage{Type: TypePresenceState, RequestID: msg.RequestID, RoomID: c.roomID, Snapshot: &snap})

	case TypePing:
		c.Enqueue(ServerMessage{Type: TypePong, RequestID: msg.RequestID})

	default:
		c.replyError(msg.RequestID, "unknown message type")
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列，队列关闭后发 close 帧
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Debug("write json error", zap.Error(err))
			// 让 readLoop 尽快退出
			_ = c.ws.Close()
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
