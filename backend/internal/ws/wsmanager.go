package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/backend/internal/auth"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	// RateLimit 每个连接每秒允许的入站帧数
	RateLimit  float64
	Burst      int
	SendBuffer int
	// AllowedOrigins 额外允许的 Origin 前缀
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{RateLimit: 50, Burst: 100, SendBuffer: 256}
}

type Manager struct {
	hub      *Hub
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, opt Options) *Manager {
	def := DefaultOptions()
	if opt.RateLimit <= 0 {
		opt.RateLimit = def.RateLimit
	}
	if opt.Burst <= 0 {
		opt.Burst = def.Burst
	}
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = def.SendBuffer
	}
	origins := append(append([]string(nil), defaultOrigins...), opt.AllowedOrigins...)
	m := &Manager{hub: h, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 一些环境可能不发送 Origin，或为 "null"
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range origins {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 需要先挂 auth.Middleware
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room"})
		return
	}
	userID := c.GetString(auth.CtxUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user context missing"})
		return
	}
	username := c.GetString(auth.CtxUsername)

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.hub.log.Warn("websocket upgrade error", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	wsConn := newConn(conn, m.hub, roomID, userID, username, m.opt)
	go wsConn.writeLoop()
	m.hub.Join(roomID, wsConn)

	// 阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
