package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Rooms 房间数据的 REST 接口。写入交给 persist.Dispatcher 排队，立即返回 202
type Rooms struct {
	store    store.Store
	presence cache.Presence
	log      *zap.Logger
	timeout  time.Duration
}

func NewRooms(st store.Store, presence cache.Presence, log *zap.Logger) *Rooms {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rooms{store: st, presence: presence, log: log, timeout: 3 * time.Second}
}

// Register 挂到 /v1/rooms 下
func (h *Rooms) Register(g *gin.RouterGroup) {
	g.GET("/:roomID/messages", h.ListMessages)
	g.POST("/:roomID/messages", h.AppendMessage)
	g.GET("/:roomID/document", h.GetDocument)
	g.PUT("/:roomID/document", h.SaveDocument)
	g.GET("/:roomID/presence", h.GetPresence)
}

func (h *Rooms) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *Rooms) ListMessages(c *gin.Context) {
	roomID := c.Param("roomID")
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	msgs, err := h.store.FetchRecentMessages(ctx, roomID, limit)
	if err != nil {
		h.log.Error("fetch messages failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch messages failed"})
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Rooms) AppendMessage(c *gin.Context) {
	roomID := c.Param("roomID")
	var msg model.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body"})
		return
	}
	if msg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id required"})
		return
	}
	if msg.Kind == "" {
		msg.Kind = model.MessageText
	}
	if !msg.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message kind"})
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if uid := c.GetString("userId"); uid != "" && msg.SenderID == "" {
		msg.SenderID = uid
	}
	msg.RoomID = roomID

	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.AppendMessage(ctx, roomID, msg); err != nil {
		h.log.Warn("enqueue message failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": msg.ID})
}

func (h *Rooms) GetDocument(c *gin.Context) {
	roomID := c.Param("roomID")
	ctx, cancel := h.ctx(c)
	defer cancel()
	st, err := h.store.FetchDocumentSnapshot(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		h.log.Error("fetch document failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch document failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": st})
}

func (h *Rooms) SaveDocument(c *gin.Context) {
	roomID := c.Param("roomID")
	var st model.DocumentState
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document body"})
		return
	}
	if st.Revision == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "revision required"})
		return
	}
	st.RoomID = roomID

	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.SaveDocumentSnapshot(ctx, roomID, st); err != nil {
		h.log.Warn("enqueue document failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"revision": st.Revision})
}

func (h *Rooms) GetPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "presence not available"})
		return
	}
	roomID := c.Param("roomID")
	ctx, cancel := h.ctx(c)
	defer cancel()
	snap, err := h.presence.Snapshot(ctx, roomID)
	if err != nil {
		h.log.Error("fetch presence failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch presence failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "participants": snap.SortedParticipants()})
}
