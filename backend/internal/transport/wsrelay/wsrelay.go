// Package wsrelay 通过 WebSocket 连接中继服务端（cmd/relay_server）实现 transport.Transport
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/backend/internal/model"
	"roomsync/backend/internal/transport"
	"roomsync/backend/internal/ws"
)

const writeWait = 10 * time.Second

// ErrRejected 中继拒绝了这次广播（限流、校验失败）
var ErrRejected = errors.New("wsrelay: relay rejected broadcast")

type Relay struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
	log      *zap.Logger
}

type Option func(*Relay)

// WithToken 设置 access token，放在 Authorization 头里
func WithToken(token string) Option { return func(r *Relay) { r.token = token } }

func WithDialer(d *websocket.Dialer) Option { return func(r *Relay) { r.dialer = d } }

func WithLogger(l *zap.Logger) Option { return func(r *Relay) { r.log = l } }

var _ transport.Transport = (*Relay)(nil)

// New endpoint 形如 ws://127.0.0.1:8090/relay/ws
func New(endpoint string, opts ...Option) *Relay {
	r := &Relay{endpoint: endpoint, dialer: websocket.DefaultDialer, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

type Handle struct {
	roomID   string
	conn     *websocket.Conn
	handlers transport.Handlers
	log      *zap.Logger

	// gorilla 的连接只允许一个写者
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending map[string]chan ws.ServerMessage

	// 读循环只负责收帧和应答配对，回调在 deliverLoop 里按顺序执行，
	// 回调里再调 Send 等 ack 也不会卡住读循环
	events chan ws.ServerMessage
	lost   error
}

const eventBuffer = 256

func (h *Handle) RoomID() string { return h.roomID }

// Subscribe 拨号并等到 subscribed 帧之后才返回
func (r *Relay) Subscribe(ctx context.Context, roomID string, hs transport.Handlers) (transport.Handle, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial status %d", transport.ErrUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	// 第一帧必须是 subscribed
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var first ws.ServerMessage
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if first.Type != ws.TypeSubscribed {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame %q", transport.ErrUnavailable, first.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	h := &Handle{
		roomID:   roomID,
		conn:     conn,
		handlers: hs,
		log:      r.log.With(zap.String("room", roomID)),
		pending:  make(map[string]chan ws.ServerMessage),
		events:   make(chan ws.ServerMessage, eventBuffer),
	}
	go h.readLoop()
	go h.deliverLoop()
	return h, nil
}

func (r *Relay) handle(th transport.Handle) (*Handle, error) {
	h, ok := th.(*Handle)
	if !ok || h == nil {
		return nil, transport.ErrClosedHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosedHandle
	}
	return h, nil
}

func (h *Handle) write(ctx context.Context, msg ws.ClientMessage) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

// Send 等中继的 ack；限流或校验失败时中继回 error 帧，这里返回错误
func (r *Relay) Send(ctx context.Context, th transport.Handle, env model.Envelope) error {
	h, err := r.handle(th)
	if err != nil {
		return err
	}
	resp, err := h.request(ctx, ws.ClientMessage{Type: ws.TypeBroadcast, Envelope: &env})
	if err != nil {
		return err
	}
	if resp.Type == ws.TypeError {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	return nil
}

func (r *Relay) Track(ctx context.Context, th transport.Handle, p model.Participant) error {
	h, err := r.handle(th)
	if err != nil {
		return err
	}
	return h.write(ctx, ws.ClientMessage{Type: ws.TypeTrack, Participant: &p})
}

func (r *Relay) PresenceState(ctx context.Context, th transport.Handle) (model.Snapshot, error) {
	h, err := r.handle(th)
	if err != nil {
		return model.Snapshot{}, err
	}
	resp, err := h.request(ctx, ws.ClientMessage{Type: ws.TypePresenceState})
	if err != nil {
		return model.Snapshot{}, err
	}
	if resp.Type == ws.TypeError {
		return model.Snapshot{}, fmt.Errorf("wsrelay: presence state: %s", resp.Error)
	}
	if resp.Snapshot == nil {
		return model.Snapshot{RoomID: h.roomID}, nil
	}
	return *resp.Snapshot, nil
}

// request 用 requestId 关联请求和应答，连接断开时返回 ErrUnavailable
func (h *Handle) request(ctx context.Context, msg ws.ClientMessage) (ws.ServerMessage, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan ws.ServerMessage, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ws.ServerMessage{}, transport.ErrClosedHandle
	}
	h.pending[msg.RequestID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, msg.RequestID)
		h.mu.Unlock()
	}()

	if err := h.write(ctx, msg); err != nil {
		return ws.ServerMessage{}, err
	}
	select {
	case <-ctx.Done():
		return ws.ServerMessage{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ws.ServerMessage{}, transport.ErrUnavailable
		}
		return resp, nil
	}
}

// Unsubscribe 主动关闭，不会触发 OnDisconnected
func (r *Relay) Unsubscribe(ctx context.Context, th transport.Handle) error {
	h, err := r.handle(th)
	if err != nil {
		return err
	}
	if !h.markClosed() {
		return transport.ErrClosedHandle
	}
	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.writeMu.Unlock()
	return h.conn.Close()
}

// markClosed 返回 false 表示之前已经关闭过
func (h *Handle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	return true
}

func (h *Handle) readLoop() {
	defer close(h.events)
	for {
		var msg ws.ServerMessage
		if err := h.conn.ReadJSON(&msg); err != nil {
			if h.markClosed() {
				h.conn.Close()
				h.log.Info("relay connection lost", zap.Error(err))
				h.lost = errors.Join(transport.ErrUnavailable, err)
			}
			return
		}
		if h.resolve(msg) {
			continue
		}
		h.events <- msg
	}
}

// resolve 把应答交给等待中的请求
func (h *Handle) resolve(msg ws.ServerMessage) bool {
	if msg.RequestID == "" {
		return false
	}
	h.mu.Lock()
	ch, ok := h.pending[msg.RequestID]
	if ok {
		delete(h.pending, msg.RequestID)
	}
	h.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (h *Handle) deliverLoop() {
	for msg := range h.events {
		h.dispatch(msg)
	}
	if h.lost != nil && h.handlers.OnDisconnected != nil {
		h.handlers.OnDisconnected(h.lost)
	}
}

func (h *Handle) dispatch(msg ws.ServerMessage) {
	switch msg.Type {
	case ws.TypeBroadcast:
		if msg.Envelope != nil && h.handlers.OnBroadcast != nil {
			h.handlers.OnBroadcast(*msg.Envelope)
		}
	case ws.TypePresenceSync:
		if msg.Snapshot != nil && h.handlers.OnPresenceSync != nil {
			h.handlers.OnPresenceSync(*msg.Snapshot)
		}
	case ws.TypeError:
		h.log.Warn("relay error", zap.String("error", msg.Error))
	case ws.TypeAck:
		// 请求方已经超时离开
	}
}
