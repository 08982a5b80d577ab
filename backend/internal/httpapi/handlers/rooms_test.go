package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/model"
	"roomsync/backend/internal/persist"
	"roomsync/backend/internal/store"
)

var t0 = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

func newRouter(t *testing.T, st store.Store, pr cache.Presence) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", Healthz)
	NewRooms(st, pr, nil).Register(r.Group("/v1/rooms"))
	return r
}

func do(r http.Handler, method, url string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMessagesThroughDispatcher(t *testing.T) {
	mem := store.NewMemoryStore()
	d := persist.NewDispatcher(mem, nil, nil, persist.Options{Workers: 1})
	t.Cleanup(func() { _ = d.Close() })
	r := newRouter(t, d, nil)

	w := do(r, http.MethodPost, "/v1/rooms/r1/messages", model.Message{ID: "m1", SenderID: "alice", Content: "hi", SentAt: t0})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		msgs, _ := mem.FetchRecentMessages(context.Background(), "r1", 10)
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	w = do(r, http.MethodGet, "/v1/rooms/r1/messages?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
	assert.Equal(t, model.MessageText, resp.Messages[0].Kind)
	assert.Equal(t, "r1", resp.Messages[0].RoomID)
}

func TestMessageValidation(t *testing.T) {
	r := newRouter(t, store.NewMemoryStore(), nil)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/rooms/r1/messages", model.Message{Content: "no id"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/rooms/r1/messages", model.Message{ID: "m", Kind: "sticker"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/rooms/r1/messages?limit=abc", nil).Code)

	w := do(r, http.MethodGet, "/v1/rooms/empty/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}

func TestDocumentEndpoints(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newRouter(t, mem, nil)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/rooms/r1/document", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPut, "/v1/rooms/r1/document", model.DocumentState{Content: "x"}).Code)

	w := do(r, http.MethodPut, "/v1/rooms/r1/document", model.DocumentState{Content: "hello", Revision: 2, LastWriterID: "alice", LastWriterOriginID: "o-a"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodGet, "/v1/rooms/r1/document", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Document model.DocumentState `json:"document"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Document.Content)
	assert.Equal(t, uint64(2), resp.Document.Revision)
}

func TestPresenceEndpoint(t *testing.T) {
	pr := cache.NewMemoryPresence(nil)
	_, err := pr.Track(context.Background(), "r1", model.Participant{UserID: "bob"}, time.Minute)
	require.NoError(t, err)
	_, err = pr.Track(context.Background(), "r1", model.Participant{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	r := newRouter(t, store.NewMemoryStore(), pr)

	w := do(r, http.MethodGet, "/v1/rooms/r1/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Snapshot     model.Snapshot      `json:"snapshot"`
		Participants []model.Participant `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(2), resp.Snapshot.Version)
	require.Len(t, resp.Participants, 2)
	assert.Equal(t, "alice", resp.Participants[0].UserID)

	assert.Equal(t, http.StatusNotFound, do(newRouter(t, store.NewMemoryStore(), nil), http.MethodGet, "/v1/rooms/r1/presence", nil).Code)
}

func TestHealthz(t *testing.T) {
	r := newRouter(t, store.NewMemoryStore(), nil)
	w := do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
