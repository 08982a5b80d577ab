package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/model"
)

// fakeAPI 用 MemoryStore 模拟 REST 接口
func fakeAPI(t *testing.T, token string) *httptest.Server {
	mem := NewMemoryStore()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: "unauthorized"})
			return
		}
		rest := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/rooms/")
		escaped, what, _ := strings.Cut(rest, "/")
		room, err := url.PathUnescape(escaped)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ctx := r.Context()
		switch {
		case what == "messages" && r.Method == http.MethodGet:
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			msgs, _ := mem.FetchRecentMessages(ctx, room, limit)
			_ = json.NewEncoder(w).Encode(messagesResponse{Messages: msgs})
		case what == "messages" && r.Method == http.MethodPost:
			var m model.Message
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			_ = mem.AppendMessage(ctx, room, m)
			w.WriteHeader(http.StatusAccepted)
		case what == "document" && r.Method == http.MethodGet:
			d, err := mem.FetchDocumentSnapshot(ctx, room)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(errorResponse{Error: "document not found"})
				return
			}
			_ = json.NewEncoder(w).Encode(documentResponse{Document: d})
		case what == "document" && r.Method == http.MethodPut:
			var d model.DocumentState
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&d))
			_ = mem.SaveDocumentSnapshot(ctx, room, d)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		srv := fakeAPI(t, "tok")
		return NewRemoteStore(srv.URL+"/", WithToken("tok"), WithHTTPClient(srv.Client()))
	})
}

func TestRemoteStoreUnauthorized(t *testing.T) {
	srv := fakeAPI(t, "tok")
	s := NewRemoteStore(srv.URL)
	_, err := s.FetchRecentMessages(context.Background(), "r", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "unauthorized")
}
