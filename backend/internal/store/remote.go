package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roomsync/backend/internal/model"
)

// RemoteStore 通过 relay server 的 REST 接口读写，roomctl 连远端时用它
type RemoteStore struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Store = (*RemoteStore)(nil)

type RemoteOption func(*RemoteStore)

func WithToken(token string) RemoteOption {
	return func(s *RemoteStore) { s.token = token }
}

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteStore) { s.client = c }
}

func NewRemoteStore(baseURL string, opts ...RemoteOption) *RemoteStore {
	s := &RemoteStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type documentResponse struct {
	Document model.DocumentState `json:"document"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *RemoteStore) roomURL(roomID, suffix string) string {
	return s.baseURL + "/v1/rooms/" + url.PathEscape(roomID) + suffix
}

func (s *RemoteStore) do(ctx context.Context, method, u string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *RemoteStore) FetchRecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	u := s.roomURL(roomID, "/messages")
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out messagesResponse
	if err := s.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (s *RemoteStore) FetchDocumentSnapshot(ctx context.Context, roomID string) (model.DocumentState, error) {
	var out documentResponse
	if err := s.do(ctx, http.MethodGet, s.roomURL(roomID, "/document"), nil, &out); err != nil {
		return model.DocumentState{}, err
	}
	return out.Document, nil
}

func (s *RemoteStore) AppendMessage(ctx context.Context, roomID string, msg model.Message) error {
	return s.do(ctx, http.MethodPost, s.roomURL(roomID, "/messages"), msg, nil)
}

func (s *RemoteStore) SaveDocumentSnapshot(ctx context.Context, roomID string, st model.DocumentState) error {
	return s.do(ctx, http.MethodPut, s.roomURL(roomID, "/document"), st, nil)
}

func (s *RemoteStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
