package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	s := NewSigner("secret")
	tok, exp, err := s.SignAccessToken("u1", "alice", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := s.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, TypeAccess, claims.Type)

	_, err = NewSigner("other").ParseToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestExpiredToken(t *testing.T) {
	s := NewSigner("secret")
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := s.SignAccessToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	_, err = NewSigner("secret").ParseToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func newRouter(s *Signer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(s))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetString(CtxUserID), "username": c.GetString(CtxUsername)})
	})
	return r
}

func TestMiddleware(t *testing.T) {
	s := NewSigner("secret")
	r := newRouter(s)
	access, _, err := s.SignAccessToken("u1", "alice", time.Hour)
	require.NoError(t, err)
	refresh, _, err := s.SignRefreshToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"bearer header", "Bearer " + access, "", http.StatusOK},
		{"lowercase prefix", "bearer " + access, "", http.StatusOK},
		{"query token", "", access, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		{"refresh token", "Bearer " + refresh, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/me"
			if tc.query != "" {
				url += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusOK {
				assert.JSONEq(t, `{"userId":"u1","username":"alice"}`, w.Body.String())
			}
		})
	}
}
