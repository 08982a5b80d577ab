// Package auth 签发和校验中继用的 JWT，并提供 gin 鉴权中间件
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrNotAccessToken = errors.New("auth: access token required")

type Claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner 不做默认密钥兜底，空密钥由调用方在启动时拒绝
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) sign(userID, username, typ string, ttl time.Duration) (string, time.Time, error) {
	exp := s.now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

func (s *Signer) SignAccessToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeAccess, ttl)
}

func (s *Signer) SignRefreshToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeRefresh, ttl)
}

// ParseToken 解析任意 token（访问/刷新），只接受 HS256
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
