package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"roomsync/backend/internal/account"
	"roomsync/backend/internal/auth"
)

const refreshTTL = 7 * 24 * time.Hour

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

// Accounts 注册、登录、刷新 token，签出的 access token 用于 /relay/ws 和 /v1/rooms
type Accounts struct {
	repo      account.Repository
	signer    *auth.Signer
	accessTTL time.Duration
	log       *zap.Logger
}

func NewAccounts(repo account.Repository, signer *auth.Signer, accessTTL time.Duration, log *zap.Logger) *Accounts {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Accounts{repo: repo, signer: signer, accessTTL: accessTTL, log: log}
}

// Register 挂到 /v1/auth 下，不需要鉴权
func (h *Accounts) Register(g *gin.RouterGroup) {
	g.POST("/register", h.SignUp)
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
}

func (h *Accounts) SignUp(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		// 超过 72 字节的密码会走到这里
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.repo.CreateUser(c.Request.Context(), req.Username, hash)
	if err != nil {
		if errors.Is(err, account.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		h.log.Error("create user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": id})
}

func (h *Accounts) Login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}
	u, err := h.repo.GetByUsername(c.Request.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		h.log.Error("get user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get user failed"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	h.issue(c, u.ID, u.Username, true)
}

// Refresh 用 refresh token 换新的 access token
func (h *Accounts) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}
	claims, err := h.signer.ParseToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if claims.Type != auth.TypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token required"})
		return
	}
	h.issue(c, claims.UserID, claims.Username, false)
}

func (h *Accounts) issue(c *gin.Context, userID, username string, withRefresh bool) {
	access, _, err := h.signer.SignAccessToken(userID, username, h.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign access token failed"})
		return
	}
	resp := gin.H{
		"accessToken": access,
		"expiresIn":   int(h.accessTTL / time.Second),
		"tokenType":   "Bearer",
		"user":        gin.H{"id": userID, "username": username},
	}
	if withRefresh {
		refresh, _, err := h.signer.SignRefreshToken(userID, username, refreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign refresh token failed"})
			return
		}
		resp["refreshToken"] = refresh
	}
	c.JSON(http.StatusOK, resp)
}
