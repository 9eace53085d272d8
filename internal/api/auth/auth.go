// Package auth 为远程推送工具签发访问令牌。
package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// RoleService 是服务账号令牌的角色。
const RoleService = "service"

// Handler 校验服务账号并签发 JWT。
type Handler struct {
	username     string
	passwordHash []byte
	jwtSecret    []byte
	ttl          time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewHandler 创建 Auth Handler。
//
// 参数:
//   - username: 服务账号
//   - passwordHash: 服务账号密码的 bcrypt 哈希，为空时拒绝所有登录
//   - jwtSecret: 签名密钥
//   - ttl: 令牌有效期
func NewHandler(username, passwordHash, jwtSecret string, ttl time.Duration, logger *slog.Logger) *Handler {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Handler{
		username:     strings.TrimSpace(username),
		passwordHash: []byte(passwordHash),
		jwtSecret:    []byte(jwtSecret),
		ttl:          ttl,
		now:          time.Now,
		logger:       logger,
	}
}

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Claims 是令牌载荷。
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken 处理 POST /auth/token。
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(h.passwordHash) == 0 || strings.TrimSpace(req.Username) != h.username {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		h.logger.Warn("service login rejected", slog.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := h.Sign(h.username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt.Unix()})
}

// Sign 为 subject 签发服务令牌。
func (h *Handler) Sign(subject string) (string, time.Time, error) {
	now := h.now()
	expiresAt := now.Add(h.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: RoleService,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}
