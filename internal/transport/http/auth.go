package httptransport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/platform/logging"
)

const clientIDKey = "client_id"

// JWTMiddleware rejects requests without a valid API bearer token and stores
// the token's user id on the context.
func JWTMiddleware(tokens *auth.Tokens, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			RespondError(c, http.StatusUnauthorized, "未提供认证token", nil)
			c.Abort()
			return
		}

		clientID, err := tokens.VerifyAPIToken(strings.TrimSpace(token))
		if err != nil {
			logger.WarnTag("Auth", "无效的token: %v", err)
			RespondError(c, http.StatusUnauthorized, "无效的token", nil)
			c.Abort()
			return
		}
		c.Set(clientIDKey, clientID)
		c.Next()
	}
}

// clientID returns the authenticated user id, or the Client-Id header when
// auth is disabled.
func clientID(c *gin.Context) string {
	if v, ok := c.Get(clientIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return c.GetHeader("Client-Id")
}

// AuthHandler registers accounts and logs them in.
type AuthHandler struct {
	accounts *auth.Accounts
	tokens   *auth.Tokens
	logger   *logging.Logger
}

func NewAuthHandler(accounts *auth.Accounts, tokens *auth.Tokens, logger *logging.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, tokens: tokens, logger: logger}
}

// RegisterRoutes 注册认证路由
func (h *AuthHandler) RegisterRoutes(router *Router) {
	router.API.POST("/auth/register", h.Register)
	router.API.POST("/auth/login", h.Login)
	router.API.GET("/auth/me", JWTMiddleware(h.tokens, h.logger), h.Me)
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expires_in"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	User      auth.User `json:"user"`
}

// Register POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid request format", gin.H{"error": err.Error()})
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password, req.FullName)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		RespondError(c, http.StatusConflict, "Email already registered", nil)
		return
	case errors.Is(err, auth.ErrInvalidAccount):
		RespondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	case err != nil:
		_ = c.Error(err)
		RespondError(c, http.StatusInternalServerError, "failed to register", nil)
		return
	}
	h.logger.InfoTag("Auth", "新用户注册 %s", user.ID)

	h.respondToken(c, http.StatusCreated, req.Email, req.Password)
}

// Login POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid request format", nil)
		return
	}
	h.respondToken(c, http.StatusOK, req.Email, req.Password)
}

func (h *AuthHandler) respondToken(c *gin.Context, status int, email, password string) {
	token, user, err := h.accounts.Login(c.Request.Context(), email, password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.logger.WarnTag("Auth", "登录失败: 凭证错误")
		RespondError(c, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	case errors.Is(err, auth.ErrInactive):
		RespondError(c, http.StatusForbidden, "Account is inactive", nil)
		return
	case err != nil:
		_ = c.Error(err)
		RespondError(c, http.StatusInternalServerError, "failed to issue token", nil)
		return
	}
	RespondSuccess(c, status, authResponse{
		Token:     token,
		ExpiresIn: int64(h.accounts.TokenTTL().Seconds()),
		UserID:    user.ID,
		Email:     user.Email,
		User:      user,
	}, "")
}

// Me GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.accounts.Profile(c.Request.Context(), clientID(c))
	if errors.Is(err, auth.ErrUserNotFound) {
		RespondError(c, http.StatusNotFound, "user not found", nil)
		return
	}
	if err != nil {
		_ = c.Error(err)
		RespondError(c, http.StatusInternalServerError, "failed to load user", nil)
		return
	}
	RespondSuccess(c, http.StatusOK, user, "")
}
