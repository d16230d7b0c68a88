package http

import (
	"net/http"

	"callguard/internal/core/domain"
	"callguard/internal/core/services"
	"callguard/pkg/errors"
	"callguard/pkg/utils"
	"callguard/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints access tokens for development and test clients when no
// external identity provider is wired in.
type AuthHandler struct {
	authService services.AuthService
	ttlSeconds  int
}

func NewAuthHandler(authService services.AuthService, ttlSeconds int) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		ttlSeconds:  ttlSeconds,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Username string `json:"username" binding:"required,max=50"`
	Role     string `json:"role"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = utils.SanitizeString(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.UserID <= 0 {
		_ = c.Error(errors.NewInvalidInputError("user_id must be a positive integer"))
		return
	}

	role := domain.UserRole(req.Role)
	switch role {
	case "", domain.RoleClient, domain.RoleAdmin:
	default:
		_ = c.Error(errors.NewInvalidInputError("role must be client or admin"))
		return
	}

	accessToken, err := h.authService.GenerateToken(domain.UserID(req.UserID), req.Username, role)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      req.UserID,
		"username":     req.Username,
		"access_token": accessToken,
		"expires_in":   h.ttlSeconds,
	})
}
