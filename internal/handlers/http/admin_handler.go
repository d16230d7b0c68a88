package http

import (
	"net/http"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AdminHandler exposes the blocklist to operators. Routes are mounted on a
// group that already enforces the admin role.
type AdminHandler struct {
	adminService ports.AdminService
}

func NewAdminHandler(adminService ports.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

func (h *AdminHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/blocked-users", h.BlockedUsers)
	group.GET("/suspicious-users", h.SuspiciousUsers)
	group.POST("/unblock/:userId", h.Unblock)
}

func (h *AdminHandler) BlockedUsers(c *gin.Context) {
	users, err := h.adminService.BlockedUsers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *AdminHandler) SuspiciousUsers(c *gin.Context) {
	users, err := h.adminService.SuspiciousUsers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *AdminHandler) Unblock(c *gin.Context) {
	userID, err := domain.ParseUserID(c.Param("userId"))
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	result, err := h.adminService.Unblock(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
