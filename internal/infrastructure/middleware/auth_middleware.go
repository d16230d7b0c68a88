package middleware

import (
	"net/http"
	"strings"

	"callguard/internal/core/domain"
	"callguard/internal/core/services"
	apperrors "callguard/pkg/errors"
	"callguard/pkg/logger"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "claims"

// BearerToken returns the token from the Authorization header, or from the
// token query parameter for browser websocket clients that can't set headers.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// abortWith renders like ErrorHandlerMiddleware so auth failures look the
// same on routes that don't install it.
func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

// AuthMiddleware validates the bearer token and stores the claims both on the
// gin context and on the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			abortWith(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		ctx := services.WithClaims(c.Request.Context(), claims)
		ctx = logger.WithUserID(ctx, claims.UserID.String())
		c.Request = c.Request.WithContext(ctx)

		c.Set(claimsContextKey, claims)
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// RequireRole rejects requests whose claims don't carry role. It must run
// after AuthMiddleware.
func RequireRole(authService services.AuthService, role domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := services.ClaimsFromContext(c.Request.Context())
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}

		if err := authService.RequireRole(claims, role); err != nil {
			abortWith(c, apperrors.NewForbiddenError("insufficient permissions"))
			return
		}

		c.Next()
	}
}
