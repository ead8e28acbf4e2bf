package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/services"
)

const (
	ctxAdminEmail = "adminEmail"
	ctxRole       = "role"
)

// AuthMiddleware validates admin JWT bearer tokens
func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Authorization header required")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "Invalid authorization format")
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(ctxAdminEmail, claims.Email)
		c.Set(ctxRole, claims.Role)

		c.Next()
	}
}

// RequireRole ensures the caller has one of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := GetRole(c)
		if !exists {
			unauthorized(c, "Authentication required")
			return
		}

		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
			"code":  apperrors.CodeUnauthorized,
		})
	}
}

// RequireAdmin ensures the caller is an admin
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(services.RoleAdmin)
}

// GetAdminEmail returns the authenticated admin, used as the actor on
// send, resend and cancel.
func GetAdminEmail(c *gin.Context) (string, bool) {
	v, exists := c.Get(ctxAdminEmail)
	if !exists {
		return "", false
	}
	email, ok := v.(string)
	return email, ok
}

func GetRole(c *gin.Context) (string, bool) {
	v, exists := c.Get(ctxRole)
	if !exists {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  apperrors.CodeUnauthorized,
	})
}
