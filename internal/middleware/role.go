package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/rtms-relay/internal/auth"
	"github.com/aura-webinar/rtms-relay/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles. JWT must run first.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if role == "" {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminOnly returns the chain guarding operator routes. With tokens disabled
// (nil service) the routes are open.
func AdminOnly(jwtService *auth.JWTService) []gin.HandlerFunc {
	if jwtService == nil {
		return nil
	}
	return []gin.HandlerFunc{JWT(jwtService), RequireRole(auth.RoleAdmin)}
}
