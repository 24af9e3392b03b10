// README: Gin middleware: zerolog request logging and bearer-token auth.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"metrocarpool/internal/log"
	"metrocarpool/internal/sim/user"
	"metrocarpool/internal/types"
)

const (
	ctxUserID = "userId"
	ctxRole   = "role"
)

func RequestLogger() gin.HandlerFunc {
	logger := log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// Auth validates the Bearer token and stashes the caller's identity on the
// context. Streaming endpoints share it; a rejected token is always 401.
func Auth(tokens *user.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, role, err := tokens.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUserID, id)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) (types.UserID, types.Role) {
	id, _ := c.Get(ctxUserID)
	role, _ := c.Get(ctxRole)
	uid, _ := id.(types.UserID)
	r, _ := role.(types.Role)
	return uid, r
}
