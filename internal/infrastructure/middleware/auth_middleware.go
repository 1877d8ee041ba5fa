package middleware

import (
	"net/http"
	"strings"

	"docroom/internal/core/services"
	"docroom/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	ContextParticipantID = "participant_id"
	ContextDisplayName   = "display_name"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a bearer token issued by the token service. Browsers
// cannot set headers on a WebSocket upgrade, so the token may also come as ?token=.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			if c.GetHeader("Authorization") != "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			}
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextParticipantID, claims.ParticipantID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Request = c.Request.WithContext(logger.WithParticipantID(c.Request.Context(), string(claims.ParticipantID)))
		c.Next()
	}
}
