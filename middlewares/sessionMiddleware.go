package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/utils"
)

// TokenLookup resolves a session token to a username.
type TokenLookup func(ctx context.Context, token string) (username string, ok bool, err error)

// RedisTokenLookup reads "Token:<token>" from the shared Redis client.
func RedisTokenLookup(ctx context.Context, token string) (string, bool, error) {
	return config.GetRedisValue("Token:" + token)
}

func sessionToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.Request.Header.Get("token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
	const bearer = "Bearer "
	if len(auth) > len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
		return strings.TrimSpace(auth[len(bearer):])
	}
	return ""
}

// SessionMiddleware puts the token and its username into the request context.
// Requests without a token pass through; unknown tokens are rejected.
func SessionMiddleware(lookup TokenLookup) gin.HandlerFunc {
	if lookup == nil {
		lookup = RedisTokenLookup
	}
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := lookup(c.Request.Context(), token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireUser rejects requests that did not resolve to a session user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if username, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok || username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
