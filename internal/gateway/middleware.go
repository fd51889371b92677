package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware sets the CORS headers spec.md §4.6 requires on every
// response, including preflight OPTIONS requests, and advertises the two
// accepted credential headers (Authorization, X-API-Key).
func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware enforces spec.md §4.6's access-token check. When no access
// token is configured every request passes; otherwise the token must match
// one of Authorization: Bearer, X-API-Key, or the xling_access cookie.
func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := g.store.Get().Proxy.AccessKey
		if token == "" {
			c.Next()
			return
		}
		if presentedToken(c.Request) == token {
			c.Next()
			return
		}
		writeError(c, http.StatusUnauthorized, "auth_error", "invalid or missing access token")
		c.Abort()
	}
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if cookie, err := r.Cookie("xling_access"); err == nil {
		return cookie.Value
	}
	return ""
}
