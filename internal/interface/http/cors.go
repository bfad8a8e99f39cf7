package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsMaxAge  = "600"
)

// corsMiddleware lets a separately hosted page drive its session over fetch.
// Origins outside the allow list get no CORS headers, so the browser blocks them.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			wildcard = true
			continue
		}
		set[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		headers := c.Writer.Header()
		headers.Add("Vary", "Origin")

		if origin != "" {
			if _, ok := set[strings.ToLower(origin)]; ok {
				headers.Set("Access-Control-Allow-Origin", origin)
			} else if wildcard {
				headers.Set("Access-Control-Allow-Origin", "*")
			}
		}

		if c.Request.Method == http.MethodOptions {
			if headers.Get("Access-Control-Allow-Origin") != "" {
				headers.Set("Access-Control-Allow-Methods", corsMethods)
				headers.Set("Access-Control-Allow-Headers", "Content-Type")
				headers.Set("Access-Control-Max-Age", corsMaxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		headers.Set("Access-Control-Expose-Headers", "Retry-After")
		c.Next()
	}
}
