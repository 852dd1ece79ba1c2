package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// AuthMiddleware gates mutating requests behind a shared admin token.
// Loopback clients are trusted without a token; read-only verbs always pass.
// With no token configured the gate is loopback-only for mutations.
type AuthMiddleware struct {
	log        *logger.Logger
	adminToken string
}

func NewAuthMiddleware(log *logger.Logger, adminToken string) *AuthMiddleware {
	return &AuthMiddleware{
		log:        log.With("Middleware", "AuthMiddleware"),
		adminToken: adminToken,
	}
}

func (am *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !mutating(c.Request.Method) {
			c.Next()
			return
		}
		if isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}
		if am.adminToken == "" {
			am.log.Warn("remote mutation rejected: no admin token configured", "remote", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote mutations require an admin token"})
			return
		}
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(am.adminToken)) != 1 {
			am.log.Warn("admin token mismatch", "remote", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func extractBearer(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
