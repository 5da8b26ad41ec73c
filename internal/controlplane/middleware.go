package controlplane

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// runnerKeyAuth authenticates a runner's HTTP/WebSocket handshake against a
// runner key's stored secret hash resolved by resolveSecretHash. Grounded on
// the pack's BearerAuth middleware (kiosk404-echoryn's
// internal/hivemind/handler/middleware/auth.go): constant-time comparison,
// a path whitelist, and local-bypass support for LOCAL_MODE deployments.
func runnerKeyAuth(localMode bool, resolveSecretHash func(keyID string) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if localMode {
			c.Next()
			return
		}
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}

		keyID := strings.TrimSpace(c.GetHeader("X-Forge-Runner-Key-Id"))
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if keyID == "" || !strings.HasPrefix(authHeader, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing runner key credentials"})
			return
		}
		provided := authHeader[len(prefix):]

		storedHash, ok := resolveSecretHash(keyID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown runner key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(hashSecret(provided)), []byte(storedHash)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid runner key secret"})
			return
		}
		c.Set("runner_key_id", keyID)
		c.Next()
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
