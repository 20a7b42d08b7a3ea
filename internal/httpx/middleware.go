package httpx

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ridKey     = "rid"
	userRefKey = "user_ref"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ridKey, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func Logger(log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(c.Request.Context(), level, "http",
			"rid", c.GetString(ridKey),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"dur", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

// HTTPError represents a standard error in JSON.
// swagger:model
type HTTPError struct {
	// Error code
	// example: invalid_order_request
	Error string `json:"error"`
	// Human readable detail
	Message string `json:"message,omitempty"`
}

func Abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, HTTPError{Error: code, Message: msg})
}

type TokenVerifier interface {
	UserRef(token string) (string, error)
}

// Auth requires a bearer token and exposes its subject through UserRef.
func Auth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			Abort(c, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}
		ref, err := v.UserRef(token)
		if err != nil {
			Abort(c, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		c.Set(userRefKey, ref)
		c.Next()
	}
}

func UserRef(c *gin.Context) string { return c.GetString(userRefKey) }
