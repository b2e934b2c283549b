package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
)

const (
	// ContextKey is the gin context key of the AuthContext.
	ContextKey = "authContext"

	// UserHeader carries the acting user when authentication is disabled.
	UserHeader = "X-User-ID"

	problemContentType = "application/problem+json"
)

// AuthContext is the authenticated caller of a request.
type AuthContext struct {
	UserID string
	Name   string
}

// GetAuthContext returns the caller, or nil when the request is anonymous.
func GetAuthContext(c *gin.Context) *AuthContext {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil
	}
	authCtx, _ := v.(*AuthContext)
	return authCtx
}

// Middleware resolves the caller from the bearer token. Requests without a valid token proceed
// anonymously; RequireAuth rejects them.
func Middleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			slog.Debug("unsupported authorization scheme", "path", c.Request.URL.Path)
			c.Next()
			return
		}

		claims, err := tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			slog.Warn("rejected bearer token", "path", c.Request.URL.Path, "error", err)
			c.Next()
			return
		}

		c.Set(ContextKey, &AuthContext{UserID: claims.Subject, Name: claims.Name})
		c.Next()
	}
}

// HeaderMiddleware trusts the X-User-ID header. It is meant for local development only.
func HeaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := strings.TrimSpace(c.GetHeader(UserHeader)); user != "" {
			c.Set(ContextKey, &AuthContext{UserID: user})
		}
		c.Next()
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthContext(c) == nil {
			slog.Warn("authentication required but not provided",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)
			problem := problems.NewStatusProblem(http.StatusUnauthorized).
				WithInstance(c.Request.URL.Path).
				WithType("unauthorized").
				WithDetail("authentication required")
			c.Header("Content-Type", problemContentType)
			c.AbortWithStatusJSON(http.StatusUnauthorized, problem)
			return
		}
		c.Next()
	}
}
