package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const sessionUserContextKey = "session_user"

// requireSession resolves the bearer token to a user id via the sessions
// table. The limiter only ever sees the user id as an opaque key.
func (s *Server) requireSession(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		respondError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token", s.logger)
		return
	}

	var session Session
	if err := s.db.Where("token = ?", token).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid session", s.logger)
			return
		}
		// Session storage broke, not the client. Surface it as a server
		// fault instead of punishing the request.
		respondError(c, http.StatusInternalServerError, "session_lookup_failed", "session lookup failed", s.logger)
		return
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		respondError(c, http.StatusUnauthorized, "unauthorized", "session expired", s.logger)
		return
	}

	c.Set(sessionUserContextKey, session.UserID)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	token := bearerToken(c)
	if token == "" || !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "unauthorized", "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) string {
	if value, ok := c.Get(sessionUserContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authz, "Bearer ")
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
