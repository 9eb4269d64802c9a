package main

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/idkfknowatall/oadro-api/pkg/ratelimit"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// requestGate is the admission middleware for all /api routes: resolve a
// client identity, run global then per-route policies, attach quota
// headers, and reject with 429 before the handler ever runs. Per-user and
// per-resource checks happen later, inside the authenticated handlers.
func (s *Server) requestGate(c *gin.Context) {
	identity := clientIdentity(c.Request)
	d := s.limiter.CheckRequest(c.Request.Context(), identity, c.Request.Method, c.Request.URL.Path)

	setQuotaHeaders(c, d)
	if !d.Allowed {
		s.rejectLimited(c, d)
		return
	}
	c.Next()
}

// clientIdentity derives the rate-limit key for a request. Header priority
// is fixed and must stay that way, since it decides which bucket a request
// lands in: the edge provider's header first, then the first entry of
// X-Forwarded-For, then X-Real-IP, then a constant placeholder.
func clientIdentity(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

func setQuotaHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.FailedOpen || d.Limit <= 0 {
		return
	}
	c.Header(headerRateLimitLimit, strconv.Itoa(d.Limit))
	c.Header(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	c.Header(headerRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func (s *Server) rejectLimited(c *gin.Context, d ratelimit.Decision) {
	c.Header(headerRetryAfter, strconv.Itoa(retryAfterSeconds(d)))
	code, message := rejectionContract(d.Policy)
	respondError(c, http.StatusTooManyRequests, code, message, s.logger)
}

func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func rejectionContract(policy string) (code, message string) {
	switch policy {
	case ratelimit.PolicyGlobal:
		return "rate_limited_global", "too many requests, slow down"
	case ratelimit.PolicyRoute:
		return "rate_limited_route", "too many requests for this endpoint"
	case ratelimit.PolicyUser:
		return "rate_limited_user", "too many actions, slow down"
	case ratelimit.PolicyCooldown:
		return "cooldown_active", "you already did that recently"
	default:
		return "rate_limited", "too many requests"
	}
}
