package server

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mnrestd/internal/api"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// writeError writes the structured error body for err and aborts the chain.
func (s *Service) writeError(c *gin.Context, err error) {
	status, body := classify(err)
	evt := s.logger.Debug()
	if status >= http.StatusInternalServerError && body.ErrorKind == api.KindInternalError {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Str(requestIDKey, c.GetString(requestIDKey)).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Msg("request failed")
	c.AbortWithStatusJSON(status, body)
}

func abortWithKind(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, errorBody(kind, message, status))
}

// recoveryMiddleware turns handler panics into a structured 500.
func (s *Service) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				s.logger.Error().
					Interface("panic", rec).
					Str(requestIDKey, c.GetString(requestIDKey)).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				abortWithKind(c, http.StatusInternalServerError, api.KindInternalError, "internal error")
			}
		}()
		c.Next()
	}
}

// requestIDMiddleware propagates or assigns a request id.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLogMiddleware emits one structured line per request.
func (s *Service) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str(requestIDKey, c.GetString(requestIDKey)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

// securityHeadersMiddleware adds security headers
func (s *Service) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Service-Version", s.version)
		if s.validator != nil {
			c.Header("X-API-Validation", "enabled")
		} else {
			c.Header("X-API-Validation", "disabled")
		}
		c.Next()
	}
}

// requireRunning rejects requests unless the service is Running.
func (s *Service) requireRunning() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.State() != StateRunning {
			s.writeError(c, ErrServiceUnavailable)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware applies the global token bucket, if configured.
func (s *Service) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Header("Retry-After", "1")
			abortWithKind(c, http.StatusTooManyRequests, api.KindRateLimited, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// authMiddleware enforces the configured Authenticator.
func (s *Service) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authenticator == nil {
			c.Next()
			return
		}
		if err := s.authenticator.Authenticate(c.Request); err != nil {
			s.logger.Debug().Err(err).Str(requestIDKey, c.GetString(requestIDKey)).Msg("authentication failed")
			c.Header("WWW-Authenticate", `Bearer realm="mnrestd"`)
			abortWithKind(c, http.StatusUnauthorized, api.KindUnauthorized, "authentication required")
			return
		}
		c.Next()
	}
}
