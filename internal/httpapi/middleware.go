package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"linkmux/internal/control"
	"linkmux/internal/session"
	logx "linkmux/pkg/logx"
)

const (
	ctxTenant    = "tenant"
	ctxRequestID = "request_id"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", c.GetString(ctxRequestID)),
		}
		if t := c.GetString(ctxTenant); t != "" {
			fields = append(fields, logx.Session(t))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func (s *Server) recovered(c *gin.Context, rec any) {
	s.log.Error("handler panic",
		logx.Any("panic", rec),
		logx.String("path", c.FullPath()),
		logx.String("request_id", c.GetString(ctxRequestID)))
	abortWith(c, http.StatusInternalServerError, control.CodeFailed, "internal error")
}

func (s *Server) apiKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, _ := s.options()
		if opts.APIKey == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(opts.APIKey)) != 1 {
			abortWith(c, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		c.Next()
	}
}

func (s *Server) tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if id == "" {
			abortWith(c, http.StatusBadRequest, control.CodeInvalid, HeaderTenant+" header is required")
			return
		}
		if err := session.ValidateID(id); err != nil {
			abortWith(c, http.StatusBadRequest, control.CodeInvalid, err.Error())
			return
		}
		c.Set(ctxTenant, id)
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, lim := s.options()
		if !lim.allow(c.GetString(ctxTenant)) {
			c.Header("Retry-After", "1")
			abortWith(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}

func (s *Server) pprofEnabled() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, _ := s.options()
		if !opts.Pprof {
			abortWith(c, http.StatusNotFound, "not_found", "profiling is disabled")
			return
		}
		c.Next()
	}
}
