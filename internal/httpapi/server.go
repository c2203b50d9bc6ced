// Package httpapi exposes the control façade over HTTP with gin.
//
// Every session route takes the tenant id from the X-Tenant-ID header. That
// header is trusted: linkmux expects an authenticating proxy in front of it.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"linkmux/internal/broadcast"
	"linkmux/internal/control"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"

	defaultMaxUpload = 64 << 20
)

// Control is the subset of *control.Facade served over HTTP.
type Control interface {
	Status(id string) control.Status
	Connect(ctx context.Context, id string) error
	Logout(ctx context.Context, id string) error
	Groups(ctx context.Context, id string) ([]transport.Group, error)
	Send(ctx context.Context, id, text string, recipients []string, att *broadcast.Attachment) ([]broadcast.Result, error)
	Runs(id string) []broadcast.Run
}

// Options holds the hot-reloadable request policy.
type Options struct {
	APIKey         string
	RatePerSec     float64 // 0 disables per-tenant limiting
	Burst          int
	MaxUploadBytes int64
	Pprof          bool // serve /debug/pprof and /debug/state behind the API key
}

type Server struct {
	ctl     Control
	log     logx.Logger
	metrics http.Handler
	engine  *gin.Engine

	mu      sync.RWMutex
	opts    Options
	limiter *tenantLimiter
	state   map[string]func() any
}

// New builds the router. metrics may be nil.
func New(ctl Control, opts Options, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{ctl: ctl, log: log.With(logx.String("comp", "http")), metrics: metrics}
	s.Apply(opts)
	s.engine = s.routes()
	return s
}

// Apply swaps the request policy. Existing per-tenant buckets are dropped when
// the rate changes.
func (s *Server) Apply(opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil || s.opts.RatePerSec != opts.RatePerSec || s.opts.Burst != opts.Burst {
		s.limiter = newTenantLimiter(opts.RatePerSec, opts.Burst)
	}
	s.opts = opts
}

func (s *Server) options() (Options, *tenantLimiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts, s.limiter
}

func (s *Server) Handler() http.Handler { return s.engine }

// Expose serves fn's result as JSON at /debug/state/<name>.
func (s *Server) Expose(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = map[string]func() any{}
	}
	s.state[name] = fn
}

func (s *Server) stateIndex(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.state))
	for name := range s.state {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"state": names})
}

func (s *Server) stateDump(c *gin.Context) {
	s.mu.RLock()
	fn := s.state[c.Param("name")]
	s.mu.RUnlock()
	if fn == nil {
		abortWith(c, http.StatusNotFound, "not_found", "unknown state "+c.Param("name"))
		return
	}
	c.JSON(http.StatusOK, fn())
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(s.recovered))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	dbg := r.Group("/debug/pprof", s.pprofEnabled(), s.apiKey())
	dbg.GET("/", gin.WrapF(hpprof.Index))
	dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	dbg.GET("/profile", gin.WrapF(hpprof.Profile))
	dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
	dbg.GET("/trace", gin.WrapF(hpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		dbg.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
	}

	st := r.Group("/debug/state", s.pprofEnabled(), s.apiKey())
	st.GET("/", s.stateIndex)
	st.GET("/:name", s.stateDump)

	api := r.Group("/", s.apiKey(), s.tenant(), s.rateLimit())
	api.GET("/status", s.status)
	api.POST("/connect", s.connect)
	api.POST("/logout", s.logout)
	api.GET("/groups", s.groups)
	api.POST("/send", s.send)
	api.GET("/broadcasts", s.runs)
	return r
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	if strings.TrimSpace(addr) == "" {
		addr = ":3001"
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	return nil
}

// tenantLimiter keeps one token bucket per tenant.
type tenantLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

const maxTenantBuckets = 10000

func newTenantLimiter(perSec float64, burst int) *tenantLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &tenantLimiter{limit: rate.Limit(perSec), burst: burst, buckets: map[string]*rate.Limiter{}}
}

func (l *tenantLimiter) allow(tenant string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenant]
	if !ok {
		if len(l.buckets) >= maxTenantBuckets {
			clear(l.buckets)
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[tenant] = b
	}
	return b.Allow()
}
