package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricerouter/internal/consistency"
	"pricerouter/internal/logger"
	"pricerouter/internal/router"
)

const headerRequestID = "X-Request-ID"

// StatusSource exposes the router's current snapshot.
type StatusSource interface {
	Status() *router.Status
}

// DivergenceSource exposes the consistency monitor's view.
type DivergenceSource interface {
	Summarize(limit decimal.Decimal) consistency.Summary
}

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Addr       string
	Gatherer   prometheus.Gatherer
	Router     StatusSource
	Divergence DivergenceSource // optional
	Deps       *DependencyHealth
	// DivergenceLimitPct is the default limit for /api/divergence.
	DivergenceLimitPct decimal.Decimal
}

// Server runs an HTTP server exposing /metrics, /healthz and the status API.
type Server struct {
	cfg ServerConfig
	log *zap.Logger
	srv *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.DivergenceLimitPct.IsZero() {
		cfg.DivergenceLimitPct = decimal.NewFromInt(5)
	}
	s := &Server{cfg: cfg, log: log.Named("http")}
	s.srv = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), s.recoverer())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)

	api := r.Group("/api")
	api.GET("/status", s.status)
	api.GET("/status/:symbol", s.symbol)
	api.GET("/divergence", s.divergence)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *Server) healthz(c *gin.Context) {
	st := s.cfg.Router.Status()

	status, code := "healthy", http.StatusOK
	switch st.Phase {
	case router.PhaseFallbackActive:
		status = "degraded"
	case router.PhaseBothUnavailable:
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":             status,
		"phase":              st.Phase,
		"last_transition_at": st.LastTransitionAt,
		"primary":            st.Primary,
		"fallback":           st.Fallback,
	}
	if s.cfg.Deps != nil {
		deps := s.cfg.Deps.Snapshot()
		if deps.degraded() && code == http.StatusOK {
			status = "degraded"
			body["status"] = status
		}
		body["dependencies"] = deps
	}
	c.JSON(code, body)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Router.Status())
}

func (s *Server) symbol(c *gin.Context) {
	st := s.cfg.Router.Status()
	sym, ok := st.Symbol(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	c.JSON(http.StatusOK, sym)
}

func (s *Server) divergence(c *gin.Context) {
	if s.cfg.Divergence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "consistency monitor disabled"})
		return
	}
	limit := s.cfg.DivergenceLimitPct
	if q := c.Query("limit_pct"); q != "" {
		d, err := decimal.NewFromString(q)
		if err != nil || d.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit_pct must be a non-negative number"})
			return
		}
		limit = d
	}
	c.JSON(http.StatusOK, s.cfg.Divergence.Summarize(limit))
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(headerRequestID, rid)
		c.Header(headerRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), rid))
		c.Next()
	}
}

func (s *Server) recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("http panic", append(logger.WithTrace(c.Request.Context()),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()))...)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
