// Package server provides the FleetPulse Gin-based REST API.
// Routes are split into two engines:
//   - Control plane (port 7070): JWT-protected operator API and /metrics.
//   - Data plane   (port 7071): agent heartbeats.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/ingest"
	"github.com/vesaa/fleetpulse/internal/slo"
	"github.com/vesaa/fleetpulse/internal/store"
)

// Deps is everything the handlers reach into.
type Deps struct {
	Store    *store.Store
	Ingest   *ingest.Service
	Alerts   *alerting.Manager
	SLO      *slo.Service
	Auth     *Auth
	Gatherer prometheus.Gatherer
	Log      *zap.Logger

	RateLimitPerMinute int
	RateLimitBurst     int
	Now                func() time.Time
}

type Server struct {
	store    *store.Store
	ingest   *ingest.Service
	alerts   *alerting.Manager
	slo      *slo.Service
	auth     *Auth
	gatherer prometheus.Gatherer
	log      *zap.Logger
	limiter  *ipLimiter
	now      func() time.Time
}

func New(d Deps) *Server {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Server{
		store:    d.Store,
		ingest:   d.Ingest,
		alerts:   d.Alerts,
		slo:      d.SLO,
		auth:     d.Auth,
		gatherer: d.Gatherer,
		log:      d.Log.Named("http"),
		limiter:  newIPLimiter(d.RateLimitPerMinute, d.RateLimitBurst),
		now:      d.Now,
	}
}

// ControlEngine builds the operator-facing engine.
func (s *Server) ControlEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), corsMiddleware, s.limiter.middleware())
	s.RegisterControlRoutes(r)
	return r
}

// DataEngine builds the agent-facing engine.
func (s *Server) DataEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), s.limiter.middleware())
	s.RegisterDataRoutes(r)
	return r
}

func corsMiddleware(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(204)
		return
	}
	c.Next()
}

// accessLog writes one debug line per request, warn for 5xx.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}
