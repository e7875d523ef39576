package server

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/ingest"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/slo"
	"github.com/vesaa/fleetpulse/internal/store"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 200
	maxMetricPoints   = 500
	defaultAuditLimit = 100
)

// ranges accepted by ?range= on history endpoints.
var ranges = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
}

// RegisterControlRoutes wires up the control-plane API on the given engine.
//
//	Public:   POST /api/login, GET /api/health, GET /metrics
//	Protected (JWT): everything else under /api
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.auth.JWTMiddleware())
	{
		auth.GET("/agents", s.handleAgentList)
		auth.POST("/agents", s.handleAgentCreate)
		auth.GET("/agents/:id", s.handleAgentGet)
		auth.GET("/agents/:id/metrics", s.handleAgentMetrics)

		auth.GET("/alerts", s.handleAlertList)
		auth.GET("/alerts/agent/:agentId", s.handleAgentAlerts)
		auth.POST("/alerts/:id/ack", s.handleAlertAck)
		auth.POST("/alerts/:id/resolve", s.handleAlertResolve)

		auth.GET("/incidents", s.handleIncidentList)
		auth.POST("/incidents", s.handleIncidentCreate)
		auth.GET("/incidents/:id", s.handleIncidentGet)
		auth.GET("/incidents/:id/events", s.handleIncidentEvents)
		auth.POST("/incidents/:id/acknowledge", s.handleIncidentAck)
		auth.POST("/incidents/:id/resolve", s.handleIncidentResolve)
		auth.POST("/incidents/:id/comments", s.handleIncidentComment)

		auth.GET("/slo/uptime/24h", s.handleUptime(slo.Window24h))
		auth.GET("/slo/uptime/7d", s.handleUptime(slo.Window7d))

		auth.GET("/audit", s.handleAudit)
	}
}

// RegisterDataRoutes wires up the data-plane API on the given engine.
// The token-bound heartbeat authenticates against the agent's own token, the
// by-name heartbeat against the shared agent key.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.POST("/heartbeat", s.agentTokenMiddleware(), s.handleHeartbeat)
		api.POST("/agents/heartbeat", s.auth.AgentKeyMiddleware(), s.handleNamedHeartbeat)
	}

	// Data-plane health, unauthenticated for load-balancer and k8s probes.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !s.auth.CheckCredentials(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.GenerateJWT(body.Username)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(s.auth.ttl.Seconds()),
		"type":       "Bearer",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error(), "time": s.now()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "db": "ok", "time": s.now()})
}

type heartbeatBody struct {
	Name string `json:"name"`
	ingest.Payload
}

// agentTokenMiddleware resolves the Bearer agent token before the body is
// read, so unauthenticated callers always get 401.
func (s *Server) agentTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing agent token"})
			return
		}
		agent, err := s.ingest.Authenticate(c.Request.Context(), token)
		if err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}
		c.Set(ctxAgent, agent.ID)
		c.Next()
	}
}

// handleHeartbeat ingests a heartbeat from an agent holding its own token.
//
//	POST /api/heartbeat
//	Authorization: Bearer <agent token>
func (s *Server) handleHeartbeat(c *gin.Context) {
	var p ingest.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed heartbeat body"})
		return
	}
	res, err := s.ingest.ForAgent(c.Request.Context(), c.GetUint(ctxAgent), p)
	s.heartbeatReply(c, res, err)
}

// handleNamedHeartbeat ingests a heartbeat that names its agent.
//
//	POST /api/agents/heartbeat
//	Body: { "name": "web-1", "cpu": 12.5, "memory": 40, "metadata": {...} }
func (s *Server) handleNamedHeartbeat(c *gin.Context) {
	var body heartbeatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed heartbeat body"})
		return
	}
	res, err := s.ingest.ByName(c.Request.Context(), body.Name, body.Payload)
	s.heartbeatReply(c, res, err)
}

func (s *Server) heartbeatReply(c *gin.Context, res *ingest.Result, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Heartbeat processed",
		"agentId":  res.AgentID,
		"metricId": res.MetricID,
		"status":   res.Status,
	})
}

func (s *Server) handleAgentList(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(agents), "data": agents})
}

// handleAgentCreate registers an agent and returns its bearer token. The
// token is only ever shown here.
func (s *Server) handleAgentCreate(c *gin.Context) {
	var body struct {
		Name     string               `json:"name" binding:"required"`
		Metadata models.AgentMetadata `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	agent, err := s.ingest.Register(c.Request.Context(), body.Name, body.Metadata, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": agent, "token": agent.Token})
}

func (s *Server) handleAgentGet(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	agent, err := s.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": agent})
}

// handleAgentMetrics returns samples oldest to newest, capped at 500 points.
//
//	GET /api/agents/:id/metrics?range=5m|1h|24h
func (s *Server) handleAgentMetrics(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	span, ok := rangeParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.GetAgent(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	samples, err := s.store.ListSamples(ctx, id, s.now().Add(-span), maxMetricPoints)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(samples), "data": samples})
}

// handleAlertList lists alerts newest first.
//
//	GET /api/alerts?status=active|resolved|all&agent_id=1&limit=50
func (s *Server) handleAlertList(c *gin.Context) {
	f := store.AlertFilter{
		Status: c.DefaultQuery("status", "active"),
		Limit:  defaultAlertLimit,
	}
	switch f.Status {
	case "active", "resolved", "all":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, resolved or all"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = min(n, maxAlertLimit)
	}
	if raw := c.Query("agent_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_id"})
			return
		}
		f.AgentID = uint(id)
	}

	alerts, err := s.store.ListAlerts(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "data": alerts})
}

// handleAgentAlerts returns one agent's alert history, oldest first.
//
//	GET /api/alerts/agent/:agentId?range=5m|1h|24h
func (s *Server) handleAgentAlerts(c *gin.Context) {
	id, ok := idParam(c, "agentId")
	if !ok {
		return
	}
	span, ok := rangeParam(c)
	if !ok {
		return
	}
	alerts, err := s.store.ListAlerts(c.Request.Context(), store.AlertFilter{
		Status:  "all",
		AgentID: id,
		Since:   s.now().Add(-span),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	slices.Reverse(alerts)
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "data": alerts})
}

func (s *Server) handleAlertAck(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.alerts.AcknowledgeAlert(c.Request.Context(), id, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (s *Server) handleAlertResolve(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.alerts.ResolveAlert(c.Request.Context(), id, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

// handleIncidentList lists incidents newest first.
//
//	GET /api/incidents?status=open|resolved|all
func (s *Server) handleIncidentList(c *gin.Context) {
	var status models.IncidentStatus
	switch c.DefaultQuery("status", "all") {
	case "open":
		status = models.IncidentOpen
	case "resolved":
		status = models.IncidentResolved
	case "all":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, resolved or all"})
		return
	}
	incidents, err := s.store.ListIncidents(c.Request.Context(), status, 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(incidents), "data": incidents})
}

// handleIncidentCreate opens an incident by hand. A duplicate of an open
// incident answers 200 with the existing one instead of 201.
func (s *Server) handleIncidentCreate(c *gin.Context) {
	var req alerting.NewIncident
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed incident body"})
		return
	}
	inc, created, err := s.alerts.CreateIncident(c.Request.Context(), req, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"data": inc, "created": created})
}

func (s *Server) handleIncidentGet(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	inc, err := s.store.GetIncident(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inc})
}

func (s *Server) handleIncidentEvents(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	events, err := s.alerts.Timeline(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "data": events})
}

func (s *Server) handleIncidentAck(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	inc, err := s.alerts.AcknowledgeIncident(c.Request.Context(), id, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inc})
}

func (s *Server) handleIncidentResolve(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	inc, err := s.alerts.ResolveIncident(c.Request.Context(), id, operator(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inc})
}

func (s *Server) handleIncidentComment(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed comment body"})
		return
	}
	ev, err := s.alerts.CommentIncident(c.Request.Context(), id, operator(c), body.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": ev})
}

func (s *Server) handleUptime(w slo.Window) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := s.slo.Uptime(c.Request.Context(), w)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxAlertLimit)
	}
	entries, err := s.store.ListAudit(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "data": entries})
}

// ── helpers ───────────────────────────────────────────────────────────────────

// fail maps a domain error onto a status code. Unknown errors are logged and
// hidden behind a generic 500.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidPayload), errors.Is(err, alerting.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ingest.ErrAgentExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func rangeParam(c *gin.Context) (time.Duration, bool) {
	raw := c.DefaultQuery("range", "5m")
	span, ok := ranges[raw]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range must be 5m, 1h or 24h"})
		return 0, false
	}
	return span, true
}
