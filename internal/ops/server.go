package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/audit"
	"github.com/halcyon-trading/halcyon/internal/engine"
	"github.com/halcyon-trading/halcyon/internal/eventbus"
)

// Server exposes the operational HTTP surface: health, engine state and
// metrics, lifecycle controls, bus introspection, and dead-letter replay.
type Server struct {
	orch  *engine.Orchestrator
	bus   *eventbus.Bus
	trail *audit.Trail
	http  *http.Server
}

// NewServer builds the ops server. trail may be nil.
func NewServer(addr string, orch *engine.Orchestrator, bus *eventbus.Bus, trail *audit.Trail) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		orch:  orch,
		bus:   bus,
		trail: trail,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.routes(router)
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)

	eng := r.Group("/engine")
	{
		eng.GET("/state", s.engineState)
		eng.GET("/metrics", s.engineMetrics)
		eng.POST("/pause", s.enginePause)
		eng.POST("/resume", s.engineResume)
		eng.POST("/emergency-stop", s.engineEmergencyStop)
	}

	bus := r.Group("/bus")
	{
		bus.GET("/stats", s.busStats)
		bus.GET("/health", s.busHealth)
		bus.GET("/dead-letters", s.deadLetters)
		bus.POST("/dead-letters/retry", s.retryDeadLetters)
	}

	r.GET("/audit/entries", s.auditEntries)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("ops server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	busHealth := s.bus.Health()
	state := s.orch.State()
	healthy := busHealth.Healthy && state != engine.StateError

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": healthy,
		"engine":  state,
		"bus":     busHealth,
	})
}

func (s *Server) engineState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      s.orch.State(),
		"strategies": s.orch.StrategyCount(),
	})
}

func (s *Server) engineMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Metrics())
}

func (s *Server) enginePause(c *gin.Context) {
	if err := s.orch.PauseAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orch.State()})
}

func (s *Server) engineResume(c *gin.Context) {
	if err := s.orch.ResumeAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orch.State()})
}

func (s *Server) engineEmergencyStop(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := s.orch.EmergencyStop(c.Request.Context(), body.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"state": s.orch.State(),
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orch.State()})
}

func (s *Server) busStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Stats())
}

func (s *Server) busHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Health())
}

func (s *Server) deadLetters(c *gin.Context) {
	letters := s.bus.DeadLetters()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(letters),
		"letters": letters,
	})
}

func (s *Server) retryDeadLetters(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	_ = c.ShouldBindJSON(&body)
	n := s.bus.RetryDeadLetters(body.IDs...)
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (s *Server) auditEntries(c *gin.Context) {
	if s.trail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit trail not enabled"})
		return
	}
	var entries []audit.Entry
	if symbol := c.Query("symbol"); symbol != "" {
		entries = s.trail.BySymbol(symbol)
	} else {
		entries = s.trail.Entries()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}
