// Package api is the operator surface of the mirroring engine:
// account management, manual signals, control commands, and the
// websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mirror-core/internal/broadcast"
	"mirror-core/internal/control"
	"mirror-core/internal/events"
	"mirror-core/internal/ledger"
	"mirror-core/internal/monitor"
	"mirror-core/internal/reconciliation"
	"mirror-core/internal/registry"
	"mirror-core/internal/signal"
	"mirror-core/pkg/db"
)

// Server wires HTTP endpoints around the engine components.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Accounts  *registry.Registry
	Ingestor  *signal.Ingestor
	Ledger    *ledger.Ledger
	Control   *control.Service
	Recon     *reconciliation.Service
	Hub       *broadcast.Hub
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Testnet bool
	Symbols []string
	Version string
}

// NewServer builds the router with the full middleware stack.
func NewServer(bus *events.Bus, database *db.Database, accounts *registry.Registry, ingestor *signal.Ingestor, led *ledger.Ledger, ctl *control.Service, recon *reconciliation.Service, hub *broadcast.Hub, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Accounts:  accounts,
		Ingestor:  ingestor,
		Ledger:    led,
		Control:   ctl,
		Recon:     recon,
		Hub:       hub,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			// Signal injection (webhook-style sources)
			protected.POST("/signals", s.submitSignal)

			// Control plane
			protected.POST("/control/pause", s.pauseMirroring)
			protected.POST("/control/resume", s.resumeMirroring)
			protected.POST("/control/panic-close", s.panicCloseAll)
			protected.GET("/commands/:id", s.getCommand)

			// Account roster
			protected.GET("/accounts", s.listAccounts)
			protected.POST("/accounts", s.createAccount)
			protected.GET("/accounts/:id", s.getAccount)
			protected.DELETE("/accounts/:id", s.deleteAccount)
			protected.PUT("/accounts/:id/risk", s.updateAccountRisk)
			protected.PUT("/accounts/:id/credentials", s.rotateCredentials)
			protected.POST("/accounts/:id/pause", s.pauseAccount)
			protected.POST("/accounts/:id/resume", s.resumeAccount)

			// State snapshots
			protected.GET("/positions", s.listPositions)
			protected.GET("/trades", s.listTrades)
			protected.GET("/executions", s.listExecutions)
			protected.GET("/reconciliation", s.getReconciliation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
