package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFillCore/internal/auth"
	"github.com/KevinKickass/OpenFillCore/internal/config"
	"github.com/KevinKickass/OpenFillCore/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	rt          interfaces.FillerRuntime
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, rt interfaces.FillerRuntime, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		rt:          rt,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	// no WriteTimeout: websocket connections are long-lived
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background. A listen error is reported on the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)
		v1.GET("/auth/me", s.authService.AuthMiddleware(), s.currentRole)

		// ==================== MACHINE ====================
		m := v1.Group("/machine")
		m.Use(s.authService.AuthMiddleware())
		m.Use(auth.RequirePermission(auth.PermOperate))
		{
			m.GET("/status", s.getMachineStatus)
			m.GET("/flavours", s.listFlavours)
			m.GET("/records", s.listRecords)

			m.POST("/filling", s.setFilling)
			m.POST("/flavour", s.selectFlavour)
			m.POST("/batch", s.setBatch)
			m.POST("/topup/:side/start", s.startTopUp)
			m.POST("/topup/:side/stop", s.stopTopUp)
			m.POST("/prime/start", s.startPrime)
			m.POST("/prime/stop", s.stopPrime)

			// Technician
			m.POST("/speeds", auth.RequirePermission(auth.PermMaintain), s.setSpeeds)
			m.POST("/cleaning/start", auth.RequirePermission(auth.PermMaintain), s.startCleaning)
			m.POST("/cleaning/stop", auth.RequirePermission(auth.PermMaintain), s.stopCleaning)
		}

		// ==================== WEBSOCKET ====================
		// browsers cannot set headers on the upgrade, the token comes as ?token=
		ws := v1.Group("/ws")
		ws.Use(s.authService.AuthMiddleware())
		ws.Use(auth.RequirePermission(auth.PermOperate))
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, string(auth.CurrentRole(c)), c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// GET /health: 503 while any loop is stale.
func (s *Server) healthCheck(c *gin.Context) {
	healthy := s.rt.Healthy()
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"healthy":   healthy,
		"timestamp": time.Now().Unix(),
	})
}
