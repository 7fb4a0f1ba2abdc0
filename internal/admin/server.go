// Package admin provides an introspection HTTP server (bound to loopback by
// default, see config.AdminConfig): a
// liveness check and a JSON dump of the scheduler's current phase and
// caches, for operators watching the venus cutover happen in real time.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/venusproxy/internal/config"
	"github.com/tos-network/venusproxy/internal/logging"
	"github.com/tos-network/venusproxy/internal/scheduler"
)

// ConnStateFunc reports how many client connections the driver is
// currently serving.
type ConnStateFunc func() int

// Server is the admin HTTP server.
type Server struct {
	cfg    *config.AdminConfig
	sched  *scheduler.Scheduler
	router *gin.Engine
	server *http.Server

	connStateFunc ConnStateFunc
}

// schedulerResponse is the /debug/scheduler response body.
type schedulerResponse struct {
	Phase              string    `json:"phase"`
	RealNotifyCount    int       `json:"real_notify_count"`
	VenusNotifyCount   int       `json:"venus_notify_count"`
	HasRealSubscribe   bool      `json:"has_real_subscribe_cache"`
	HasVenusSubscribe  bool      `json:"has_venus_subscribe_cache"`
	HasRealNotify      bool      `json:"has_real_notify_cache"`
	HasVenusNotify     bool      `json:"has_venus_notify_cache"`
	HasRealDifficulty  bool      `json:"has_real_difficulty_cache"`
	HasVenusDifficulty bool      `json:"has_venus_difficulty_cache"`
	ActiveConnections  int       `json:"active_connections"`
	Now                time.Time `json:"now"`
}

// NewServer creates a new admin server bound to cfg.Bind. sched is the
// process-wide scheduler shared with the driver; connState, if set, feeds
// the active connection count into /debug/scheduler.
func NewServer(cfg *config.AdminConfig, sched *scheduler.Scheduler, connState ConnStateFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		sched:         sched,
		router:        router,
		connStateFunc: connState,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	s.router.GET("/debug/scheduler", s.handleDebugScheduler)
}

func (s *Server) handleDebugScheduler(c *gin.Context) {
	snap := s.sched.Snapshot()

	active := 0
	if s.connStateFunc != nil {
		active = s.connStateFunc()
	}

	c.JSON(200, schedulerResponse{
		Phase:              snap.Phase,
		RealNotifyCount:    snap.RealNotifyCount,
		VenusNotifyCount:   snap.VenusNotifyCount,
		HasRealSubscribe:   snap.HasRealSubscribe,
		HasVenusSubscribe:  snap.HasVenusSubscribe,
		HasRealNotify:      snap.HasRealNotify,
		HasVenusNotify:     snap.HasVenusNotify,
		HasRealDifficulty:  snap.HasRealDifficulty,
		HasVenusDifficulty: snap.HasVenusDifficulty,
		ActiveConnections:  active,
		Now:                time.Now(),
	})
}

// Start begins serving on cfg.Bind in the background. It is a no-op if the
// admin server is disabled in config.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	logging.Infof("admin server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("admin server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the admin server, if it was started.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
