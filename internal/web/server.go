// Package web serves the monitoring feed: a server-sent event stream of the
// pipeline state and audit log, inspection endpoints for artifacts, stage
// inputs and snapshot diffs, and the reset/skip/unskip mutations.
package web

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/metrics"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

//go:embed static
var staticFS embed.FS

// CommitDiffer returns the detailed diff of one snapshot.
type CommitDiffer interface {
	CommitDiff(id string) (string, error)
}

// Deps are the sources the server reads and mutates.
type Deps struct {
	Store     *pipeline.Store
	Log       *audit.Log
	Artifacts *artifact.Store
	Commits   CommitDiffer
	Metrics   *metrics.Metrics
	// History is optional; /api/history answers 404 without it.
	History HistorySource
	// Feed pushes change notifications to /events. Nil sends one snapshot
	// per connection.
	Feed   *Broadcaster
	Logger *zap.Logger
}

// Server is the monitoring HTTP server.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	addr   string

	heartbeat time.Duration
}

// NewServer creates a Server listening on addr once started.
func NewServer(deps Deps, addr string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{echo: e, deps: deps, logger: logger, addr: addr, heartbeat: 15 * time.Second}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleIndex)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/events", s.handleEvents)

	api := s.echo.Group("/api")
	api.GET("/state", s.handleState)
	api.GET("/log", s.handleLog)
	api.GET("/artifacts", s.handleArtifactList)
	api.GET("/artifacts/:name", s.handleArtifact)
	api.GET("/context/:stage", s.handleContext)
	api.GET("/commits/:id/diff", s.handleCommitDiff)
	api.GET("/history", s.handleHistory)
	api.GET("/usage", s.handleUsage)
	api.POST("/stages/:stage/reset", s.handleReset)
	api.POST("/stages/:stage/skip", s.handleSkip)
	api.POST("/stages/:stage/unskip", s.handleUnskip)

	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting monitor", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and the feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down monitor")
	if s.deps.Feed != nil {
		_ = s.deps.Feed.Close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleIndex(c echo.Context) error {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	return c.HTMLBlob(http.StatusOK, data)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
