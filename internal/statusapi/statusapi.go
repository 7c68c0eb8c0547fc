// Package statusapi exposes a small read-only HTTP surface over the
// scheduler's state (the single-writer flag and the live worker count;
// queue depth is not reported) for operators and monitoring, following the echo server and
// JWT-bearer middleware pattern used elsewhere in this codebase. It never
// mutates the registry or inventory: every route here is GET-only.
package statusapi

import (
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"dynamo.dev/internal/dlog"
	"dynamo.dev/security"
)

var log = dlog.WithComponent("statusapi")

// Snapshot is the point-in-time scheduler state a Reporter exposes.
type Snapshot struct {
	Writing     bool `json:"writing"`
	LiveWorkers int  `json:"live_workers"`
}

// Reporter is implemented by the scheduler; statusapi only ever reads it.
type Reporter interface {
	Snapshot() Snapshot
}

// Deps wires the server's collaborators. JWTKey is optional: when empty,
// the server serves the status routes without authentication, which is
// only appropriate for a loopback-bound address.
type Deps struct {
	JWTKey string
}

// Server is the status HTTP surface.
type Server struct {
	e        *echo.Echo
	jwtSvc   *security.JWTService
	mu       sync.RWMutex
	reporter Reporter
}

// New constructs a Server. Attach must be called once a Reporter (the
// running Scheduler) exists.
func New(deps Deps) *Server {
	s := &Server{e: echo.New()}
	s.e.HideBanner = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestID())

	if deps.JWTKey != "" {
		s.jwtSvc = security.NewJWTService(deps.JWTKey)
		s.e.GET("/status", s.handleStatus, s.requireBearer)
	} else {
		s.e.GET("/status", s.handleStatus)
	}
	s.e.GET("/healthz", s.handleHealthz)
	return s
}

// Attach wires the live scheduler so /status reports real state. Safe to
// call concurrently with request handling.
func (s *Server) Attach(r Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter = r
}

// Start blocks serving on addr until the listener fails.
func (s *Server) Start(addr string) error {
	log.WithField("addr", addr).Info("status API listening")
	return s.e.Start(addr)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.RLock()
	r := s.reporter
	s.mu.RUnlock()
	if r == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scheduler not yet attached"})
	}
	return c.JSON(http.StatusOK, r.Snapshot())
}

// requireBearer validates an "Authorization: Bearer <token>" header against
// the configured JWTService, rejecting the request otherwise. Modeled on
// the scope-checking middleware's auth-header parsing, trimmed to this
// surface's read-only, scope-free needs.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}
		token := strings.TrimPrefix(header, prefix)
		if _, err := s.jwtSvc.ValidateToken(token); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		return next(c)
	}
}
