// Package status serves a small read-only HTTP view of a running HAL server:
// a liveness probe and a JSON snapshot of the session and device counters.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/muxhal/internal/cpu"
	"github.com/samcharles93/muxhal/internal/server"
	"github.com/samcharles93/muxhal/internal/version"
	"github.com/samcharles93/muxhal/pkg/hal"
)

// Sources supplies the values reported by the endpoints. Nil functions are
// reported as absent.
type Sources struct {
	Platform hal.HAL
	Session  func() (server.Stats, bool)
	Device   func() (cpu.Stats, bool)
}

// Snapshot is the body of GET /v1/stats.
type Snapshot struct {
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Platform *hal.Info       `json:"platform,omitempty"`
	Device   *hal.DeviceInfo `json:"device,omitempty"`
	Session  *server.Stats   `json:"session,omitempty"`
	Counters *cpu.Stats      `json:"counters,omitempty"`
}

// Server exposes Sources over HTTP.
type Server struct {
	src     Sources
	started time.Time
}

func New(src Sources) *Server {
	return &Server{src: src, started: time.Now()}
}

// Register installs the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/stats", s.handleStats)
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 5 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	snap := s.Snapshot()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(http.StatusOK)
	return json.NewEncoder(res).Encode(snap)
}

// Snapshot collects the current values from every source.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Version: version.String(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.src.Platform != nil {
		info := s.src.Platform.Info()
		snap.Platform = &info
		if dev, ok := s.src.Platform.DeviceInfo(0); ok {
			snap.Device = &dev
		}
	}
	if s.src.Session != nil {
		if st, ok := s.src.Session(); ok {
			snap.Session = &st
		}
	}
	if s.src.Device != nil {
		if st, ok := s.src.Device(); ok {
			snap.Counters = &st
		}
	}
	return snap
}
