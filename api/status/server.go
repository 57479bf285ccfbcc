// Package status serves the master's read-only status API. Observation
// only; the coordinator is never driven over HTTP.
package status

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"symfleet/internal/master"
)

// Source is what the server reports on.
type Source interface {
	RunID() string
	Queued() int
	Registry() *master.Registry
}

// Server is the fiber app wrapping a Source.
type Server struct {
	app    *fiber.App
	source Source
}

// New builds the status server.
func New(source Source) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	s := &Server{app: app, source: source}

	api := app.Group("/api/v1")
	api.Get("/health", s.handleHealth)
	api.Get("/status", s.handleStatus)

	return s
}

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() {
	_ = s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	reg := s.source.Registry()
	return c.JSON(fiber.Map{
		"run_id":          s.source.RunID(),
		"queued_prefixes": s.source.Queued(),
		"workers":         reg.Snapshot(),
		"free":            reg.FreeCount(),
		"live":            reg.LiveCount(),
		"ready":           reg.ReadyCount(),
		"offload_active":  reg.OffloadInFlight(),
	})
}
