// Package health serves the liveness endpoint polled by the hosting platform.
package health

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Server struct {
	app     *fiber.App
	service string
	checks  map[string]Check
}

func New(service string) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
		}),
		service: service,
		checks:  map[string]Check{},
	}
	s.app.Get("/health", s.handleHealth)
	return s
}

// AddCheck registers a dependency check; a failing one turns /health into a 503.
func (s *Server) AddCheck(name string, c Check) {
	s.checks[name] = c
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	failed := fiber.Map{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"service": s.service,
			"checks":  failed,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":  "healthy",
		"service": s.service,
	})
}

// Listen blocks serving on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
