// Package trigger exposes the job over a minimal HTTP surface so an
// operator or scheduler can start, watch and abandon runs.
package trigger

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/khoanguyen-dev/report-runner/internal/job"
)

// Server is the HTTP trigger for the report job.
type Server struct {
	app    *fiber.App
	runner *job.Runner
	state  *job.State
	log    *slog.Logger
}

// New creates the trigger server around a runner and its run-state guard.
func New(runner *job.Runner, state *job.State, log *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	s := &Server{
		app:    app,
		runner: runner,
		state:  state,
		log:    log,
	}

	api := app.Group("/api/v1")
	api.Post("/run", s.handleRun)
	api.Get("/status", s.handleStatus)
	api.Post("/cancel", s.handleCancel)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	return s
}

// handleRun starts a job asynchronously. Only one job may run at a time;
// concurrent starts are rejected so two pollers never race on one mailbox.
func (s *Server) handleRun(c *fiber.Ctx) error {
	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	if !s.state.TryStart(jobID, cancel) {
		cancel()
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "a job is already running",
		})
	}

	s.log.Info("job accepted", "job_id", jobID)
	go func() {
		defer cancel()
		res := s.runner.Run(ctx)
		res.JobID = jobID
		s.state.Finish(res)
		s.log.Info("job finished", "job_id", jobID, "status", string(res.Status))
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": string(job.StatusRunning),
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.state.Snapshot())
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	if !s.state.Cancel() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "no job is running",
		})
	}
	s.log.Info("job cancellation requested")
	return c.JSON(fiber.Map{"status": "cancelling"})
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.Info("trigger server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
