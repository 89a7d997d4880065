// ============================================================================
// oqdist Control API
// ============================================================================
//
// Package: internal/api
// File: server.go
// Purpose: HTTP view of the run store plus cancellation and metrics
//
// Routes:
//   GET  /healthz              liveness
//   GET  /runs                 every run under the base directory, plus the
//                              admission queue of this process
//   GET  /runs/:id             run.json, and output.json once completed
//   GET  /runs/:id/events      the run journal
//   POST /runs/:id/cancel      Abort when the run lives in this process,
//                              otherwise CancelDetached (which also stops
//                              a job a timed-out phase left running)
//   GET  /metrics              Prometheus exposition
//
// The server never writes run state itself; cancellation goes through the
// orchestrator, which owns run.json.
//
// ============================================================================

package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/metrics"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Options wires the server. Only Runs is required.
type Options struct {
	Runs         *runstore.Store
	Orchestrator *orchestrator.Orchestrator // live runs of this process
	Backend      backend.Backend            // used to cancel runs of other processes
	Metrics      *metrics.Collector
	Log          *zap.Logger
}

// Server is the fiber application.
type Server struct {
	app  *fiber.App
	opts Options
}

func New(opts Options) (*Server, error) {
	if opts.Runs == nil {
		return nil, errors.New("api: run store is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "oqdist",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          errorHandler,
	})
	s := &Server{app: app, opts: opts}
	s.app.Use(fiberrecover.New())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/runs", s.listRuns)
	s.app.Get("/runs/:id", s.getRun)
	s.app.Get("/runs/:id/events", s.runEvents)
	s.app.Post("/runs/:id/cancel", s.cancelRun)
	if s.opts.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.opts.Metrics.Handler()))
	}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(addr) }()
	s.opts.Log.Info("control API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) listRuns(c *fiber.Ctx) error {
	runs, err := s.opts.Runs.List()
	if err != nil {
		return err
	}
	resp := RunListResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, summarize(r))
	}
	if o := s.opts.Orchestrator; o != nil {
		q := &QueueStatus{Waiting: o.Queue().Waiting()}
		if id, ok := o.Queue().Active(); ok {
			q.Active = &id
		}
		resp.Queue = q
	}
	return c.JSON(resp)
}

func (s *Server) getRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	var run *runstore.Run
	if o := s.opts.Orchestrator; o != nil {
		if live, ok := o.Status(id); ok {
			run = &live
		}
	}
	if run == nil {
		if run, err = s.opts.Runs.Load(id); err != nil {
			return err
		}
	}
	resp := RunResponse{Run: run}
	if run.State == types.RunCompleted {
		out, err := s.opts.Runs.LoadOutput(id)
		if err != nil {
			return err
		}
		resp.Output = out
	}
	return c.JSON(resp)
}

func (s *Server) runEvents(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	if _, err := s.opts.Runs.Load(id); err != nil {
		return err
	}
	events, err := journal.ReadAll(layout.JournalPath(s.opts.Runs.WorkDir(id)))
	if err != nil {
		return err
	}
	if events == nil {
		events = []journal.Event{}
	}
	return c.JSON(events)
}

func (s *Server) cancelRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Minute)
	defer cancel()

	if o := s.opts.Orchestrator; o != nil {
		err := o.Abort(ctx, id)
		if err == nil {
			s.opts.Log.Info("run aborted through API", zap.Stringer("run_id", id))
			return c.Status(fiber.StatusAccepted).JSON(orchestrator.CancelOutcome{RunID: id, Signalled: true})
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}
	out, err := orchestrator.CancelDetached(ctx, s.opts.Runs, s.opts.Backend, id, s.opts.Log)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(out)
}

func runID(c *fiber.Ctx) (types.RunID, error) {
	n, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid run id %q", c.Params("id")))
	}
	return types.RunID(n), nil
}

// errorHandler maps the error taxonomy onto status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, types.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunFinished):
		code = fiber.StatusConflict
	case errors.Is(err, types.ErrCorruption):
		code = fiber.StatusUnprocessableEntity
	}
	return c.Status(code).JSON(ErrorResponse{Error: fmt.Sprintf("error_%d", code), Message: err.Error()})
}
