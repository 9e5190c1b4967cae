// Package manager implements the manager service, the registry of live
// workers. It knows nothing about tasks.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/rpc"
)

// WorkerRegistry stores worker records. store.WorkerStore implements it.
type WorkerRegistry interface {
	Add(ctx context.Context, w model.Worker) error
	Find(ctx context.Context, id string) (model.Worker, error)
	List(ctx context.Context) ([]model.Worker, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type Service struct {
	workers       WorkerRegistry
	shutdownDelay time.Duration
	app           *fiber.App
	stopper       *rpc.Stopper
}

func New(workers WorkerRegistry, shutdownDelay time.Duration) (*Service, error) {
	stopper, err := rpc.NewStopper()
	if err != nil {
		return nil, err
	}
	s := &Service{
		workers:       workers,
		shutdownDelay: shutdownDelay,
		app:           rpc.NewApp("kale manager"),
		stopper:       stopper,
	}
	s.app.Get("/status", s.serveStatus)
	s.app.Post("/shutdown", s.serveShutdown)
	s.app.Post("/worker", s.serveAdd)
	s.app.Get("/worker", s.serveList)
	s.app.Get("/worker/:id", s.serveFind)
	s.app.Delete("/worker/:id", s.serveRemove)
	return s, nil
}

// App exposes the HTTP handlers, mostly for tests.
func (s *Service) App() *fiber.App {
	return s.app
}

// Run listens on host:port and serves until ctx is canceled or a shutdown
// request has been handled.
func (s *Service) Run(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("binding manager: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := s.stopper.Close(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	served := make(chan error, 1)
	go func() {
		served <- s.app.Listener(ln)
	}()
	slog.InfoContext(ctx, "manager listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case <-s.stopper.Done():
	case err := <-served:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
	if err := s.app.ShutdownWithTimeout(s.shutdownDelay + time.Second); err != nil {
		slog.WarnContext(ctx, "stopping http server", "error", err)
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Service) serveStatus(c *fiber.Ctx) error {
	n, err := s.workers.Count(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": fiber.Map{"num_workers": n}})
}

func (s *Service) serveAdd(c *fiber.Ctx) error {
	var w model.Worker
	if err := c.BodyParser(&w); err != nil {
		return rpc.BadRequest(err)
	}
	if w.ID == "" || w.Host == "" || w.Port <= 0 || w.Port > model.MaxPort {
		return rpc.BadRequest(fmt.Errorf("invalid worker %+v", w))
	}
	if w.Protocol == "" {
		w.Protocol = model.ProtocolHTTP
	}
	if err := s.workers.Add(c.UserContext(), w); err != nil {
		return err
	}
	slog.InfoContext(c.UserContext(), "worker added", "worker_id", w.ID, "addr", w.Addr())
	return c.Status(fiber.StatusCreated).JSON(statusResponse{Status: "worker added"})
}

func (s *Service) serveList(c *fiber.Ctx) error {
	workers, err := s.workers.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"workers": workers})
}

func (s *Service) serveFind(c *fiber.Ctx) error {
	w, err := s.workers.Find(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(w)
}

func (s *Service) serveRemove(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.workers.Remove(c.UserContext(), id); err != nil {
		return err
	}
	slog.InfoContext(c.UserContext(), "worker removed", "worker_id", id)
	return c.JSON(statusResponse{Status: "worker removed"})
}

func (s *Service) serveShutdown(c *fiber.Ctx) error {
	if err := s.stopper.StopAfter(s.shutdownDelay); err != nil {
		return err
	}
	slog.InfoContext(c.UserContext(), "manager shutting down", "delay", s.shutdownDelay)
	return c.JSON(statusResponse{
		Status: fmt.Sprintf("Shutting down in %d seconds!", int(s.shutdownDelay.Seconds())),
	})
}
