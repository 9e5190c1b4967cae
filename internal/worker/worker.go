// Package worker implements the worker service: the task manager of one
// worker exposed over HTTP, plus its registration with the manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/rpc"
	"github.com/kale-workflow/kale/internal/service"
)

// Tasks is what the HTTP surface needs from a task manager.
// service.TaskManager implements it.
type Tasks interface {
	RegisterTask(ctx context.Context, task model.Task) (int64, error)
	Tasks(ctx context.Context) ([]model.Task, error)
	StartTask(ctx context.Context, id int64) (int, error)
	StopTask(ctx context.Context, id int64) error
	SuspendTask(ctx context.Context, id int64) error
	ResumeTask(ctx context.Context, id int64) error
	TaskStatus(ctx context.Context, id int64) (string, error)
	TaskResults(ctx context.Context, id int64) (model.Blob, error)
	TaskResources(ctx context.Context, id int64) (service.Snapshot, error)
	Shutdown(ctx context.Context) error
}

// Registrar registers the worker. client.ManagerClient implements it.
type Registrar interface {
	AddWorker(ctx context.Context, w model.Worker) error
	RemoveWorker(ctx context.Context, id string) error
}

type Config struct {
	ID         string
	Host       string
	Port       int
	PortMax    int
	RandomPort bool

	ManagerHost string
	ManagerPort int

	ShutdownDelay time.Duration
	ProbeTimeout  time.Duration
}

// ConfigFrom takes the worker and manager sections of cfg.
func ConfigFrom(id string, cfg model.Config) Config {
	return Config{
		ID:            id,
		Host:          cfg.Worker.Host,
		Port:          cfg.Worker.Port,
		PortMax:       cfg.Worker.PortMax,
		ManagerHost:   cfg.Manager.Host,
		ManagerPort:   cfg.Manager.Port,
		ShutdownDelay: cfg.Worker.ShutdownDelay.AsDuration(),
		ProbeTimeout:  cfg.Worker.ProbeTimeout.AsDuration(),
	}
}

type Service struct {
	cfg     Config
	tasks   Tasks
	manager Registrar
	app     *fiber.App
	stopper *rpc.Stopper

	mx           sync.Mutex
	self         model.Worker
	registered   bool
	shutdownOnce sync.Once
}

func New(cfg Config, tasks Tasks, manager Registrar) (*Service, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = model.DefaultWorkerPort
	}
	if cfg.PortMax < cfg.Port {
		cfg.PortMax = model.MaxPort
	}
	stopper, err := rpc.NewStopper()
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		tasks:   tasks,
		manager: manager,
		app:     rpc.NewApp("kale worker " + cfg.ID),
		stopper: stopper,
	}
	s.routes()
	return s, nil
}

// App exposes the HTTP handlers, mostly for tests.
func (s *Service) App() *fiber.App {
	return s.app
}

// Self is the record advertised to the manager.
func (s *Service) Self() model.Worker {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.self
}

func (s *Service) listen() (net.Listener, error) {
	if s.cfg.RandomPort {
		return BindRandom(s.cfg.Host)
	}
	return Bind(s.cfg.Host, s.cfg.Port, s.cfg.PortMax)
}

// Run binds a port, registers with the manager and serves until ctx is
// canceled or a shutdown request has been handled. A failed registration
// ends Run with an error.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.stopper.Close(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	ln, err := s.listen()
	if err != nil {
		return err
	}
	port := listenPort(ln)

	managerAddr := net.JoinHostPort(s.cfg.ManagerHost, strconv.Itoa(s.cfg.ManagerPort))
	host, err := RouteAddr(ctx, managerAddr, s.cfg.ProbeTimeout)
	if err != nil {
		ln.Close()
		return err
	}
	s.mx.Lock()
	s.self = model.Worker{ID: s.cfg.ID, Protocol: model.ProtocolHTTP, Host: host, Port: port}
	s.mx.Unlock()

	served := make(chan error, 1)
	go func() {
		served <- s.app.Listener(ln)
	}()

	slog.InfoContext(ctx, "worker listening", "addr", ln.Addr().String(), "advertised", s.self.Addr())
	if err := s.manager.AddWorker(ctx, s.Self()); err != nil {
		_ = s.app.ShutdownWithTimeout(time.Second)
		_ = s.tasks.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("registering worker %s with %s: %w", s.cfg.ID, managerAddr, err)
	}
	s.mx.Lock()
	s.registered = true
	s.mx.Unlock()
	slog.InfoContext(ctx, "worker registered", "worker_id", s.cfg.ID)

	select {
	case <-ctx.Done():
		s.shutdown(context.WithoutCancel(ctx))
	case <-s.stopper.Done():
	case err := <-served:
		s.shutdown(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}

	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownDelay + time.Second); err != nil {
		slog.WarnContext(ctx, "stopping http server", "error", err)
	}
	return nil
}

// shutdown terminates all tasks and unregisters the worker. Only the first
// call does anything.
func (s *Service) shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		if err := s.tasks.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "shutting tasks down", "error", err)
		}
		s.mx.Lock()
		registered := s.registered
		s.registered = false
		s.mx.Unlock()
		if !registered {
			return
		}
		if err := s.manager.RemoveWorker(ctx, s.cfg.ID); err != nil {
			slog.WarnContext(ctx, "unregistering worker", "worker_id", s.cfg.ID, "error", err)
		}
	})
}

// stateOf reports the OS state of this worker process.
func stateOf(ctx context.Context) string {
	state, err := service.State(ctx, os.Getpid())
	if err != nil {
		return model.StateRunning
	}
	return state
}
