package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/log"
	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/rpc"
)

func (s *Service) routes() {
	s.app.Use(func(c *fiber.Ctx) error {
		ctx := log.ContextAttrs(c.UserContext(), slog.String("worker_id", s.cfg.ID))
		c.SetUserContext(ctx)
		return c.Next()
	})

	s.app.Get("/", s.serveStatus)
	s.app.Post("/shutdown", s.serveShutdown)

	task := s.app.Group("/task")
	task.Post("/", s.serveRegister)
	task.Get("/", s.serveTasks)
	task.Get("/:id/status", s.serveTaskStatus)
	task.Post("/:id/start", s.serveStart)
	task.Post("/:id/stop", s.serveStop)
	task.Post("/:id/suspend", s.serveSuspend)
	task.Post("/:id/resume", s.serveResume)
	task.Get("/:id/resources", s.serveResources)
	task.Get("/:id/results", s.serveResults)
}

type statusResponse struct {
	Status string `json:"status"`
}

type registerRequest struct {
	Target model.Blob `json:"target"`
	Call   string     `json:"call"`
	Args   model.Blob `json:"args"`
	Kwargs model.Blob `json:"kwargs"`
	Name   string     `json:"task_name"`
}

func taskID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, rpc.BadRequest(fmt.Errorf("task id %q: %w", c.Params("id"), err))
	}
	return id, nil
}

func taskContext(c *fiber.Ctx, id int64) context.Context {
	return log.ContextAttrs(c.UserContext(), slog.Int64("task_id", id))
}

func (s *Service) serveStatus(c *fiber.Ctx) error {
	return c.JSON(statusResponse{Status: stateOf(c.UserContext())})
}

func (s *Service) serveRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return rpc.BadRequest(err)
	}
	if req.Call == "" {
		return rpc.BadRequest(fmt.Errorf("call is empty"))
	}
	id, err := s.tasks.RegisterTask(c.UserContext(), model.Task{
		Target: req.Target,
		Call:   req.Call,
		Args:   req.Args,
		Kwargs: req.Kwargs,
		Name:   req.Name,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"id": id})
}

func (s *Service) serveTasks(c *fiber.Ctx) error {
	tasks, err := s.tasks.Tasks(c.UserContext())
	if err != nil {
		return err
	}
	summaries := make([]model.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, t.Summary())
	}
	return c.JSON(fiber.Map{"tasks": summaries})
}

func (s *Service) serveTaskStatus(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	status, err := s.tasks.TaskStatus(taskContext(c, id), id)
	if err != nil {
		return err
	}
	return c.JSON(statusResponse{Status: status})
}

func (s *Service) serveStart(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	pid, err := s.tasks.StartTask(taskContext(c, id), id)
	if err != nil {
		return fmt.Errorf("%d failed to start: %w", id, err)
	}
	return c.JSON(fiber.Map{"pid": pid})
}

func (s *Service) serveStop(c *fiber.Ctx) error {
	return s.control(c, "stopped", s.tasks.StopTask)
}

func (s *Service) serveSuspend(c *fiber.Ctx) error {
	return s.control(c, "suspended", s.tasks.SuspendTask)
}

func (s *Service) serveResume(c *fiber.Ctx) error {
	return s.control(c, "resumed", s.tasks.ResumeTask)
}

func (s *Service) control(c *fiber.Ctx, done string, op func(context.Context, int64) error) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := op(taskContext(c, id), id); err != nil {
		return err
	}
	return c.JSON(statusResponse{Status: fmt.Sprintf("%d %s", id, done)})
}

func (s *Service) serveResources(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	snap, err := s.tasks.TaskResources(taskContext(c, id), id)
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *Service) serveResults(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	res, err := s.tasks.TaskResults(taskContext(c, id), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"results": res})
}

func (s *Service) serveShutdown(c *fiber.Ctx) error {
	ctx := context.WithoutCancel(c.UserContext())
	s.shutdown(ctx)
	if err := s.stopper.StopAfter(s.cfg.ShutdownDelay); err != nil {
		return err
	}
	slog.InfoContext(ctx, "worker shutting down", "delay", s.cfg.ShutdownDelay)
	return c.JSON(statusResponse{
		Status: fmt.Sprintf("Shutting down in %d seconds!", int(s.cfg.ShutdownDelay.Seconds())),
	})
}
