package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/model"
)

// ManagerClient talks to the manager's worker registry.
type ManagerClient struct {
	base
}

// NewManagerClient waits up to the wait timeout for the manager to answer.
func NewManagerClient(ctx context.Context, host string, port int, opts Options) (*ManagerClient, error) {
	c := &ManagerClient{base: newBase(host, port, opts)}
	err := Poll(ctx, opts.RetryInterval, opts.WaitTimeout, func(ctx context.Context) (bool, error) {
		_, err := c.Status(ctx)
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to manager %s: %w", c.url, err)
	}
	return c, nil
}

type workerList struct {
	Workers []model.Worker `json:"workers"`
}

type managerStatus struct {
	Status struct {
		NumWorkers int `json:"num_workers"`
	} `json:"status"`
}

type statusMessage struct {
	Status string `json:"status"`
}

func (c *ManagerClient) AddWorker(ctx context.Context, w model.Worker) error {
	return c.do(ctx, fiber.MethodPost, "/worker", w, nil)
}

func (c *ManagerClient) RemoveWorker(ctx context.Context, id string) error {
	return c.do(ctx, fiber.MethodDelete, "/worker/"+url.PathEscape(id), nil, nil)
}

func (c *ManagerClient) GetWorker(ctx context.Context, id string) (model.Worker, error) {
	var w model.Worker
	err := c.do(ctx, fiber.MethodGet, "/worker/"+url.PathEscape(id), nil, &w)
	return w, err
}

func (c *ManagerClient) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	var list workerList
	err := c.do(ctx, fiber.MethodGet, "/worker", nil, &list)
	return list.Workers, err
}

// Status returns the number of registered workers.
func (c *ManagerClient) Status(ctx context.Context) (int, error) {
	var st managerStatus
	err := c.do(ctx, fiber.MethodGet, "/status", nil, &st)
	return st.Status.NumWorkers, err
}

func (c *ManagerClient) Shutdown(ctx context.Context) (string, error) {
	var msg statusMessage
	err := c.do(ctx, fiber.MethodPost, "/shutdown", nil, &msg)
	return msg.Status, err
}

// WaitForWorker polls the manager until the worker id is registered.
func (c *ManagerClient) WaitForWorker(ctx context.Context, id string) (model.Worker, error) {
	var w model.Worker
	err := Poll(ctx, c.opts.PollInterval, c.opts.WaitTimeout, func(ctx context.Context) (bool, error) {
		var err error
		w, err = c.GetWorker(ctx, id)
		if errors.Is(err, model.ErrWorkerNotFound) {
			slog.DebugContext(ctx, "worker not registered yet", "worker_id", id)
		}
		return err == nil, err
	})
	if err != nil {
		return model.Worker{}, fmt.Errorf("waiting for worker %s: %w", id, err)
	}
	return w, nil
}
