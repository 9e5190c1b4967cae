package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/callable"
	"github.com/kale-workflow/kale/internal/model"
)

// WorkerClient drives the tasks of one worker.
type WorkerClient struct {
	base
}

// NewWorkerClient checks that the worker answers, retrying transport
// errors a bounded number of times.
func NewWorkerClient(ctx context.Context, w model.Worker, opts Options) (*WorkerClient, error) {
	c := &WorkerClient{base: newBaseURL(w.URL(), opts)}
	err := retry(ctx, opts.Retries, opts.RetryInterval, func() error {
		_, err := c.ServiceStatus(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to worker %s: %w", c.url, err)
	}
	return c, nil
}

type taskRef struct {
	ID int64 `json:"id"`
}

type taskPID struct {
	PID int `json:"pid"`
}

type taskList struct {
	Tasks []model.TaskSummary `json:"tasks"`
}

type taskResults struct {
	Results model.Blob `json:"results"`
}

func taskPath(id int64, op string) string {
	return "/task/" + strconv.FormatInt(id, 10) + "/" + op
}

// ServiceStatus returns the OS state of the worker process.
func (c *WorkerClient) ServiceStatus(ctx context.Context) (string, error) {
	var msg statusMessage
	err := c.do(ctx, fiber.MethodGet, "/", nil, &msg)
	return msg.Status, err
}

func (c *WorkerClient) RegisterTask(ctx context.Context, task model.Task) (int64, error) {
	var ref taskRef
	err := c.do(ctx, fiber.MethodPost, "/task", task, &ref)
	return ref.ID, err
}

// RegisterFunctionTask registers a call of an allow-listed function.
func (c *WorkerClient) RegisterFunctionTask(ctx context.Context, name, fn string, args []any, kwargs map[string]any) (int64, error) {
	return c.registerCall(ctx, name, callable.FunctionTarget(), fn, args, kwargs)
}

// RegisterMethodTask registers a call of method on a receiver rebuilt from
// state.
func (c *WorkerClient) RegisterMethodTask(ctx context.Context, name, receiver string, state any, method string, args []any, kwargs map[string]any) (int64, error) {
	target, err := callable.MethodTarget(receiver, state)
	if err != nil {
		return 0, err
	}
	return c.registerCall(ctx, name, target, method, args, kwargs)
}

func (c *WorkerClient) registerCall(ctx context.Context, name string, target callable.Target, call string, args []any, kwargs map[string]any) (int64, error) {
	rawTarget, err := target.Encode()
	if err != nil {
		return 0, err
	}
	rawArgs, err := callable.EncodeArgs(args...)
	if err != nil {
		return 0, err
	}
	rawKwargs, err := callable.EncodeKwargs(kwargs)
	if err != nil {
		return 0, err
	}
	return c.RegisterTask(ctx, model.Task{
		Target: rawTarget,
		Call:   call,
		Args:   rawArgs,
		Kwargs: rawKwargs,
		Name:   name,
	})
}

func (c *WorkerClient) StartTask(ctx context.Context, id int64) (int, error) {
	var p taskPID
	err := c.do(ctx, fiber.MethodPost, taskPath(id, "start"), nil, &p)
	return p.PID, err
}

func (c *WorkerClient) StopTask(ctx context.Context, id int64) (string, error) {
	return c.control(ctx, id, "stop")
}

func (c *WorkerClient) SuspendTask(ctx context.Context, id int64) (string, error) {
	return c.control(ctx, id, "suspend")
}

func (c *WorkerClient) ResumeTask(ctx context.Context, id int64) (string, error) {
	return c.control(ctx, id, "resume")
}

func (c *WorkerClient) control(ctx context.Context, id int64, op string) (string, error) {
	var msg statusMessage
	err := c.do(ctx, fiber.MethodPost, taskPath(id, op), nil, &msg)
	return msg.Status, err
}

func (c *WorkerClient) Tasks(ctx context.Context) ([]model.TaskSummary, error) {
	var list taskList
	err := c.do(ctx, fiber.MethodGet, "/task", nil, &list)
	return list.Tasks, err
}

func (c *WorkerClient) TaskStatus(ctx context.Context, id int64) (string, error) {
	var msg statusMessage
	err := c.do(ctx, fiber.MethodGet, taskPath(id, "status"), nil, &msg)
	return msg.Status, err
}

func (c *WorkerClient) TaskResources(ctx context.Context, id int64) (map[string]any, error) {
	var snap map[string]any
	err := c.do(ctx, fiber.MethodGet, taskPath(id, "resources"), nil, &snap)
	return snap, err
}

// TaskResultsRaw returns the JSON encoded result of the task.
func (c *WorkerClient) TaskResultsRaw(ctx context.Context, id int64) (model.Blob, error) {
	var res taskResults
	err := c.do(ctx, fiber.MethodGet, taskPath(id, "results"), nil, &res)
	return res.Results, err
}

// TaskResults decodes the result of the task into out.
func (c *WorkerClient) TaskResults(ctx context.Context, id int64, out any) error {
	raw, err := c.TaskResultsRaw(ctx, id)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding results of task %d: %w", id, err)
	}
	return nil
}

func (c *WorkerClient) Shutdown(ctx context.Context) (string, error) {
	var msg statusMessage
	err := c.do(ctx, fiber.MethodPost, "/shutdown", nil, &msg)
	return msg.Status, err
}

// WaitForStart polls until the task process has been started and returns
// the status seen.
func (c *WorkerClient) WaitForStart(ctx context.Context, id int64) (string, error) {
	var status string
	err := Poll(ctx, c.opts.PollInterval, c.opts.WaitTimeout, func(ctx context.Context) (bool, error) {
		var err error
		status, err = c.TaskStatus(ctx, id)
		return err == nil && model.IsStarted(status), err
	})
	return status, err
}

// WaitForResults polls until the task result is available and decodes it
// into out. It gives up early when the task exited without a result.
func (c *WorkerClient) WaitForResults(ctx context.Context, id int64, out any) error {
	var final error
	err := Poll(ctx, c.opts.PollInterval, c.opts.WaitTimeout, func(ctx context.Context) (bool, error) {
		err := c.TaskResults(ctx, id, out)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, model.ErrResultPending), errors.Is(err, ErrUnavailable):
			return false, err
		default:
			final = err
			return true, nil
		}
	})
	if final != nil {
		return final
	}
	return err
}
