package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/kale-workflow/kale/internal/model"
)

// NewWorkerID returns a fresh random worker id.
func NewWorkerID() string {
	return uuid.NewString()
}

// SpawnOptions describe how a worker process is launched.
type SpawnOptions struct {
	// Path of the kale executable, empty means the running one.
	Path string
	// Env of the worker, nil inherits the current environment.
	Env         []string
	ManagerHost string
	ManagerPort int
	// Args are appended to the worker command line.
	Args []string
}

// WorkerCommand is the command line of a worker, without the executable.
func WorkerCommand(id string, opts SpawnOptions) []string {
	args := []string{
		"worker", id,
		"--random-port",
		"--manager-host", opts.ManagerHost,
		"--manager-port", strconv.Itoa(opts.ManagerPort),
	}
	return append(args, opts.Args...)
}

// SpawnWorker starts a detached worker process in its own process group.
// The worker registers itself with the manager; use
// ManagerClient.WaitForWorker to find it.
func SpawnWorker(ctx context.Context, id string, opts SpawnOptions) (*os.Process, error) {
	path := opts.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, WorkerCommand(id, opts)...)
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker %s: %w", id, err)
	}
	slog.DebugContext(ctx, "worker spawned", "worker_id", id, "pid", cmd.Process.Pid)
	// reap it if it exits while we run
	go func() { _ = cmd.Wait() }()
	return cmd.Process, nil
}

type RunOptions struct {
	Spawn  SpawnOptions
	Client Options
}

// RunFunction runs the allow-listed function fn on a freshly spawned
// worker and decodes its result into out. The task is stopped and the
// worker shut down in every case.
func RunFunction(ctx context.Context, opts RunOptions, fn string, args []any, kwargs map[string]any, out any) (err error) {
	manager, err := NewManagerClient(ctx, opts.Spawn.ManagerHost, opts.Spawn.ManagerPort, opts.Client)
	if err != nil {
		return err
	}

	id := NewWorkerID()
	proc, err := SpawnWorker(ctx, id, opts.Spawn)
	if err != nil {
		return err
	}

	cleanup := context.WithoutCancel(ctx)
	var worker *WorkerClient
	defer func() {
		if worker == nil {
			_ = proc.Kill()
			return
		}
		if _, serr := worker.Shutdown(cleanup); serr != nil {
			slog.WarnContext(cleanup, "shutting worker down", "worker_id", id, "error", serr)
			_ = proc.Kill()
		}
	}()

	w, err := manager.WaitForWorker(ctx, id)
	if err != nil {
		return err
	}
	worker, err = NewWorkerClient(ctx, w, opts.Client)
	if err != nil {
		return err
	}

	taskID, err := worker.RegisterFunctionTask(ctx, fn, fn, args, kwargs)
	if err != nil {
		return fmt.Errorf("registering %s: %w", fn, err)
	}
	if _, err := worker.StartTask(ctx, taskID); err != nil {
		return fmt.Errorf("starting %s: %w", fn, err)
	}
	defer func() {
		if _, serr := worker.StopTask(cleanup, taskID); serr != nil {
			err = errors.Join(err, fmt.Errorf("stopping %s: %w", fn, serr))
		}
	}()

	if _, err := worker.WaitForStart(ctx, taskID); err != nil {
		return fmt.Errorf("waiting for %s to start: %w", fn, err)
	}
	if err := worker.WaitForResults(ctx, taskID, out); err != nil {
		return fmt.Errorf("results of %s: %w", fn, err)
	}
	return nil
}

// LocalManager is where a worker spawned on this host finds the default
// manager.
func LocalManager() SpawnOptions {
	return SpawnOptions{
		ManagerHost: model.DefaultManagerHost,
		ManagerPort: model.DefaultManagerPort,
	}
}
