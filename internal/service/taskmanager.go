package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kale-workflow/kale/internal/callable"
	"github.com/kale-workflow/kale/internal/model"
	"golang.org/x/sync/errgroup"
)

// TaskRegistry stores task records. store.TaskStore implements it.
type TaskRegistry interface {
	Add(ctx context.Context, task model.Task) (int64, error)
	Find(ctx context.Context, id int64) (model.Task, error)
	List(ctx context.Context) ([]model.Task, error)
	UpdatePID(ctx context.Context, id int64, pid int) error
	Remove(ctx context.Context, id int64) error
}

type Options struct {
	// JoinTimeout bounds each wait for a terminated process.
	JoinTimeout time.Duration
	// OutputDir receives <pid>.out and <pid>.err of every task.
	OutputDir string
	// LoopInterval is the idle loop period of a finished task.
	LoopInterval time.Duration
	// ShutdownLimit is the number of tasks terminated concurrently.
	ShutdownLimit int
}

func DefaultOptions() Options {
	return Options{
		JoinTimeout:   3 * time.Second,
		LoopInterval:  time.Second,
		ShutdownLimit: 8,
	}
}

// resultWait is how long results waits for the reader goroutine of a
// process that has already exited.
const resultWait = 100 * time.Millisecond

type handle struct {
	proc      *Process
	result    []byte
	hasResult bool
}

// TaskManager drives the lifecycle of the tasks of one worker.
type TaskManager struct {
	workerID   string
	tasks      TaskRegistry
	callables  *callable.Registry
	supervisor *Supervisor
	opts       Options

	// mx guards handles, locks and closed. A task's lock is held for its
	// whole start or stop, and is taken before mx.
	mx      sync.Mutex
	handles map[int64]*handle
	locks   map[int64]*sync.Mutex
	closed  bool
}

func NewTaskManager(workerID string, tasks TaskRegistry, callables *callable.Registry, supervisor *Supervisor, opts Options) *TaskManager {
	def := DefaultOptions()
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = def.JoinTimeout
	}
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = def.LoopInterval
	}
	if opts.ShutdownLimit <= 0 {
		opts.ShutdownLimit = def.ShutdownLimit
	}
	return &TaskManager{
		workerID:   workerID,
		tasks:      tasks,
		callables:  callables,
		supervisor: supervisor,
		opts:       opts,
		handles:    make(map[int64]*handle),
		locks:      make(map[int64]*sync.Mutex),
	}
}

// lock serializes the lifecycle changes of one task.
func (m *TaskManager) lock(id int64) func() {
	m.mx.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = new(sync.Mutex)
		m.locks[id] = l
	}
	m.mx.Unlock()
	l.Lock()
	return l.Unlock
}

// RegisterTask stores the task without interpreting its payload.
func (m *TaskManager) RegisterTask(ctx context.Context, task model.Task) (int64, error) {
	id, err := m.tasks.Add(ctx, task)
	if err != nil {
		return 0, err
	}
	slog.DebugContext(ctx, "task registered", "task_id", id, "call", task.Call, "task_name", task.Name)
	return id, nil
}

func (m *TaskManager) Tasks(ctx context.Context) ([]model.Task, error) {
	return m.tasks.List(ctx)
}

// StartTask spawns a process for the task and returns its pid. The call is
// resolved before spawning, so an unknown call fails with
// model.ErrNotCallable. After Shutdown it fails with model.ErrShuttingDown.
func (m *TaskManager) StartTask(ctx context.Context, id int64) (int, error) {
	defer m.lock(id)()

	task, err := m.tasks.Find(ctx, id)
	if err != nil {
		return 0, err
	}
	m.mx.Lock()
	prev, closed := m.handles[id], m.closed
	m.mx.Unlock()
	if closed {
		return 0, fmt.Errorf("task %d: %w", id, model.ErrShuttingDown)
	}
	if prev != nil && prev.proc.Alive() {
		return 0, fmt.Errorf("task %d (pid %d): %w", id, prev.proc.PID(), model.ErrTaskRunning)
	}

	target, err := callable.DecodeTarget(task.Target)
	if err != nil {
		return 0, fmt.Errorf("task %d: %w: %w", id, model.ErrNotCallable, err)
	}
	if _, err := callable.DecodeArgs(task.Args, task.Kwargs); err != nil {
		return 0, fmt.Errorf("task %d: %w: %w", id, model.ErrNotCallable, err)
	}
	if _, err := m.callables.Resolve(target, task.Call); err != nil {
		return 0, fmt.Errorf("task %d: %w", id, err)
	}

	proc, err := m.supervisor.Start(ctx, Invocation{
		Target:    task.Target,
		Call:      task.Call,
		Args:      task.Args,
		Kwargs:    task.Kwargs,
		Name:      task.Name,
		OutputDir: m.opts.OutputDir,
		Interval:  model.Duration(m.opts.LoopInterval),
	})
	if err != nil {
		return 0, fmt.Errorf("task %d: %w", id, err)
	}
	if prev != nil {
		_ = prev.proc.Results().Close()
	}

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		_ = proc.Terminate(ctx, m.opts.JoinTimeout)
		return 0, fmt.Errorf("task %d: %w", id, model.ErrShuttingDown)
	}
	m.handles[id] = &handle{proc: proc}
	m.mx.Unlock()

	if err := m.tasks.UpdatePID(ctx, id, proc.PID()); err != nil {
		_ = proc.Terminate(ctx, m.opts.JoinTimeout)
		m.mx.Lock()
		delete(m.handles, id)
		m.mx.Unlock()
		return 0, err
	}
	slog.InfoContext(ctx, "task started", "task_id", id, "pid", proc.PID())
	return proc.PID(), nil
}

// TaskStatus is "not running" for a task without a process, the OS state
// of its process, "dead" once the process is gone, or a result-aware
// variant after the result has been retrieved.
func (m *TaskManager) TaskStatus(ctx context.Context, id int64) (string, error) {
	task, err := m.tasks.Find(ctx, id)
	if err != nil {
		return "", err
	}
	if task.PID == model.NoPID {
		return model.StatusNotRunning, nil
	}

	m.mx.Lock()
	h := m.handles[id]
	hasResult := h != nil && h.hasResult
	m.mx.Unlock()

	state := model.StatusDead
	if h == nil || h.proc.Alive() {
		if s, err := State(ctx, task.PID); err == nil {
			state = s
		}
	}
	if !hasResult {
		return state, nil
	}
	if state == model.StateRunning {
		return model.StatusCompleted, nil
	}
	return model.StatusResultsAvailable + ", " + state, nil
}

// TaskResults returns the JSON result of the task. The result is read from
// the process once and cached.
func (m *TaskManager) TaskResults(ctx context.Context, id int64) (model.Blob, error) {
	if _, err := m.tasks.Find(ctx, id); err != nil {
		return nil, err
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	h := m.handles[id]
	if h == nil {
		return nil, fmt.Errorf("task %d has not been started yet: %w", id, model.ErrNotStarted)
	}
	if h.hasResult {
		return h.result, nil
	}
	if m.drain(h) {
		return h.result, nil
	}
	if h.proc.Alive() {
		return nil, fmt.Errorf("task %d is alive, results are not yet available: %w", id, model.ErrResultPending)
	}

	// the frame may still be in flight from an exited process
	select {
	case <-h.proc.Results().Done():
	case <-time.After(resultWait):
	}
	if m.drain(h) {
		return h.result, nil
	}
	code, _ := h.proc.ExitCode()
	return nil, fmt.Errorf("task %d exited with code %d and did not return a result: %w", id, code, model.ErrNoResult)
}

func (m *TaskManager) drain(h *handle) bool {
	payload, ok := h.proc.Results().Poll()
	if !ok {
		return false
	}
	h.result, h.hasResult = payload, true
	_ = h.proc.Results().Close()
	return true
}

// StopTask closes the result channel, terminates the task process tree and
// resets the pid. It succeeds for tasks in any state.
func (m *TaskManager) StopTask(ctx context.Context, id int64) error {
	defer m.lock(id)()

	task, err := m.tasks.Find(ctx, id)
	if err != nil {
		return err
	}

	m.mx.Lock()
	h := m.handles[id]
	m.mx.Unlock()
	if h != nil {
		_ = h.proc.Results().Close()
	}

	if task.PID != model.NoPID {
		m.terminate(ctx, id, task.PID, h)
	}

	if err := m.tasks.UpdatePID(ctx, id, model.NoPID); err != nil {
		return err
	}
	slog.DebugContext(ctx, "task stopped", "task_id", id)
	return nil
}

func (m *TaskManager) terminate(ctx context.Context, id int64, pid int, h *handle) {
	child, err := IsDirectChild(ctx, pid)
	if err != nil {
		slog.WarnContext(ctx, "listing worker children", "task_id", id, "error", err)
	}
	if !child {
		slog.WarnContext(ctx, "task was not running", "task_id", id, "pid", pid)
		return
	}

	if h != nil && h.proc.PID() == pid {
		err = h.proc.Terminate(ctx, m.opts.JoinTimeout)
	} else {
		err = KillTree(ctx, pid, m.opts.JoinTimeout)
	}
	if err != nil && !errors.Is(err, model.ErrTaskNotRunning) {
		slog.WarnContext(ctx, "terminating task", "task_id", id, "pid", pid, "error", err)
	}
}

func (m *TaskManager) SuspendTask(ctx context.Context, id int64) error {
	pid, err := m.runningPID(ctx, id)
	if err != nil {
		return err
	}
	return Suspend(ctx, pid)
}

func (m *TaskManager) ResumeTask(ctx context.Context, id int64) error {
	pid, err := m.runningPID(ctx, id)
	if err != nil {
		return err
	}
	return Resume(ctx, pid)
}

// TaskResources returns a resource snapshot of the task process.
func (m *TaskManager) TaskResources(ctx context.Context, id int64) (Snapshot, error) {
	pid, err := m.runningPID(ctx, id)
	if err != nil {
		return nil, err
	}
	return CollectResources(ctx, pid), nil
}

func (m *TaskManager) runningPID(ctx context.Context, id int64) (int, error) {
	task, err := m.tasks.Find(ctx, id)
	if err != nil {
		return 0, err
	}
	if task.PID == model.NoPID {
		return 0, fmt.Errorf("task %d was not running: %w", id, model.ErrTaskNotRunning)
	}
	return task.PID, nil
}

// Shutdown closes every result channel and terminates every live task
// process. The in-memory state is cleared and no task can be started
// afterwards.
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.mx.Lock()
	m.closed = true
	handles := m.handles
	m.handles = make(map[int64]*handle)
	m.mx.Unlock()

	// a failed pid reset does not cancel the other terminations
	var g errgroup.Group
	g.SetLimit(m.opts.ShutdownLimit)
	for id, h := range handles {
		g.Go(func() error {
			// waits for a start of the same task still in flight
			defer m.lock(id)()
			_ = h.proc.Results().Close()
			if h.proc.Alive() {
				slog.DebugContext(ctx, "terminating task", "task_id", id, "pid", h.proc.PID())
				if err := h.proc.Terminate(ctx, m.opts.JoinTimeout); err != nil {
					slog.WarnContext(ctx, "terminating task", "task_id", id, "error", err)
				}
			}
			if err := m.tasks.UpdatePID(ctx, id, model.NoPID); err != nil && !errors.Is(err, model.ErrTaskNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
