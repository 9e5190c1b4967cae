package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kale-workflow/kale/internal/callable"
	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/service"
	"github.com/kale-workflow/kale/internal/store"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func newTaskManager(t *testing.T) (*service.TaskManager, string) {
	t.Helper()
	tasks, err := store.NewTaskStore(t.Context())
	require.NoError(t, err)
	outDir := t.TempDir()
	m := service.NewTaskManager("test-worker", tasks, callable.Default,
		service.NewSupervisor(taskCommand()),
		service.Options{
			JoinTimeout:  2 * time.Second,
			OutputDir:    outDir,
			LoopInterval: 50 * time.Millisecond,
		})
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(context.Background()))
		require.NoError(t, tasks.Close())
	})
	return m, outDir
}

func register(t *testing.T, m *service.TaskManager, call string, args ...any) int64 {
	t.Helper()
	target, err := callable.FunctionTarget().Encode()
	require.NoError(t, err)
	raw, err := callable.EncodeArgs(args...)
	require.NoError(t, err)
	id, err := m.RegisterTask(t.Context(), model.Task{
		Target: target,
		Call:   call,
		Args:   raw,
		Name:   call,
	})
	require.NoError(t, err)
	return id
}

func status(t *testing.T, m *service.TaskManager, id int64) string {
	t.Helper()
	s, err := m.TaskStatus(t.Context(), id)
	require.NoError(t, err)
	return s
}

func awaitResults(t *testing.T, m *service.TaskManager, id int64) (model.Blob, error) {
	t.Helper()
	var res model.Blob
	var err error
	require.Eventually(t, func() bool {
		res, err = m.TaskResults(t.Context(), id)
		return !errors.Is(err, model.ErrResultPending)
	}, waitFor, tick)
	return res, err
}

func TestTaskManager_Add(t *testing.T) {
	t.Parallel()
	m, outDir := newTaskManager(t)
	id := register(t, m, "add", 2, 3)

	require.Equal(t, model.StatusNotRunning, status(t, m, id))
	_, err := m.TaskResults(t.Context(), id)
	require.ErrorIs(t, err, model.ErrNotStarted)

	pid, err := m.StartTask(t.Context(), id)
	require.NoError(t, err)
	require.Positive(t, pid)

	var seen []string
	require.Eventually(t, func() bool {
		s := status(t, m, id)
		seen = append(seen, s)
		return model.IsStarted(s)
	}, waitFor, tick)
	for _, s := range seen {
		require.False(t, model.HasResults(s), "results visible before start: %v", seen)
	}

	res, err := awaitResults(t, m, id)
	require.NoError(t, err)
	var sum int
	require.NoError(t, json.Unmarshal(res, &sum))
	require.Equal(t, 5, sum)

	// cached
	again, err := m.TaskResults(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, res, again)
	require.True(t, model.HasResults(status(t, m, id)))

	tasks, err := m.Tasks(t.Context())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, pid, tasks[0].PID)

	_, err = os.Stat(filepath.Join(outDir, strconv.Itoa(pid)+".out"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, strconv.Itoa(pid)+".err"))
	require.NoError(t, err)

	require.NoError(t, m.StopTask(t.Context(), id))
	require.Equal(t, model.StatusNotRunning, status(t, m, id))
	// a result retrieved before stop stays available
	again, err = m.TaskResults(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, res, again)
}

func TestTaskManager_Failure(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)

	var testCases = []struct {
		scenario string
		call     string
		args     []any
	}{
		{"error", "fail", []any{"boom"}},
		{"panic", "panic", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			id := register(t, m, tc.call, tc.args...)
			_, err := m.StartTask(t.Context(), id)
			require.NoError(t, err)

			_, err = awaitResults(t, m, id)
			require.ErrorIs(t, err, model.ErrNoResult)
			require.ErrorContains(t, err, "exited with code 1")
			require.Eventually(t, func() bool {
				return status(t, m, id) == model.StatusDead
			}, waitFor, tick)
		})
	}
}

func TestTaskManager_Stop(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()

	t.Run("never started", func(t *testing.T) {
		id := register(t, m, "sleep", 30)
		require.NoError(t, m.StopTask(ctx, id))
		require.Equal(t, model.StatusNotRunning, status(t, m, id))
	})

	t.Run("running", func(t *testing.T) {
		id := register(t, m, "sleep", 30)
		pid, err := m.StartTask(ctx, id)
		require.NoError(t, err)

		require.NoError(t, m.StopTask(ctx, id))
		require.Equal(t, model.StatusNotRunning, status(t, m, id))
		require.False(t, alive(t, pid))

		require.NoError(t, m.StopTask(ctx, id))
		tasks, err := m.Tasks(ctx)
		require.NoError(t, err)
		for _, task := range tasks {
			require.Equal(t, model.NoPID, task.PID)
		}

		_, err = m.TaskResults(ctx, id)
		require.ErrorIs(t, err, model.ErrNoResult)
	})

	t.Run("unknown", func(t *testing.T) {
		require.ErrorIs(t, m.StopTask(ctx, 4242), model.ErrTaskNotFound)
	})
}

func TestTaskManager_StopTree(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	m, _ := newTaskManager(t)
	id := register(t, m, "spawn_sleep")
	_, err := m.StartTask(t.Context(), id)
	require.NoError(t, err)

	res, err := awaitResults(t, m, id)
	require.NoError(t, err)
	var grandchild int
	require.NoError(t, json.Unmarshal(res, &grandchild))
	require.True(t, alive(t, grandchild))

	require.NoError(t, m.StopTask(t.Context(), id))
	require.Eventually(t, func() bool { return !alive(t, grandchild) }, waitFor, tick)
}

func TestTaskManager_Start(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()

	t.Run("running", func(t *testing.T) {
		id := register(t, m, "sleep", 30)
		_, err := m.StartTask(ctx, id)
		require.NoError(t, err)
		_, err = m.StartTask(ctx, id)
		require.ErrorIs(t, err, model.ErrTaskRunning)

		require.NoError(t, m.StopTask(ctx, id))
		pid, err := m.StartTask(ctx, id)
		require.NoError(t, err)
		require.Positive(t, pid)
	})

	t.Run("not callable", func(t *testing.T) {
		id := register(t, m, "no_such_function")
		_, err := m.StartTask(ctx, id)
		require.ErrorIs(t, err, model.ErrNotCallable)
		require.Equal(t, model.StatusNotRunning, status(t, m, id))
	})

	t.Run("bad target", func(t *testing.T) {
		id, err := m.RegisterTask(ctx, model.Task{Target: model.Blob("garbage"), Call: "add"})
		require.NoError(t, err)
		_, err = m.StartTask(ctx, id)
		require.ErrorIs(t, err, model.ErrNotCallable)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := m.StartTask(ctx, 4242)
		require.ErrorIs(t, err, model.ErrTaskNotFound)
	})
}

func TestTaskManager_SuspendResume(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()
	id := register(t, m, "spin", 30)

	require.ErrorIs(t, m.SuspendTask(ctx, id), model.ErrTaskNotRunning)
	require.ErrorIs(t, m.ResumeTask(ctx, id), model.ErrTaskNotRunning)

	_, err := m.StartTask(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status(t, m, id) == model.StateRunning }, waitFor, tick)

	require.NoError(t, m.SuspendTask(ctx, id))
	require.Eventually(t, func() bool { return status(t, m, id) == model.StateStopped }, waitFor, tick)

	require.NoError(t, m.ResumeTask(ctx, id))
	require.Eventually(t, func() bool { return status(t, m, id) == model.StateRunning }, waitFor, tick)

	// a suspended task can still be stopped
	require.NoError(t, m.SuspendTask(ctx, id))
	require.NoError(t, m.StopTask(ctx, id))
	require.Equal(t, model.StatusNotRunning, status(t, m, id))
}

func TestTaskManager_Resources(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()
	id := register(t, m, "sleep", 30)

	_, err := m.TaskResources(ctx, id)
	require.ErrorIs(t, err, model.ErrTaskNotRunning)

	pid, err := m.StartTask(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return model.IsStarted(status(t, m, id)) }, waitFor, tick)

	snap, err := m.TaskResources(ctx, id)
	require.NoError(t, err)
	if msg, ok := snap["error"]; ok {
		t.Skipf("resource collection unsupported here: %v", msg)
	}
	task, ok := snap["task"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, pid, task["pid"])
	require.Contains(t, snap, "host")

	_, err = json.Marshal(snap)
	require.NoError(t, err)
}

func TestCollectResources_Error(t *testing.T) {
	t.Parallel()
	snap := service.CollectResources(t.Context(), math.MaxInt32)
	require.Contains(t, snap, "error")
	require.NotContains(t, snap, "task")
}

func TestTaskManager_Shutdown(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()

	var pids []int
	for range 3 {
		id := register(t, m, "sleep", 30)
		pid, err := m.StartTask(ctx, id)
		require.NoError(t, err)
		pids = append(pids, pid)
	}

	require.NoError(t, m.Shutdown(ctx))
	for _, pid := range pids {
		require.False(t, alive(t, pid))
	}
	tasks, err := m.Tasks(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, model.NoPID, task.PID)
	}
}

func TestTaskManager_StopStartConcurrently(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()

	for range 8 {
		id := register(t, m, "sleep", 30)
		first, err := m.StartTask(ctx, id)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var second int
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.StopTask(ctx, id); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(waitFor)
			for time.Now().Before(deadline) {
				pid, err := m.StartTask(ctx, id)
				if err == nil {
					second = pid
					return
				}
				if !errors.Is(err, model.ErrTaskRunning) {
					t.Error(err)
					return
				}
				time.Sleep(time.Millisecond)
			}
			t.Error("task was never restarted")
		}()
		wg.Wait()
		if t.Failed() {
			return
		}

		// a start wins only once the previous process is gone
		require.False(t, alive(t, first))
		task := findTask(t, m, id)
		require.Equal(t, second, task.PID)
		require.True(t, alive(t, second))

		_, err = m.StartTask(ctx, id)
		require.ErrorIs(t, err, model.ErrTaskRunning)
		require.NoError(t, m.StopTask(ctx, id))
		require.False(t, alive(t, second))
		require.Equal(t, model.NoPID, findTask(t, m, id).PID)
	}
}

func TestTaskManager_StartAfterShutdown(t *testing.T) {
	t.Parallel()
	m, _ := newTaskManager(t)
	ctx := t.Context()
	id := register(t, m, "sleep", 30)

	require.NoError(t, m.Shutdown(ctx))
	_, err := m.StartTask(ctx, id)
	require.ErrorIs(t, err, model.ErrShuttingDown)
	require.Equal(t, model.NoPID, findTask(t, m, id).PID)
	require.Equal(t, model.StatusNotRunning, status(t, m, id))
}

// resetFails fails to clear the pid of one task.
type resetFails struct {
	*store.TaskStore
	id int64
}

func (r resetFails) UpdatePID(ctx context.Context, id int64, pid int) error {
	if id == r.id && pid == model.NoPID {
		return errors.New("disk full")
	}
	return r.TaskStore.UpdatePID(ctx, id, pid)
}

func TestTaskManager_ShutdownPartialFailure(t *testing.T) {
	t.Parallel()
	tasks, err := store.NewTaskStore(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tasks.Close()) })
	ctx := t.Context()

	target, err := callable.FunctionTarget().Encode()
	require.NoError(t, err)
	args, err := callable.EncodeArgs(30)
	require.NoError(t, err)
	var ids []int64
	for range 4 {
		id, err := tasks.Add(ctx, model.Task{Target: target, Call: "sleep", Args: args})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	m := service.NewTaskManager("test-worker", resetFails{TaskStore: tasks, id: ids[0]}, callable.Default,
		service.NewSupervisor(taskCommand()),
		service.Options{JoinTimeout: 2 * time.Second, OutputDir: t.TempDir(), ShutdownLimit: 1})
	var pids []int
	for _, id := range ids {
		pid, err := m.StartTask(ctx, id)
		require.NoError(t, err)
		pids = append(pids, pid)
	}

	require.ErrorContains(t, m.Shutdown(ctx), "disk full")
	for _, pid := range pids {
		require.False(t, alive(t, pid))
	}
}

func findTask(t *testing.T, m *service.TaskManager, id int64) model.Task {
	t.Helper()
	tasks, err := m.Tasks(t.Context())
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %d not found", id)
	return model.Task{}
}

// alive treats zombies as dead.
func alive(t *testing.T, pid int) bool {
	t.Helper()
	p, err := process.NewProcessWithContext(t.Context(), int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(t.Context())
	if err != nil {
		return false
	}
	return len(st) > 0 && st[0] != "zombie"
}
