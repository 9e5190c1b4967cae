package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/store"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTaskStore(t *testing.T) *store.TaskStore {
	t.Helper()
	s, err := store.NewTaskStore(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestTaskStore(t *testing.T) {
	t.Parallel()
	s := newTaskStore(t)
	ctx := t.Context()

	id1, err := s.Add(ctx, model.Task{
		Target: model.Blob(`{"kind":"function"}`),
		Call:   "add",
		Args:   model.Blob(`[2,3]`),
		Name:   "first",
		PID:    1234,
	})
	require.NoError(t, err)
	id2, err := s.Add(ctx, model.Task{Call: "echo"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	task, err := s.Find(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, id1, task.ID)
	require.Equal(t, "add", task.Call)
	require.Equal(t, "first", task.Name)
	require.Equal(t, model.NoPID, task.PID)
	require.Equal(t, `[2,3]`, string(task.Args))
	require.Empty(t, task.Kwargs)

	require.NoError(t, s.UpdatePID(ctx, id1, 4321))
	task, err = s.Find(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, 4321, task.PID)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, id1, tasks[0].ID)
	require.Equal(t, id2, tasks[1].ID)

	require.NoError(t, s.Remove(ctx, id1))
	_, err = s.Find(ctx, id1)
	require.ErrorIs(t, err, model.ErrTaskNotFound)

	// ids are never reused
	id3, err := s.Add(ctx, model.Task{Call: "echo"})
	require.NoError(t, err)
	require.Greater(t, id3, id2)
}

func TestTaskStore_NotFound(t *testing.T) {
	t.Parallel()
	s := newTaskStore(t)
	ctx := t.Context()

	_, err := s.Find(ctx, 42)
	require.ErrorIs(t, err, model.ErrTaskNotFound)
	require.ErrorIs(t, s.UpdatePID(ctx, 42, 1), model.ErrTaskNotFound)
	require.ErrorIs(t, s.Remove(ctx, 42), model.ErrTaskNotFound)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestTaskStore_Roundtrip(t *testing.T) {
	s, err := store.NewTaskStore(context.Background())
	require.NoError(t, err)
	defer s.Close()

	rapid.Check(t, func(t *rapid.T) {
		in := model.Task{
			Target: rapid.SliceOf(rapid.Byte()).Draw(t, "target"),
			Call:   rapid.StringMatching(`[a-z_][a-z0-9_]*`).Draw(t, "call"),
			Args:   rapid.SliceOf(rapid.Byte()).Draw(t, "args"),
			Kwargs: rapid.SliceOf(rapid.Byte()).Draw(t, "kwargs"),
			Name:   rapid.String().Draw(t, "name"),
		}
		id, err := s.Add(context.Background(), in)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		out, err := s.Find(context.Background(), id)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if out.ID != id || out.Call != in.Call || out.Name != in.Name {
			t.Fatalf("got %+v, want %+v", out, in)
		}
		for _, p := range [][2]model.Blob{{in.Target, out.Target}, {in.Args, out.Args}, {in.Kwargs, out.Kwargs}} {
			if !bytes.Equal(p[0], p[1]) {
				t.Fatalf("blob mismatch: %v != %v", p[0], p[1])
			}
		}
	})
}
