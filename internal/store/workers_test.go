package store_test

import (
	"testing"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/store"
	"github.com/stretchr/testify/require"
)

func TestWorkerStore(t *testing.T) {
	t.Parallel()
	s, err := store.NewWorkerStore(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	ctx := t.Context()

	w1 := model.Worker{ID: "w1", Protocol: model.ProtocolHTTP, Host: "10.0.0.1", Port: 49152}
	w2 := model.Worker{ID: "w2", Protocol: model.ProtocolHTTP, Host: "10.0.0.2", Port: 49153}
	require.NoError(t, s.Add(ctx, w1))
	require.NoError(t, s.Add(ctx, w2))
	require.ErrorIs(t, s.Add(ctx, w1), model.ErrWorkerExists)

	got, err := s.Find(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, w1, got)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.Worker{w1, w2}, list)

	require.NoError(t, s.Remove(ctx, "w1"))
	_, err = s.Find(ctx, "w1")
	require.ErrorIs(t, err, model.ErrWorkerNotFound)
	require.ErrorIs(t, s.Remove(ctx, "w1"), model.ErrWorkerNotFound)

	// a removed worker may register again
	require.NoError(t, s.Add(ctx, w1))
}
