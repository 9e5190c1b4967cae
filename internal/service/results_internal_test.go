package service

import (
	"bytes"
	"os"
	"testing"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte(`{"a":1}`)))
	require.NoError(t, writeFrame(&buf, nil))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got))
	got, err = readFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = readFrame(&buf)
	require.Error(t, err)

	// truncated payload
	buf.Reset()
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:10])
	_, err = readFrame(truncated)
	require.Error(t, err)
}

func TestResultChannel(t *testing.T) {
	t.Parallel()

	t.Run("value before close", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		c := NewResultChannel(r)

		_, ok := c.Poll()
		require.False(t, ok)

		require.NoError(t, writeFrame(w, []byte("5")))
		require.NoError(t, w.Close())
		<-c.Done()
		require.NoError(t, c.Err())

		got, ok := c.Poll()
		require.True(t, ok)
		require.Equal(t, "5", string(got))
		_, ok = c.Poll()
		require.False(t, ok)

		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
	})

	t.Run("close before value", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer w.Close()
		c := NewResultChannel(r)

		require.NoError(t, c.Close())
		<-c.Done()
		_ = writeFrame(w, []byte("5"))
		_, ok := c.Poll()
		require.False(t, ok)
	})

	t.Run("value discarded by close", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		c := NewResultChannel(r)
		require.NoError(t, writeFrame(w, []byte("5")))
		require.NoError(t, w.Close())
		<-c.Done()

		require.NoError(t, c.Close())
		_, ok := c.Poll()
		require.False(t, ok)
	})

	t.Run("no value", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		c := NewResultChannel(r)
		require.NoError(t, w.Close())
		<-c.Done()
		require.NoError(t, c.Err())
		_, ok := c.Poll()
		require.False(t, ok)
		require.NoError(t, c.Close())
	})
}

func TestNormalizeState(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given    string
		expected string
	}{
		{"running", model.StateRunning},
		{"sleep", model.StateSleeping},
		{"stop", model.StateStopped},
		{"zombie", model.StateZombie},
		{"idle", model.StateIdle},
		{"wait", model.StateWaiting},
		{"blocked", model.StateDiskSleep},
		{"lock", model.StateLocked},
		{"parked", "parked"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, normalizeState(tc.given), tc.given)
	}
}

func TestRemainingPercent(t *testing.T) {
	t.Parallel()
	require.Zero(t, remainingPercent(10, 0))
	require.InDelta(t, 25.0, remainingPercent(1, 4), 1e-9)
}
