package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBaseURL(t *testing.T) {
	t.Parallel()
	a := newBaseURL("http://127.0.0.1:1", DefaultOptions())
	b := newBase("127.0.0.1", 1, DefaultOptions())
	require.Equal(t, a.URL(), b.URL())
	// every client owns its fiber client, nothing is borrowed from a pool
	require.NotSame(t, a.agent, b.agent)
	require.NotNil(t, a.agent.JSONEncoder)
	require.NotNil(t, a.agent.JSONDecoder)
}
