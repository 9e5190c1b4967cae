package model_test

import (
	"encoding/json"
	"testing"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBlobJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(model.Blob{0, 1, 255})
	require.NoError(t, err)
	require.Equal(t, "[0,1,255]", string(b))

	b, err = json.Marshal(struct {
		Target model.Blob `json:"target"`
	}{})
	require.NoError(t, err)
	require.Equal(t, `{"target":[]}`, string(b))

	var blob model.Blob
	require.NoError(t, json.Unmarshal([]byte(`"AAH/"`), &blob))
	require.Equal(t, model.Blob{0, 1, 255}, blob)

	require.Error(t, json.Unmarshal([]byte(`[256]`), &blob))
	require.Error(t, json.Unmarshal([]byte(`[-1]`), &blob))
	require.Error(t, json.Unmarshal([]byte(`{}`), &blob))
}

func TestBlobRoundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := model.Blob(rapid.SliceOf(rapid.Byte()).Draw(t, "blob"))
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		var out model.Blob
		require.NoError(t, json.Unmarshal(raw, &out))
		require.Equal(t, []byte(in), []byte(out))
	})
}
