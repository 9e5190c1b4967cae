package manager_test

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/kale-workflow/kale/internal/manager"
	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/store"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *manager.Service {
	t.Helper()
	workers, err := store.NewWorkerStore(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, workers.Close()) })
	s, err := manager.New(workers, 50*time.Millisecond)
	require.NoError(t, err)
	return s
}

func call(t *testing.T, app *fiber.App, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := sonic.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode
}

type status struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

func TestWorkerRegistry(t *testing.T) {
	t.Parallel()
	app := newService(t).App()
	w1 := model.Worker{ID: "W1", Protocol: model.ProtocolHTTP, Host: "10.0.0.1", Port: 49152}

	var st status
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/worker", w1, &st))
	require.Equal(t, "worker added", st.Status)

	st = status{}
	require.Equal(t, http.StatusConflict, call(t, app, http.MethodPost, "/worker", w1, &st))
	require.Equal(t, "worker_exists", st.Code)

	var got model.Worker
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/worker/W1", nil, &got))
	require.Equal(t, w1, got)

	var list struct {
		Workers []model.Worker `json:"workers"`
	}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/worker", nil, &list))
	require.Equal(t, []model.Worker{w1}, list.Workers)

	var summary struct {
		Status struct {
			NumWorkers int `json:"num_workers"`
		} `json:"status"`
	}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/status", nil, &summary))
	require.Equal(t, 1, summary.Status.NumWorkers)

	// removed workers are not found, not returned empty
	require.Equal(t, http.StatusOK, call(t, app, http.MethodDelete, "/worker/W1", nil, nil))
	st = status{}
	require.Equal(t, http.StatusNotFound, call(t, app, http.MethodGet, "/worker/W1", nil, &st))
	require.Equal(t, "worker_not_found", st.Code)
	require.Equal(t, http.StatusNotFound, call(t, app, http.MethodDelete, "/worker/W1", nil, nil))

	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/status", nil, &summary))
	require.Zero(t, summary.Status.NumWorkers)
}

func TestAddWorker_Invalid(t *testing.T) {
	t.Parallel()
	app := newService(t).App()

	var testCases = []struct {
		scenario string
		body     any
	}{
		{"no id", model.Worker{Host: "h", Port: 1}},
		{"no host", model.Worker{ID: "a", Port: 1}},
		{"bad port", model.Worker{ID: "a", Host: "h", Port: 70000}},
		{"not json", "garbage"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			var st status
			require.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/worker", tc.body, &st))
			require.Equal(t, "bad_request", st.Code)
		})
	}

	var got model.Worker
	require.Equal(t, http.StatusCreated, call(t, app, http.MethodPost, "/worker",
		model.Worker{ID: "p", Host: "h", Port: 1}, nil))
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/worker/p", nil, &got))
	require.Equal(t, model.ProtocolHTTP, got.Protocol)
}

func TestServe_Shutdown(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(t.Context(), ln) }()

	url := "http://" + ln.Addr().String()
	resp, err := http.Post(url+"/shutdown", fiber.MIMEApplicationJSON, nil)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, string(raw), "Shutting down in 0 seconds!")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
	_, err = http.Get(url + "/status")
	require.Error(t, err)
}
