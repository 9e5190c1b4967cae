package rpc

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kale-workflow/kale/internal/model"
)

// ErrBadRequest marks a request body or parameter that can't be decoded.
var ErrBadRequest = errors.New("bad request")

// ErrorBody is the JSON body of every failed request. Code names the
// sentinel error, so clients can rebuild it.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var codes = []struct {
	code   string
	err    error
	status int
}{
	{"task_not_found", model.ErrTaskNotFound, fiber.StatusNotFound},
	{"worker_not_found", model.ErrWorkerNotFound, fiber.StatusNotFound},
	{"not_started", model.ErrNotStarted, fiber.StatusNotFound},
	{"result_pending", model.ErrResultPending, fiber.StatusNotFound},
	{"no_result", model.ErrNoResult, fiber.StatusNotFound},
	{"not_callable", model.ErrNotCallable, fiber.StatusBadRequest},
	{"bad_request", ErrBadRequest, fiber.StatusBadRequest},
	{"task_running", model.ErrTaskRunning, fiber.StatusConflict},
	{"task_not_running", model.ErrTaskNotRunning, fiber.StatusConflict},
	{"worker_exists", model.ErrWorkerExists, fiber.StatusConflict},
	{"shutting_down", model.ErrShuttingDown, fiber.StatusServiceUnavailable},
}

// ErrorCode returns the wire code of the first known sentinel err wraps, or
// an empty string.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes give nil.
func ErrorFromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}
