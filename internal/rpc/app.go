package rpc

import (
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
)

// NewApp returns a fiber application with JSON errors, sonic as the JSON
// codec and panic recovery.
func NewApp(name string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               name,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	return app
}

func ErrorHandler(c *fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		slog.ErrorContext(c.UserContext(), "request failed",
			"method", c.Method(), "path", c.Path(), "error", err)
	} else {
		slog.DebugContext(c.UserContext(), "request rejected",
			"method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(ErrorBody{
		Error: err.Error(),
		Code:  ErrorCode(err),
	})
}

// BadRequest wraps err with ErrBadRequest.
func BadRequest(err error) error {
	return &badRequest{err: err}
}

type badRequest struct {
	err error
}

func (e *badRequest) Error() string {
	return "bad request: " + e.err.Error()
}

func (e *badRequest) Unwrap() []error {
	return []error{ErrBadRequest, e.err}
}
