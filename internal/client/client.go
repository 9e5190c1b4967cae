// Package client implements the HTTP clients of the manager and worker
// services, and the launcher that spawns workers and runs functions on them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/kale-workflow/kale/internal/rpc"
)

var (
	// ErrUnavailable is a transport failure. It is retried while waiting
	// for a service.
	ErrUnavailable = errors.New("service unavailable")
	// ErrTimeout ends a polling loop which ran out of time.
	ErrTimeout = errors.New("timed out")
)

// StatusError is a non-2xx response. It unwraps to the sentinel error named
// by the response, if any.
type StatusError struct {
	Code    int
	Message string
	Body    []byte
	err     error
}

func newStatusError(code int, body []byte) *StatusError {
	e := &StatusError{Code: code, Body: body}
	var eb rpc.ErrorBody
	if err := sonic.Unmarshal(body, &eb); err == nil {
		e.Message = eb.Error
		e.err = rpc.ErrorFromCode(eb.Code)
	}
	return e
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Body)
	}
	return fmt.Sprintf("status %d: %s", e.Code, msg)
}

func (e *StatusError) Unwrap() error {
	return e.err
}

// IsNotFound reports a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == fiber.StatusNotFound
}

type Options struct {
	// Timeout of every request.
	Timeout time.Duration
	// Retries and RetryInterval bound the worker readiness check.
	Retries       int
	RetryInterval time.Duration
	// PollInterval and WaitTimeout bound the manager readiness check and
	// every polling loop.
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func DefaultOptions() Options {
	return OptionsFromConfig(model.DefaultConfig(context.Background()).Client)
}

func OptionsFromConfig(cfg model.ClientConfig) Options {
	return Options{
		Timeout:       cfg.Timeout.AsDuration(),
		Retries:       cfg.Retries,
		RetryInterval: cfg.RetryInterval.AsDuration(),
		PollInterval:  cfg.PollInterval.AsDuration(),
		WaitTimeout:   cfg.WaitTimeout.AsDuration(),
	}
}

// base sends JSON requests to one service.
type base struct {
	url   string
	agent *fiber.Client
	opts  Options
}

func newBase(host string, port int, opts Options) base {
	return newBaseURL("http://"+net.JoinHostPort(host, strconv.Itoa(port)), opts)
}

func newBaseURL(url string, opts Options) base {
	return base{
		url:   url,
		agent: &fiber.Client{JSONEncoder: sonic.Marshal, JSONDecoder: sonic.Unmarshal},
		opts:  opts,
	}
}

func (b base) URL() string {
	return b.url
}

func (b base) do(ctx context.Context, method, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	url := b.url + path
	var req *fiber.Agent
	switch method {
	case fiber.MethodGet:
		req = b.agent.Get(url)
	case fiber.MethodPost:
		req = b.agent.Post(url)
	case fiber.MethodDelete:
		req = b.agent.Delete(url)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	req.Timeout(b.opts.Timeout)
	if in != nil {
		body, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		req.Body(body)
		req.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	code, body, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w: %w", method, url, ErrUnavailable, errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, newStatusError(code, body))
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

var errNotYet = errors.New("condition not met")

// Poll calls cond every interval until it reports done or timeout passes.
// Errors returned by cond are retried; the last one is reported together
// with ErrTimeout.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	err := backoff.Retry(func() error {
		done, err := cond(pctx)
		if err != nil {
			last = err
			return err
		}
		if !done {
			return errNotYet
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), pctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if last != nil {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, last)
	}
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

// retry repeats op on transport errors only.
func retry(ctx context.Context, retries int, interval time.Duration, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(max(retries, 0))),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
