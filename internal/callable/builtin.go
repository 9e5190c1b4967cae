package callable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Built-in work items. They keep a worker useful without any user code and
// back the end-to-end tests.
func init() {
	Register("add", add)
	Register("echo", echo)
	Register("fail", fail)
	Register("getpid", getpid)
	Register("sleep", sleep)
	Register("spin", spin)

	RegisterReceiver("accumulator", newAccumulator)
}

// add sums all positional arguments. The result is an integer when every
// argument is.
func add(_ context.Context, args Args) (any, error) {
	var isum int64
	var fsum float64
	integral := true
	for i := range args.Len() {
		var n json.Number
		if err := args.Arg(i, &n); err != nil {
			return nil, err
		}
		if v, err := n.Int64(); err == nil && integral {
			isum += v
			fsum += float64(v)
			continue
		}
		v, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		integral = false
		fsum += v
	}
	if integral {
		return isum, nil
	}
	return fsum, nil
}

// echo prints its positional arguments to stdout and returns the first one.
func echo(_ context.Context, args Args) (any, error) {
	var first any
	for i := range args.Len() {
		var v any
		if err := args.Arg(i, &v); err != nil {
			return nil, err
		}
		if i == 0 {
			first = v
		}
		fmt.Fprintln(os.Stdout, v)
	}
	return first, nil
}

func fail(_ context.Context, args Args) (any, error) {
	msg := "task failed"
	if args.Len() > 0 {
		if err := args.Arg(0, &msg); err != nil {
			return nil, err
		}
	}
	return nil, errors.New(msg)
}

func getpid(context.Context, Args) (any, error) {
	return os.Getpid(), nil
}

func seconds(args Args) (time.Duration, error) {
	var s float64
	if args.Len() > 0 {
		if err := args.Arg(0, &s); err != nil {
			return 0, err
		}
	} else if _, err := args.Kwarg("seconds", &s); err != nil {
		return 0, err
	}
	return time.Duration(s * float64(time.Second)), nil
}

// sleep waits for the given number of seconds and returns it.
func sleep(ctx context.Context, args Args) (any, error) {
	d, err := seconds(args)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return d.Seconds(), nil
}

// spin burns CPU for the given number of seconds, so the process stays in
// the running state.
func spin(ctx context.Context, args Args) (any, error) {
	d, err := seconds(args)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(d)
	var n uint64
	for time.Now().Before(deadline) {
		for range 1 << 16 {
			n++
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return n, nil
}

type accumulator struct {
	Total float64 `json:"total"`
}

func newAccumulator(state json.RawMessage) (Receiver, error) {
	var acc accumulator
	if len(state) > 0 {
		if err := json.Unmarshal(state, &acc); err != nil {
			return nil, err
		}
	}
	return Methods{
		"add":   acc.add,
		"total": acc.total,
	}, nil
}

func (a accumulator) add(ctx context.Context, args Args) (any, error) {
	sum, err := add(ctx, args)
	if err != nil {
		return nil, err
	}
	switch v := sum.(type) {
	case int64:
		return a.Total + float64(v), nil
	case float64:
		return a.Total + v, nil
	}
	return nil, fmt.Errorf("unexpected sum %T", sum)
}

func (a accumulator) total(context.Context, Args) (any, error) {
	return a.Total, nil
}
