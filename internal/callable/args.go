package callable

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Args are the decoded positional and keyword arguments of a call. Values
// stay raw until the callee asks for them with a concrete type.
type Args struct {
	Positional []json.RawMessage
	Keyword    map[string]json.RawMessage
}

func (a Args) Len() int {
	return len(a.Positional)
}

// Arg decodes the i-th positional argument into v.
func (a Args) Arg(i int, v any) error {
	if i < 0 || i >= len(a.Positional) {
		return fmt.Errorf("missing positional argument %d", i)
	}
	if err := json.Unmarshal(a.Positional[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Kwarg decodes a keyword argument into v, reporting whether it was passed.
func (a Args) Kwarg(name string, v any) (bool, error) {
	raw, ok := a.Keyword[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("argument %s: %w", name, err)
	}
	return true, nil
}

func EncodeArgs(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}
	return b, nil
}

func EncodeKwargs(kwargs map[string]any) ([]byte, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("encoding kwargs: %w", err)
	}
	return b, nil
}

// DecodeArgs parses blobs produced by EncodeArgs and EncodeKwargs. Empty
// blobs mean no arguments.
func DecodeArgs(args, kwargs []byte) (Args, error) {
	var a Args
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &a.Positional); err != nil {
			return Args{}, fmt.Errorf("decoding args: %w", err)
		}
	}
	if len(bytes.TrimSpace(kwargs)) > 0 {
		if err := json.Unmarshal(kwargs, &a.Keyword); err != nil {
			return Args{}, fmt.Errorf("decoding kwargs: %w", err)
		}
	}
	return a, nil
}
