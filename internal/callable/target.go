package callable

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindFunction Kind = "function"
	KindMethod   Kind = "method"
)

// Target is the serialized form of what a task invokes. The method or
// function name itself is stored separately as the task call.
type Target struct {
	Kind     Kind            `json:"kind"`
	Receiver string          `json:"receiver,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

func FunctionTarget() Target {
	return Target{Kind: KindFunction}
}

// MethodTarget captures receiver state; it is handed to the receiver
// factory registered under the same name when the task starts.
func MethodTarget(receiver string, state any) (Target, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Target{}, fmt.Errorf("encoding %s state: %w", receiver, err)
	}
	return Target{Kind: KindMethod, Receiver: receiver, State: raw}, nil
}

func (t Target) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTarget(b []byte) (Target, error) {
	var t Target
	if err := json.Unmarshal(b, &t); err != nil {
		return Target{}, fmt.Errorf("decoding target: %w", err)
	}
	switch t.Kind {
	case KindFunction:
	case KindMethod:
		if t.Receiver == "" {
			return Target{}, fmt.Errorf("decoding target: method target without receiver")
		}
	default:
		return Target{}, fmt.Errorf("decoding target: unsupported kind %q", t.Kind)
	}
	return t, nil
}
