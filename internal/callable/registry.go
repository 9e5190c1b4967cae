package callable

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kale-workflow/kale/internal/model"
)

// Func is an invocable work item. The returned value must be JSON encodable.
type Func func(ctx context.Context, args Args) (any, error)

// Receiver exposes the methods callable on a deserialized target.
type Receiver interface {
	Method(name string) (Func, bool)
}

// Factory rebuilds a Receiver from the state stored in a Target.
type Factory func(state json.RawMessage) (Receiver, error)

// Methods is a Receiver backed by a plain map.
type Methods map[string]Func

func (m Methods) Method(name string) (Func, bool) {
	f, ok := m[name]
	return f, ok
}

type Registry struct {
	mx        sync.RWMutex
	funcs     map[string]Func
	receivers map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		funcs:     make(map[string]Func),
		receivers: make(map[string]Factory),
	}
}

// Func registers a free function. Registering the same name twice panics,
// as it can only be a programming error in an init function.
func (r *Registry) Func(name string, f Func) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.funcs[name]; ok {
		panic("callable: function registered twice: " + name)
	}
	r.funcs[name] = f
}

// Receiver registers a receiver type.
func (r *Registry) Receiver(name string, factory Factory) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.receivers[name]; ok {
		panic("callable: receiver registered twice: " + name)
	}
	r.receivers[name] = factory
}

// Resolve returns the Func a task with the given target and call would run.
// Errors wrap model.ErrNotCallable.
func (r *Registry) Resolve(target Target, call string) (Func, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	switch target.Kind {
	case KindFunction:
		f, ok := r.funcs[call]
		if !ok {
			return nil, fmt.Errorf("function %q: %w", call, model.ErrNotCallable)
		}
		return f, nil
	case KindMethod:
		factory, ok := r.receivers[target.Receiver]
		if !ok {
			return nil, fmt.Errorf("receiver %q: %w", target.Receiver, model.ErrNotCallable)
		}
		recv, err := factory(target.State)
		if err != nil {
			return nil, fmt.Errorf("receiver %q: %w: %w", target.Receiver, model.ErrNotCallable, err)
		}
		f, ok := recv.Method(call)
		if !ok {
			return nil, fmt.Errorf("method %s.%s: %w", target.Receiver, call, model.ErrNotCallable)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("target kind %q: %w", target.Kind, model.ErrNotCallable)
	}
}

// Functions lists registered function names.
func (r *Registry) Functions() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Receivers lists registered receiver types.
func (r *Registry) Receivers() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.receivers))
}

// Default is the registry used by workers and task processes.
var Default = NewRegistry()

func Register(name string, f Func) {
	Default.Func(name, f)
}

func RegisterReceiver(name string, factory Factory) {
	Default.Receiver(name, factory)
}
