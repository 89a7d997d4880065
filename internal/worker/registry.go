package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperation 表示沒有為該 operation 註冊 TaskFunc
var ErrUnknownOperation = errors.New("unknown operation")

// Registry maps operation names to their TaskFunc.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register binds fn to operation. Registering an operation twice is an error.
func (r *Registry) Register(operation string, fn TaskFunc) error {
	if operation == "" || fn == nil {
		return errors.New("worker: operation name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[operation]; ok {
		return fmt.Errorf("worker: operation %q already registered", operation)
	}
	r.funcs[operation] = fn
	return nil
}

// Lookup returns the function bound to operation.
func (r *Registry) Lookup(operation string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return fn, nil
}

// Operations lists the registered names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.funcs))
	for op := range r.funcs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
