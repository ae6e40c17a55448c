package jiggler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job.
type Handler interface {
	Perform(ctx context.Context, args Args) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args Args) error

func (f HandlerFunc) Perform(ctx context.Context, args Args) error { return f(ctx, args) }

// Definition describes a job type. New is called once per execution.
type Definition struct {
	Name       string
	Queue      string
	RetryQueue string
	Retries    int
	New        func() Handler
}

func (d Definition) queue() string {
	if d.Queue == "" {
		return DefaultQueue
	}
	return d.Queue
}

// retryQueue defaults to the job's own queue.
func (d Definition) retryQueue() string {
	if d.RetryQueue == "" {
		return d.queue()
	}
	return d.RetryQueue
}

// Registry maps job names to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("jiggler: register: empty job name")
	}
	if def.New == nil {
		return fmt.Errorf("jiggler: register %q: nil constructor", def.Name)
	}
	if def.Retries < 0 {
		return fmt.Errorf("jiggler: register %q: negative retries", def.Name)
	}
	if def.Queue != "" {
		if err := validateQueueName(def.Queue); err != nil {
			return err
		}
	}
	if def.RetryQueue != "" {
		if err := validateQueueName(def.RetryQueue); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// RegisterFunc registers a stateless handler function.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc, opts ...func(*Definition)) error {
	def := Definition{Name: name, New: func() Handler { return fn }}
	for _, o := range opts {
		o(&def)
	}
	return r.Register(def)
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Resolve returns the definition and a fresh handler instance. A missing
// name yields *UnknownJobError.
func (r *Registry) Resolve(name string) (Definition, Handler, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return Definition{}, nil, &UnknownJobError{Name: name}
	}
	return d, d.New(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func JobQueue(q string) func(*Definition)      { return func(d *Definition) { d.Queue = q } }
func JobRetryQueue(q string) func(*Definition) { return func(d *Definition) { d.RetryQueue = q } }
func JobRetries(n int) func(*Definition)       { return func(d *Definition) { d.Retries = n } }
