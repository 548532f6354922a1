package dagflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Performer runs the business logic of one job type. The job carries its
// params and the payloads gathered from its predecessors.
type Performer interface {
	Perform(ctx context.Context, job *Job) Result
}

// PerformerFunc adapts a function to the Performer interface.
type PerformerFunc func(ctx context.Context, job *Job) Result

func (f PerformerFunc) Perform(ctx context.Context, job *Job) Result {
	return f(ctx, job)
}

// Constructor builds a Performer from a job's params.
type Constructor func(params map[string]any) (Performer, error)

// Registry maps job type tags to constructors. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a constructor for the given job type, replacing any existing
// registration.
func (r *Registry) Register(jobType string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[jobType] = constructor
}

// RegisterFunc registers a performer that needs no construction.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, job *Job) Result) {
	performer := PerformerFunc(fn)
	r.Register(jobType, func(map[string]any) (Performer, error) {
		return performer, nil
	})
}

// New constructs the performer for a job type.
func (r *Registry) New(jobType string, params map[string]any) (Performer, error) {
	r.mu.RLock()
	constructor, ok := r.constructors[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	performer, err := constructor(params)
	if err != nil {
		return nil, fmt.Errorf("construct %q: %w", jobType, err)
	}
	return performer, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
