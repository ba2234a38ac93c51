// Package cleanup holds the registry of recurring maintenance tasks and
// the built-in tasks themselves. Tasks are idempotent: running one twice
// in a row leaves the same state as running it once, which keeps rare
// double-executions across scheduler handoffs harmless.
package cleanup

import (
	"context"
	"fmt"
	"strings"
)

// Task is a unit of recurring maintenance work. Run executes against the
// tenant bound to ctx and must tolerate being invoked again immediately
// after a successful run.
type Task interface {
	// ID returns a stable identifier used in lease keys. It must be
	// non-empty and must not contain ".".
	ID() string
	Run(ctx context.Context) error
}

// Registry is a fixed set of tasks collected at startup. It is not safe
// for concurrent registration; register everything before handing it to
// the scheduler.
type Registry struct {
	tasks []Task
	byID  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]struct{})}
}

// Register adds a task. Identifiers feed into dot-separated lease keys,
// so empty IDs and IDs containing "." are rejected along with duplicates.
func (r *Registry) Register(t Task) error {
	id := t.ID()
	if id == "" {
		return fmt.Errorf("cleanup task has empty id")
	}
	if strings.Contains(id, ".") {
		return fmt.Errorf("cleanup task id %q contains %q", id, ".")
	}
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("cleanup task id %q already registered", id)
	}
	r.byID[id] = struct{}{}
	r.tasks = append(r.tasks, t)
	return nil
}

// Tasks returns the registered tasks in registration order.
func (r *Registry) Tasks() []Task {
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func (r *Registry) Len() int {
	return len(r.tasks)
}
