// Package executor carries out the individual steps of an action. The
// controller only knows the Executor interface; concrete executors range
// from a logging simulator to a Docker Engine client.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Step is one unit of work inside an action plan.
type Step struct {
	// Type selects the executor, e.g. "build", "deploy", "restart".
	Type string `json:"type"`
	// Description is the human-readable line shown in status output.
	Description string `json:"description"`
	// Params carries step-specific arguments.
	Params map[string]string `json:"params,omitempty"`
}

// Request describes the action a step belongs to.
type Request struct {
	ActionID string
	UserID   string
	Intent   string
	Project  string
	Company  string
}

// Outcome is what a successful step reports back.
type Outcome struct {
	Output string `json:"output,omitempty"`
}

// Executor runs a single step.
type Executor interface {
	Execute(ctx context.Context, step Step, req Request) (Outcome, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, step Step, req Request) (Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, step Step, req Request) (Outcome, error) {
	return f(ctx, step, req)
}

// Run calls e and turns a panic into an error so one broken executor cannot
// take the process down.
func Run(ctx context.Context, e Executor, step Step, req Request) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Type, r)
		}
	}()
	return e.Execute(ctx, step, req)
}

// Simulated logs each step and reports success. It stands in when no real
// executor is configured.
type Simulated struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (s Simulated) Execute(ctx context.Context, step Step, req Request) (Outcome, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "simulated step",
		"action_id", req.ActionID,
		"step", step.Type,
		"project", req.Project,
		"description", step.Description,
	)
	return Outcome{Output: "simulated: " + step.Description}, nil
}

// Registry routes steps to executors by step type, falling back to a default
// executor for types nobody registered. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Executor
	fallback Executor
}

// NewRegistry returns a Registry whose fallback is fallback, or Simulated
// when fallback is nil.
func NewRegistry(fallback Executor) *Registry {
	if fallback == nil {
		fallback = Simulated{}
	}
	return &Registry{byType: make(map[string]Executor), fallback: fallback}
}

// Register routes steps of the given types to e.
func (r *Registry) Register(e Executor, stepTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range stepTypes {
		r.byType[t] = e
	}
}

// Handles reports whether stepType has a dedicated executor.
func (r *Registry) Handles(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[stepType]
	return ok
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, step Step, req Request) (Outcome, error) {
	r.mu.RLock()
	e, ok := r.byType[step.Type]
	if !ok {
		e = r.fallback
	}
	r.mu.RUnlock()
	return Run(ctx, e, step, req)
}
