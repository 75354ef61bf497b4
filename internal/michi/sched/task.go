// Package sched runs named, fixed-interval background jobs such as the
// conversation-state and confirmation TTL sweeps.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task calls fn every interval until its context is cancelled or Stop is
// called. A Task can be started once.
type Task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewTask creates a task. If interval is zero, it defaults to 60 seconds.
// If logger is nil, the default slog logger is used.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context), logger *slog.Logger) *Task {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Interval returns the tick interval.
func (t *Task) Interval() time.Duration { return t.interval }

// Start runs the task loop in a new goroutine.
func (t *Task) Start(ctx context.Context) {
	if !t.claim() {
		return
	}
	go t.loop(ctx)
}

// Run blocks, ticking until ctx is cancelled or Stop is called. Calling Run
// on a task that is already running returns immediately.
func (t *Task) Run(ctx context.Context) {
	if !t.claim() {
		return
	}
	t.loop(ctx)
}

func (t *Task) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.started = true
	return true
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	t.logger.Debug("sched: task started", "task", t.name, "interval", t.interval.String())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("sched: task stopped", "task", t.name, "reason", ctx.Err())
			return
		case <-t.stopCh:
			t.logger.Debug("sched: task stopped", "task", t.name)
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// RunOnce invokes fn a single time, recovering from panics so one bad tick
// does not kill the loop.
func (t *Task) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("sched: task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(ctx)
}

// Stop signals the loop to exit and waits for it. Safe to call multiple
// times, and safe to call on a task that was never started.
func (t *Task) Stop() {
	t.mu.Lock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	started := t.started
	t.mu.Unlock()

	if started {
		<-t.done
	}
}
