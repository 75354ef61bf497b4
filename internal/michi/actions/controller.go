package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bdobrica/michi/common/clock"
	"github.com/bdobrica/michi/internal/michi/executor"
	"github.com/bdobrica/michi/internal/michi/intent"
)

// Config holds the flow thresholds and the history size.
type Config struct {
	AutoExecuteThreshold float64 `koanf:"auto_execute_threshold"`
	ConfirmThreshold     float64 `koanf:"confirm_threshold"`
	ClarifyThreshold     float64 `koanf:"clarify_threshold"`
	HistorySize          int     `koanf:"history_size"`
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		AutoExecuteThreshold: 0.95,
		ConfirmThreshold:     0.7,
		ClarifyThreshold:     0.5,
		HistorySize:          50,
	}
}

// HistoryTracker receives every completed action, so later classifications
// can learn what the user usually does.
type HistoryTracker interface {
	Track(ctx context.Context, userID, intent, project string)
}

// Options wires a Controller. Every field is optional.
type Options struct {
	Config     Config
	Templates  map[string]Template
	Reversible []string
	Executor   executor.Executor
	History    HistoryTracker
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Controller owns every action. Each user has at most one pending action,
// one executing action and one paused action. It is safe for concurrent use;
// steps run outside the lock.
type Controller struct {
	cfg        Config
	templates  map[string]Template
	reversible map[string]bool
	exec       executor.Executor
	tracker    HistoryTracker
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	pending   map[string]*Action // key: user ID
	executing map[string]*Action
	paused    map[string]*Action
	history   []*Action // oldest first, capped at cfg.HistorySize
}

// New creates a Controller.
func New(opts Options) *Controller {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.AutoExecuteThreshold <= 0 {
		cfg.AutoExecuteThreshold = def.AutoExecuteThreshold
	}
	if cfg.ConfirmThreshold <= 0 {
		cfg.ConfirmThreshold = def.ConfirmThreshold
	}
	if cfg.ClarifyThreshold <= 0 {
		cfg.ClarifyThreshold = def.ClarifyThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	templates := opts.Templates
	if templates == nil {
		templates = DefaultTemplates
	}
	reversible := opts.Reversible
	if reversible == nil {
		reversible = DefaultReversible
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := opts.Executor
	if exec == nil {
		exec = executor.Simulated{Logger: logger}
	}
	rev := make(map[string]bool, len(reversible))
	for _, r := range reversible {
		rev[r] = true
	}
	return &Controller{
		cfg:        cfg,
		templates:  templates,
		reversible: rev,
		exec:       exec,
		tracker:    opts.History,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger,
		pending:    make(map[string]*Action),
		executing:  make(map[string]*Action),
		paused:     make(map[string]*Action),
	}
}

// Decide maps confidence and risk to a flow.
func (c *Controller) Decide(in *intent.Intent) Flow {
	if in == nil || in.Intent == "" || in.Intent == intent.Unknown {
		return FlowReject
	}
	var flow Flow
	switch {
	case in.Confidence >= c.cfg.AutoExecuteThreshold && in.Risk == intent.RiskLow:
		flow = FlowAutoExecute
	case in.Confidence >= c.cfg.ConfirmThreshold:
		flow = FlowConfirm
	case in.Confidence >= c.cfg.ClarifyThreshold:
		flow = FlowClarify
	default:
		return FlowReject
	}
	if in.Ambiguous && flow != FlowClarify {
		return FlowClarify
	}
	if flow == FlowAutoExecute && in.RequiresConfirmation {
		return FlowConfirm
	}
	return flow
}

// Propose builds an action for in. Auto-execute and confirm proposals become
// the user's pending action, cancelling any older pending one; clarify and
// reject proposals are returned but not stored.
func (c *Controller) Propose(ctx context.Context, userID string, in *intent.Intent) (*Action, Flow) {
	flow := c.Decide(in)
	if in == nil {
		return nil, flow
	}
	a := c.build(userID, in, flow)

	if flow != FlowAutoExecute && flow != FlowConfirm {
		c.logger.DebugContext(ctx, "proposal not stored", "action_id", a.ID, "flow", flow, "confidence", in.Confidence)
		return a.clone(), flow
	}

	c.mu.Lock()
	if old, ok := c.pending[userID]; ok {
		c.finishLocked(old, StatusCancelled, "superseded by a newer request")
		delete(c.pending, userID)
	}
	c.pending[userID] = a
	snap := a.clone()
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "action proposed",
		"action_id", a.ID, "user", userID, "type", a.Type, "project", a.Project,
		"flow", flow, "risk", a.Risk, "steps", len(a.Steps))
	return snap, flow
}

func (c *Controller) build(userID string, in *intent.Intent, flow Flow) *Action {
	actionType := in.Action
	if actionType == "" {
		actionType = in.Intent
	}
	tpl, ok := c.templates[actionType]
	if !ok {
		tpl = genericTemplate()
	}
	vars := map[string]string{
		"project": in.Project,
		"company": in.Company,
		"action":  actionType,
	}
	a := &Action{
		ID:         uuid.NewString(),
		UserID:     userID,
		Intent:     in.Intent,
		Type:       actionType,
		Project:    in.Project,
		Company:    in.Company,
		Summary:    in.Summary,
		Confidence: in.Confidence,
		Risk:       in.Risk,
		Flow:       flow,
		Steps:      render(tpl.Steps, vars),
		UndoSteps:  render(tpl.Undo, vars),
		Reversible: c.reversible[actionType],
		Status:     StatusPending,
		CreatedAt:  c.clock.Now(),
	}
	if a.Summary == "" {
		a.Summary = strings.TrimSpace(actionType + " " + in.Project)
	}
	return a
}

// Execute runs a pending action to completion, pause, cancellation or
// failure. Only pending actions can be executed.
func (c *Controller) Execute(ctx context.Context, id string) Result {
	c.mu.Lock()
	a, where := c.findLocked(id)
	if a == nil {
		c.mu.Unlock()
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	if where != inPending {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is %s; only a pending action can be executed.", shortID(id), a.Status))
	}
	if busy, ok := c.executing[a.UserID]; ok {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is still running.", shortID(busy.ID)))
	}
	delete(c.pending, a.UserID)
	now := c.clock.Now()
	a.Status = StatusExecuting
	a.StartedAt = &now
	c.executing[a.UserID] = a
	c.mu.Unlock()

	return c.run(ctx, a)
}

// run executes the remaining steps of a, which must already be in the
// executing map. Pause and cancel flags are checked between steps.
func (c *Controller) run(ctx context.Context, a *Action) Result {
	for {
		c.mu.Lock()
		switch {
		case a.cancelRequested:
			delete(c.executing, a.UserID)
			c.finishLocked(a, StatusCancelled, "")
			res := c.resultLocked(a, false, fmt.Sprintf("Cancelled %s after %d of %d steps.", a.Summary, len(a.CompletedSteps), len(a.Steps)))
			c.mu.Unlock()
			c.logger.InfoContext(ctx, "action cancelled", "action_id", a.ID, "completed", len(a.CompletedSteps))
			return res
		case a.pauseRequested:
			a.pauseRequested = false
			a.Status = StatusPaused
			delete(c.executing, a.UserID)
			if old, ok := c.paused[a.UserID]; ok && old != a {
				c.finishLocked(old, StatusCancelled, "superseded by a newer paused action")
				c.logger.InfoContext(ctx, "paused action superseded", "action_id", old.ID, "by", a.ID)
			}
			c.paused[a.UserID] = a
			res := c.resultLocked(a, true, fmt.Sprintf("Paused %s after %d of %d steps.", a.Summary, len(a.CompletedSteps), len(a.Steps)))
			c.mu.Unlock()
			c.logger.InfoContext(ctx, "action paused", "action_id", a.ID, "completed", len(a.CompletedSteps))
			return res
		case ctx.Err() != nil:
			err := ctx.Err()
			delete(c.executing, a.UserID)
			a.Error = err.Error()
			c.finishLocked(a, StatusFailed, "")
			res := c.resultLocked(a, false, fmt.Sprintf("%s stopped: %v.", a.Summary, err))
			c.mu.Unlock()
			return res
		}

		next := len(a.CompletedSteps)
		if next >= len(a.Steps) {
			delete(c.executing, a.UserID)
			c.finishLocked(a, StatusCompleted, "")
			res := c.resultLocked(a, true, fmt.Sprintf("Done: %s (%d steps).", a.Summary, len(a.Steps)))
			c.mu.Unlock()
			c.logger.InfoContext(ctx, "action completed", "action_id", a.ID, "user", a.UserID, "type", a.Type)
			if c.tracker != nil {
				c.tracker.Track(ctx, a.UserID, a.Intent, a.Project)
			}
			return res
		}
		step := a.Steps[next]
		req := a.request()
		c.mu.Unlock()

		out, err := executor.Run(ctx, c.exec, step, req)

		c.mu.Lock()
		if err != nil {
			delete(c.executing, a.UserID)
			a.Error = err.Error()
			c.finishLocked(a, StatusFailed, "")
			res := c.resultLocked(a, false, fmt.Sprintf("Step %d (%s) failed: %v", next+1, step.Description, err))
			c.mu.Unlock()
			c.logger.WarnContext(ctx, "action step failed",
				"action_id", a.ID, "step", step.Type, "index", next, "err", err)
			return res
		}
		a.CompletedSteps = append(a.CompletedSteps, StepResult{
			Index:  next,
			Type:   step.Type,
			Output: out.Output,
			At:     c.clock.Now(),
		})
		c.mu.Unlock()
	}
}

// Pause asks an executing action to stop after its current step.
func (c *Controller) Pause(id string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, where := c.findLocked(id)
	if a == nil {
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	if where != inExecuting {
		return fail(fmt.Sprintf("Action %s is %s; only a running action can be paused.", shortID(id), a.Status))
	}
	if a.cancelRequested {
		return fail(fmt.Sprintf("Action %s is already being cancelled.", shortID(id)))
	}
	a.pauseRequested = true
	return c.resultLocked(a, true, fmt.Sprintf("Pausing %s after the current step.", a.Summary))
}

// Resume continues a paused action from its next step.
func (c *Controller) Resume(ctx context.Context, id string) Result {
	c.mu.Lock()
	a, where := c.findLocked(id)
	if a == nil {
		c.mu.Unlock()
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	if where != inPaused {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is %s; only a paused action can be resumed.", shortID(id), a.Status))
	}
	if busy, ok := c.executing[a.UserID]; ok {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is still running.", shortID(busy.ID)))
	}
	delete(c.paused, a.UserID)
	a.Status = StatusExecuting
	c.executing[a.UserID] = a
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "action resumed", "action_id", a.ID, "from_step", len(a.CompletedSteps))
	return c.run(ctx, a)
}

// Cancel cancels a pending or paused action at once, and an executing one
// after its current step.
func (c *Controller) Cancel(id string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, where := c.findLocked(id)
	if a == nil {
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	switch where {
	case inExecuting:
		a.cancelRequested = true
		return c.resultLocked(a, true, fmt.Sprintf("Cancelling %s after the current step.", a.Summary))
	case inPending, inPaused:
		delete(c.live(where), a.UserID)
		c.finishLocked(a, StatusCancelled, "")
		return c.resultLocked(a, true, fmt.Sprintf("Cancelled %s.", a.Summary))
	default:
		return fail(fmt.Sprintf("Action %s is already %s.", shortID(id), a.Status))
	}
}

// Expire cancels a pending action whose confirmation lapsed. Actions in any
// other state are left alone.
func (c *Controller) Expire(id string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, where := c.findLocked(id)
	if a == nil {
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	if where != inPending {
		return fail(fmt.Sprintf("Action %s is %s; only a pending action can expire.", shortID(id), a.Status))
	}
	delete(c.pending, a.UserID)
	c.finishLocked(a, StatusCancelled, "confirmation expired")
	return c.resultLocked(a, true, fmt.Sprintf("The confirmation for %s expired.", a.Summary))
}

// Retry re-runs a failed action from the step that failed.
func (c *Controller) Retry(ctx context.Context, id string) Result {
	c.mu.Lock()
	idx := -1
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		a, _ := c.findLocked(id)
		c.mu.Unlock()
		if a != nil {
			return fail(fmt.Sprintf("Action %s is %s; only a failed action can be retried.", shortID(id), a.Status))
		}
		return fail(fmt.Sprintf("No action with id %s.", id))
	}
	a := c.history[idx]
	if a.Status != StatusFailed {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is %s; only a failed action can be retried.", shortID(id), a.Status))
	}
	if busy, ok := c.executing[a.UserID]; ok {
		c.mu.Unlock()
		return fail(fmt.Sprintf("Action %s is still running.", shortID(busy.ID)))
	}
	c.history = append(c.history[:idx], c.history[idx+1:]...)
	a.Status = StatusExecuting
	a.Error = ""
	a.FinishedAt = nil
	c.executing[a.UserID] = a
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "action retried", "action_id", a.ID, "from_step", len(a.CompletedSteps))
	return c.run(ctx, a)
}

// UndoLast reverts the user's most recent completed reversible action that
// has not been undone yet.
func (c *Controller) UndoLast(ctx context.Context, userID string) Result {
	c.mu.Lock()
	var target *Action
	for i := len(c.history) - 1; i >= 0; i-- {
		a := c.history[i]
		if a.UserID == userID && a.Status == StatusCompleted && a.Reversible && !a.Undone && !a.undoing {
			target = a
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return fail("There is nothing I can undo.")
	}
	if len(target.UndoSteps) == 0 {
		res := c.resultLocked(target, false, fmt.Sprintf("%s has no undo steps.", target.Summary))
		c.mu.Unlock()
		return res
	}
	target.undoing = true
	steps := append([]executor.Step(nil), target.UndoSteps...)
	req := target.request()
	c.mu.Unlock()

	var done []StepResult
	for i, step := range steps {
		out, err := executor.Run(ctx, c.exec, step, req)
		if err != nil {
			c.mu.Lock()
			target.undoing = false
			res := c.resultLocked(target, false, fmt.Sprintf("Undo of %s failed at step %d (%s): %v", target.Summary, i+1, step.Description, err))
			res.CompletedSteps = done
			res.Error = err.Error()
			c.mu.Unlock()
			c.logger.WarnContext(ctx, "undo failed", "action_id", target.ID, "step", step.Type, "err", err)
			return res
		}
		done = append(done, StepResult{Index: i, Type: step.Type, Output: out.Output, At: c.clock.Now()})
	}

	c.mu.Lock()
	now := c.clock.Now()
	target.undoing = false
	target.Undone = true
	target.UndoneAt = &now
	res := c.resultLocked(target, true, fmt.Sprintf("Undid %s.", target.Summary))
	res.CompletedSteps = done
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "action undone", "action_id", target.ID, "user", userID)
	return res
}

// Get returns a snapshot of the action with the given ID.
func (c *Controller) Get(id string) (*Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, _ := c.findLocked(id)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// Pending returns the user's pending action, if any.
func (c *Controller) Pending(userID string) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.pending[userID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Active returns the user's pending, executing and paused actions, in that
// order.
func (c *Controller) Active(userID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Action
	for _, m := range []map[string]*Action{c.pending, c.executing, c.paused} {
		if a, ok := m[userID]; ok {
			out = append(out, a.clone())
		}
	}
	return out
}

// History returns the user's finished actions, newest first.
func (c *Controller) History(userID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Action
	for i := len(c.history) - 1; i >= 0; i-- {
		if a := c.history[i]; a.UserID == userID {
			out = append(out, a.clone())
		}
	}
	return out
}

// Counts reports how many actions sit in each live map.
func (c *Controller) Counts() (pending, executing, paused int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.executing), len(c.paused)
}

// location says which collection owns an action.
type location int

const (
	nowhere location = iota
	inPending
	inExecuting
	inPaused
	inHistory
)

func (c *Controller) live(loc location) map[string]*Action {
	switch loc {
	case inPending:
		return c.pending
	case inExecuting:
		return c.executing
	case inPaused:
		return c.paused
	}
	return nil
}

// findLocked returns the action with the given ID and where it lives.
func (c *Controller) findLocked(id string) (*Action, location) {
	for _, loc := range []location{inPending, inExecuting, inPaused} {
		for _, a := range c.live(loc) {
			if a.ID == id {
				return a, loc
			}
		}
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID == id {
			return c.history[i], inHistory
		}
	}
	return nil, nowhere
}

// finishLocked marks a terminal status and appends a to the history ring.
func (c *Controller) finishLocked(a *Action, status Status, reason string) {
	now := c.clock.Now()
	a.Status = status
	a.FinishedAt = &now
	a.pauseRequested = false
	a.cancelRequested = false
	if reason != "" && a.Error == "" {
		a.Error = reason
	}
	c.history = append(c.history, a)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]*Action(nil), c.history[over:]...)
	}
}

func (c *Controller) resultLocked(a *Action, ok bool, msg string) Result {
	snap := a.clone()
	return Result{
		Success:        ok,
		Message:        msg,
		Action:         snap,
		CompletedSteps: snap.CompletedSteps,
		Error:          a.Error,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
