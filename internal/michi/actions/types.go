// Package actions turns classified intents into executable actions and
// drives them through their lifecycle: propose, confirm, execute, pause,
// resume, cancel and undo.
package actions

import (
	"errors"
	"time"

	"github.com/bdobrica/michi/internal/michi/executor"
	"github.com/bdobrica/michi/internal/michi/intent"
)

// ErrNotFound is returned by Get for an unknown action ID.
var ErrNotFound = errors.New("actions: action not found")

// Status is the lifecycle state of an action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions (other than undo) apply.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Flow is what the caller should do with a proposal.
type Flow string

const (
	FlowAutoExecute Flow = "auto_execute"
	FlowConfirm     Flow = "confirm"
	FlowClarify     Flow = "clarify"
	FlowReject      Flow = "reject"
)

// StepResult records one finished step.
type StepResult struct {
	Index  int       `json:"index"`
	Type   string    `json:"type"`
	Output string    `json:"output,omitempty"`
	At     time.Time `json:"at"`
}

// Action is one user-requested operation and its execution state.
type Action struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Intent         string          `json:"intent"`
	Type           string          `json:"type"`
	Project        string          `json:"project,omitempty"`
	Company        string          `json:"company,omitempty"`
	Summary        string          `json:"summary"`
	Confidence     float64         `json:"confidence"`
	Risk           intent.Risk     `json:"risk"`
	Flow           Flow            `json:"flow"`
	Steps          []executor.Step `json:"steps"`
	UndoSteps      []executor.Step `json:"undoSteps,omitempty"`
	Reversible     bool            `json:"reversible"`
	Status         Status          `json:"status"`
	CompletedSteps []StepResult    `json:"completedSteps,omitempty"`
	Error          string          `json:"error,omitempty"`
	Undone         bool            `json:"undone"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	UndoneAt       *time.Time      `json:"undoneAt,omitempty"`

	pauseRequested  bool
	cancelRequested bool
	undoing         bool
}

func (a *Action) clone() *Action {
	cp := *a
	cp.Steps = append([]executor.Step(nil), a.Steps...)
	cp.UndoSteps = append([]executor.Step(nil), a.UndoSteps...)
	cp.CompletedSteps = append([]StepResult(nil), a.CompletedSteps...)
	return &cp
}

func (a *Action) request() executor.Request {
	return executor.Request{
		ActionID: a.ID,
		UserID:   a.UserID,
		Intent:   a.Intent,
		Project:  a.Project,
		Company:  a.Company,
	}
}

// Result is the outcome of a controller operation. Operations never return
// errors for state problems; Success is false and Message says why.
type Result struct {
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	Action         *Action      `json:"action,omitempty"`
	CompletedSteps []StepResult `json:"completedSteps,omitempty"`
	Error          string       `json:"error,omitempty"`
}

func fail(msg string) Result {
	return Result{Message: msg}
}
