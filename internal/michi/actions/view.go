package actions

import (
	"fmt"
	"strings"
)

// StatusView is the compact status projection shown to users and served by
// the HTTP API.
type StatusView struct {
	ID          string       `json:"id"`
	Summary     string       `json:"summary"`
	Status      Status       `json:"status"`
	Risk        string       `json:"risk"`
	Progress    string       `json:"progress"`
	CurrentStep string       `json:"currentStep,omitempty"`
	Completed   []StepResult `json:"completedSteps,omitempty"`
	Error       string       `json:"error,omitempty"`
	Reversible  bool         `json:"reversible"`
	Undone      bool         `json:"undone"`
}

// Status returns the status view of an action.
func (c *Controller) Status(id string) (StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, _ := c.findLocked(id)
	if a == nil {
		return StatusView{}, false
	}
	v := StatusView{
		ID:         a.ID,
		Summary:    a.Summary,
		Status:     a.Status,
		Risk:       string(a.Risk),
		Progress:   fmt.Sprintf("%d/%d", len(a.CompletedSteps), len(a.Steps)),
		Completed:  append([]StepResult(nil), a.CompletedSteps...),
		Error:      a.Error,
		Reversible: a.Reversible,
		Undone:     a.Undone,
	}
	if !a.Status.Terminal() {
		if next := len(a.CompletedSteps); next < len(a.Steps) {
			v.CurrentStep = a.Steps[next].Description
		}
	}
	return v, true
}

// Explain describes an action and its plan in plain text.
func (c *Controller) Explain(id string) string {
	a, err := c.Get(id)
	if err != nil {
		return fmt.Sprintf("I don't know an action with id %s.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, risk %s, confidence %.0f%%)\n", a.Summary, a.Status, a.Risk, a.Confidence*100)
	b.WriteString("Steps:\n")
	for i, s := range a.Steps {
		mark := " "
		switch {
		case i < len(a.CompletedSteps):
			mark = "x"
		case i == len(a.CompletedSteps) && a.Status == StatusFailed:
			mark = "!"
		}
		fmt.Fprintf(&b, "  [%s] %d. %s\n", mark, i+1, s.Description)
	}
	if a.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", a.Error)
	}
	switch {
	case a.Undone:
		b.WriteString("This action has been undone.")
	case a.Reversible && len(a.UndoSteps) > 0:
		b.WriteString("Undo plan:\n")
		for i, s := range a.UndoSteps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s.Description)
		}
	default:
		b.WriteString("This action cannot be undone.")
	}
	return strings.TrimRight(b.String(), "\n")
}
