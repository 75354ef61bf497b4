package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bdobrica/michi/internal/michi/actions"
	"github.com/bdobrica/michi/internal/michi/store"
)

type controlCmd string

const (
	cmdUndo   controlCmd = "undo"
	cmdPause  controlCmd = "pause"
	cmdResume controlCmd = "resume"
	cmdCancel controlCmd = "cancel"
	cmdStatus controlCmd = "status"
	cmdRetry  controlCmd = "retry"
)

var controlRe = regexp.MustCompile(`(?i)^\s*(undo|pause|resume|cancel|stop|status|retry)(?:\s+(?:that|it|this|please|the\s+last\s+one|last(?:\s+action)?|the\s+action))?\s*[.!?]?\s*$`)

// interrupts reports whether the command must bypass the per-user lock to
// reach an action that is running.
func (c controlCmd) interrupts() bool {
	return c == cmdPause || c == cmdCancel || c == cmdStatus
}

// Interrupts reports whether text is a control word that acts on a running
// action (pause, cancel, stop, status) and so must not wait behind it.
func Interrupts(text string) bool {
	cmd, ok := parseControl(text)
	return ok && cmd.interrupts()
}

// parseControl recognises the bare control words.
func parseControl(text string) (controlCmd, bool) {
	m := controlRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	word := strings.ToLower(m[1])
	if word == "stop" {
		word = string(cmdCancel)
	}
	return controlCmd(word), true
}

func (p *Pipeline) control(ctx context.Context, msg Message, cmd controlCmd, out *replyBuilder) {
	var res actions.Result
	switch cmd {
	case cmdUndo:
		res = p.controller.UndoLast(ctx, msg.UserID)
	case cmdPause:
		a := p.activeWith(msg.UserID, actions.StatusExecuting)
		if a == nil {
			out.line("Nothing is running right now.")
			return
		}
		res = p.controller.Pause(a.ID)
	case cmdResume:
		a := p.activeWith(msg.UserID, actions.StatusPaused)
		if a == nil {
			out.line("Nothing is paused.")
			return
		}
		res = p.controller.Resume(ctx, a.ID)
	case cmdCancel:
		a := p.activeWith(msg.UserID, actions.StatusExecuting, actions.StatusPaused, actions.StatusPending)
		if a == nil {
			out.line("There is nothing to cancel.")
			return
		}
		if a.Status == actions.StatusPending {
			p.gate.Cancel(msg.UserID)
		}
		p.setQueue(msg.UserID, nil)
		res = p.controller.Cancel(a.ID)
	case cmdRetry:
		var failed *actions.Action
		for _, a := range p.controller.History(msg.UserID) {
			if a.Status == actions.StatusFailed {
				failed = a
				break
			}
		}
		if failed == nil {
			out.line("There is no failed action to retry.")
			return
		}
		res = p.controller.Retry(ctx, failed.ID)
	case cmdStatus:
		out.line(p.statusText(msg.UserID))
		return
	}

	out.addAction(res.Action)
	out.line(res.Message)
	result := "success"
	if !res.Success {
		result = "failure"
	}
	p.writeAudit(ctx, msg.UserID, string(cmd), "", result, nil, res.Error)
}

// activeWith returns the user's first live action whose status is listed,
// honouring the order of statuses.
func (p *Pipeline) activeWith(userID string, statuses ...actions.Status) *actions.Action {
	active := p.controller.Active(userID)
	for _, s := range statuses {
		for _, a := range active {
			if a.Status == s {
				return a
			}
		}
	}
	return nil
}

func (p *Pipeline) statusText(userID string) string {
	var lines []string
	for _, a := range p.controller.Active(userID) {
		if v, ok := p.controller.Status(a.ID); ok {
			lines = append(lines, statusLine(v))
		}
	}
	if len(lines) == 0 {
		hist := p.controller.History(userID)
		if len(hist) == 0 {
			return "Nothing going on."
		}
		if v, ok := p.controller.Status(hist[0].ID); ok {
			lines = append(lines, "Last: "+statusLine(v))
		}
	}
	return strings.Join(lines, "\n")
}

func statusLine(v actions.StatusView) string {
	s := fmt.Sprintf("%s: %s (%s)", v.Summary, v.Status, v.Progress)
	if v.CurrentStep != "" {
		s += ", next: " + v.CurrentStep
	}
	if v.Error != "" {
		s += ", error: " + v.Error
	}
	return s
}

var _ Auditor = (*store.Store)(nil)
