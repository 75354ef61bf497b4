// Package confirm decides which actions need an explicit yes/no from the user
// and holds at most one pending confirmation per user until it is answered
// or expires.
package confirm

import (
	"errors"
	"time"
)

// DefaultTTL is how long a pending confirmation waits for a reply.
const DefaultTTL = 5 * time.Minute

// ErrNothingPending is carried in Result.Err when Confirm or Cancel finds no
// live confirmation for the user.
var ErrNothingPending = errors.New("confirm: nothing pending")

// Decision is the reading of a yes/no reply.
type Decision int

const (
	None Decision = iota
	Yes
	No
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "none"
	}
}

// Pending is a proposal waiting for the user's answer.
type Pending struct {
	// ActionType is the action key, e.g. "deploy".
	ActionType string

	// ActionID links the confirmation to the controller's pending action.
	ActionID string

	// Params holds whatever the caller needs to carry out the action.
	Params map[string]string

	// Context is free-form conversation context, such as the room.
	Context map[string]string

	// CreatedAt is when the confirmation was requested.
	CreatedAt time.Time

	// Message is the prompt that was shown to the user.
	Message string
}

// Result reports the outcome of Confirm or Cancel.
type Result struct {
	Success bool
	Message string
	Pending *Pending
	Err     error
}
