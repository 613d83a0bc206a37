// Package hil implements the human approval gate for tool calls.
//
// A call that needs approval starts pending and may leave that state exactly once,
// through an external accept or reject. Accepted calls may carry edited arguments
// that replace the ones the model proposed.
package hil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// State is the validation state of a tool call
type State string

const (
	NotRequired State = "not_required"
	Pending     State = "pending"
	Accepted    State = "accepted"
	Rejected    State = "rejected"
)

var (
	// ErrInvalidTransition is returned for any move other than pending to accepted or rejected
	ErrInvalidTransition = errors.New("invalid validation transition")

	// ErrNotPending is returned when a decision targets a call that is not awaiting one
	ErrNotPending = errors.New("tool call is not awaiting validation")
)

// TransitionError describes a refused state change
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Initial returns the starting state for a call to a tool
func Initial(requiresHIL bool) State {
	if requiresHIL {
		return Pending
	}
	return NotRequired
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case NotRequired, Pending, Accepted, Rejected:
		return true
	}
	return false
}

// Resolved reports whether no further transition is possible
func (s State) Resolved() bool {
	return s != Pending
}

// Executable reports whether a call in state s may run
func Executable(s State) bool {
	return s == NotRequired || s == Accepted
}

// Transition returns to if moving from -> to is legal
func Transition(from, to State) (State, error) {
	if from == Pending && (to == Accepted || to == Rejected) {
		return to, nil
	}
	return from, &TransitionError{From: from, To: to}
}

// Decision is an external validation of a pending call
type Decision struct {
	Validation State  `json:"validation"`
	Args       string `json:"args,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

// Validate checks the decision's shape. Edited args must be well-formed JSON;
// schema checks are left to the tool.
func (d Decision) Validate() error {
	if d.Validation != Accepted && d.Validation != Rejected {
		return fmt.Errorf("validation must be %q or %q, got %q", Accepted, Rejected, d.Validation)
	}
	if d.Validation == Rejected && d.Args != "" {
		return fmt.Errorf("args can only accompany an accepted validation")
	}
	if d.Args != "" && !json.Valid([]byte(d.Args)) {
		return fmt.Errorf("args are not valid JSON")
	}
	return nil
}

// EffectiveArgs returns the arguments a decided call runs with
func (d Decision) EffectiveArgs(proposed string) string {
	if d.Validation == Accepted && strings.TrimSpace(d.Args) != "" {
		return d.Args
	}
	return proposed
}

// Apply moves a call in state from according to d
func (d Decision) Apply(from State) (State, error) {
	if err := d.Validate(); err != nil {
		return from, err
	}
	if from != Pending {
		return from, fmt.Errorf("%w: state is %s", ErrNotPending, from)
	}
	return Transition(from, d.Validation)
}

const rejectionText = "The tool call has been rejected by the user."

// RejectionResult is the refusal recorded as the result of a rejected call
func RejectionResult(feedback string) string {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return rejectionText
	}
	return rejectionText + " Feedback: " + feedback
}
