// Package engine implements the parallel workflow execution engine: routing,
// fork/join coordination, rejection handling and the completion gate.
package engine

import (
	"errors"
	"fmt"

	"github.com/calvora/stagehand/pkg/persistence"
)

var (
	// ErrTemplateNotFound is returned when the template does not exist.
	ErrTemplateNotFound = persistence.ErrTemplateNotFound

	// ErrInstanceNotFound is returned when the instance does not exist.
	ErrInstanceNotFound = persistence.ErrInstanceNotFound

	// ErrStepNotFound is returned when the advancing step does not exist.
	ErrStepNotFound = persistence.ErrStepNotFound

	// ErrTemplateInactive is returned when starting from a deactivated template.
	ErrTemplateInactive = errors.New("workflow template is not active")

	// ErrInstanceNotActive is returned when advancing a completed or
	// cancelled instance.
	ErrInstanceNotActive = errors.New("workflow instance is not active")

	// ErrStepNotAdvanceable is returned when the targeted step is not in a
	// state that accepts a decision.
	ErrStepNotAdvanceable = errors.New("step is not active")

	// ErrAmbiguousStep is returned when no step id was supplied and the
	// instance has more than one active step.
	ErrAmbiguousStep = errors.New("instance has multiple active steps, step id required")

	// ErrInvalidSubject is returned when not exactly one of project/task is set.
	ErrInvalidSubject = errors.New("exactly one of project or task must be set")

	// ErrInvalidDecision is returned for a decision outside approved/rejected.
	ErrInvalidDecision = errors.New("decision must be approved or rejected")

	// ErrRejectedCompletion is the hard safety check: a rejected decision
	// must never result in a completed instance.
	ErrRejectedCompletion = errors.New("rejected decision cannot complete the workflow")
)

// ConfigError reports a workflow graph misconfiguration: no rejection path, a
// self-loop rejection target, a role node with zero eligible users. These fail
// the advance call with an actionable message instead of dropping the request
// into a dead state.
type ConfigError struct {
	NodeID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.NodeID == "" {
		return "workflow misconfiguration: " + e.Reason
	}

	return fmt.Sprintf("workflow misconfiguration at node %s: %s", e.NodeID, e.Reason)
}

// NewConfigError creates a configuration error for a node.
func NewConfigError(nodeID, format string, args ...any) *ConfigError {
	return &ConfigError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError checks whether an error is a graph misconfiguration.
func IsConfigError(err error) bool {
	var configErr *ConfigError

	return errors.As(err, &configErr)
}

// AuthorizationError reports that the acting user may not advance the node.
// It is returned before any state mutation.
type AuthorizationError struct {
	UserID   string
	NodeName string
	Missing  string // The role/department the user lacks
}

func (e *AuthorizationError) Error() string {
	if e.Missing == "" {
		return fmt.Sprintf("user %s is not authorized to advance %q", e.UserID, e.NodeName)
	}

	return fmt.Sprintf("user %s is not authorized to advance %q: missing %s", e.UserID, e.NodeName, e.Missing)
}

// IsAuthorizationError checks whether an error is an authorization denial.
func IsAuthorizationError(err error) bool {
	var authErr *AuthorizationError

	return errors.As(err, &authErr)
}

// IsNotFound checks whether an error is any of the not-found integrity errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrStepNotFound)
}
