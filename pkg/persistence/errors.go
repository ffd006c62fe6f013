// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTemplateNotFound indicates a workflow template was not found.
	ErrTemplateNotFound = errors.New("workflow template not found")

	// ErrInstanceNotFound indicates a workflow instance was not found.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrStepNotFound indicates an active step was not found.
	ErrStepNotFound = errors.New("active step not found")

	// ErrDuplicateStep indicates the (instance, node, branch) unique
	// constraint was hit. Callers recover by reactivating the existing row.
	ErrDuplicateStep = errors.New("step already exists for instance, node and branch")

	// ErrTemplateReferenced indicates a template cannot be hard-deleted
	// because instances still reference it.
	ErrTemplateReferenced = errors.New("workflow template is referenced by instances")
)

// StepError wraps step-related errors with additional context.
type StepError struct {
	Op         string
	InstanceID string
	NodeID     string
	BranchID   string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed for step (instance %s, node %s, branch %s): %v",
		e.Op, e.InstanceID, e.NodeID, e.BranchID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStepError creates a step error with context.
func NewStepError(op, instanceID, nodeID, branchID string, err error) *StepError {
	return &StepError{
		Op:         op,
		InstanceID: instanceID,
		NodeID:     nodeID,
		BranchID:   branchID,
		Err:        err,
	}
}

// IsTemplateNotFound checks if an error indicates a missing template.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsStepNotFound checks if an error indicates a missing step.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}

// IsDuplicateStep checks if an error is the step unique-constraint hit.
func IsDuplicateStep(err error) bool {
	return errors.Is(err, ErrDuplicateStep)
}
