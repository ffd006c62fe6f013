// Package services provides the template lifecycle and instance read surface
// on top of the persistence layer and the execution engine.
package services

import (
	"errors"
	"fmt"

	"github.com/calvora/stagehand/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// ErrTemplateNotFound is returned when a template is not found.
	ErrTemplateNotFound = persistence.ErrTemplateNotFound

	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrTemplateNil          = errors.New("template cannot be nil")
	ErrTemplateNameRequired = errors.New("template name is required")
	ErrNodesRequired        = errors.New("template must have at least one node")
	ErrStartNodeRequired    = errors.New("template must have exactly one start node")
	ErrEndNodeRequired      = errors.New("template must have at least one end node")
	ErrDanglingConnection   = errors.New("connection references a missing node")
	ErrSyncWithoutBranches  = errors.New("sync node needs at least two incoming connections")

	// Business Logic Conflicts (409 Conflict).
	ErrTemplateActive     = errors.New("cannot modify an active template")
	ErrTemplateReferenced = persistence.ErrTemplateReferenced
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTemplateNil) ||
		errors.Is(err, ErrTemplateNameRequired) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrStartNodeRequired) ||
		errors.Is(err, ErrEndNodeRequired) ||
		errors.Is(err, ErrDanglingConnection) ||
		errors.Is(err, ErrSyncWithoutBranches)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTemplateActive) ||
		errors.Is(err, ErrTemplateReferenced)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
