package engine

import (
	"context"

	"github.com/calvora/stagehand/pkg/models"
)

// SubjectLinker is the collaborator owning the project/task an instance runs
// against. The engine calls out to keep the subject's active-user set in step
// with the workflow and to post human-readable notes; it does not own the
// subject's schema.
type SubjectLinker interface {
	// ReassignActiveUsers replaces the subject's active assignee set.
	ReassignActiveUsers(ctx context.Context, subject models.SubjectRef, userIDs []string) error

	// ReleaseAssignments clears the subject's active assignee set on
	// completion or cancellation.
	ReleaseAssignments(ctx context.Context, subject models.SubjectRef) error

	// PostUpdate attaches a human-readable note to the subject.
	PostUpdate(ctx context.Context, subject models.SubjectRef, note string) error

	// ResolveOpenIssues closes the subject's open issues on completion and
	// returns how many were resolved.
	ResolveOpenIssues(ctx context.Context, subject models.SubjectRef) (int, error)
}

// NoopSubjectLinker satisfies SubjectLinker without side effects, for
// deployments where the subject system is absent.
type NoopSubjectLinker struct{}

func (NoopSubjectLinker) ReassignActiveUsers(ctx context.Context, subject models.SubjectRef, userIDs []string) error {
	return nil
}

func (NoopSubjectLinker) ReleaseAssignments(ctx context.Context, subject models.SubjectRef) error {
	return nil
}

func (NoopSubjectLinker) PostUpdate(ctx context.Context, subject models.SubjectRef, note string) error {
	return nil
}

func (NoopSubjectLinker) ResolveOpenIssues(ctx context.Context, subject models.SubjectRef) (int, error) {
	return 0, nil
}
