package models

// Decision is the outcome a user supplies when advancing a step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether the decision is one of the known outcomes.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// AggregateDecision summarizes the branch decisions of a released join. It is
// stored on the sync leader's step and drives routing out of the sync node.
type AggregateDecision string

const (
	AggregateAllApproved AggregateDecision = "all_approved" // Every branch explicitly approved
	AggregateAnyRejected AggregateDecision = "any_rejected" // At least one branch rejected
	AggregateNoApprovals AggregateDecision = "no_approvals" // No branch carried an explicit decision
)

// Rejected reports whether the aggregate should take a rejection edge out of
// the sync node.
func (a AggregateDecision) Rejected() bool {
	return a == AggregateAnyRejected
}
