package engine

import (
	"math/rand"

	"github.com/calvora/stagehand/pkg/models"
)

// LeaderCandidate is one user eligible for sync-leader election.
type LeaderCandidate struct {
	UserID string
	Level  int // Role hierarchy level; higher wins
}

// LeaderPolicy elects the sync leader from the branch users of a released
// join. The leader receives the active step at the sync node and must
// explicitly progress the workflow past it.
type LeaderPolicy func(candidates []LeaderCandidate) string

// HighestLevelLeader elects the candidate with the highest role hierarchy
// level, breaking ties through the supplied rand source. The tie-break is a
// UX choice, not a correctness requirement, which is why it is injectable.
func HighestLevelLeader(random *rand.Rand) LeaderPolicy {
	return func(candidates []LeaderCandidate) string {
		if len(candidates) == 0 {
			return ""
		}

		best := candidates[0].Level
		for _, candidate := range candidates[1:] {
			if candidate.Level > best {
				best = candidate.Level
			}
		}

		var top []string

		for _, candidate := range candidates {
			if candidate.Level == best {
				top = append(top, candidate.UserID)
			}
		}

		if len(top) == 1 {
			return top[0]
		}

		return top[random.Intn(len(top))]
	}
}

// RejectionContext carries what the rejection resolver knows when choosing
// between preserving sibling work and rolling the fork back.
type RejectionContext struct {
	RejectedNode    *models.WorkflowNode
	TargetNode      *models.WorkflowNode
	SyncNode        *models.WorkflowNode // Downstream sync, nil when none exists
	SyncHasRejected bool                 // Sync has a rejection-outcome edge configured
	SiblingProgress bool                 // Any sibling branch completed at least one step this generation
}

// RollbackPolicy returns true when the rejection should route into the sync
// (preserving sibling work) and false for a hard rollback of the fork.
type RollbackPolicy func(rejection RejectionContext) bool

// PreserveSiblingWork is the default policy: avoid destroying concurrent work
// whenever the sync can surface the rejection, or a sibling has progressed.
// An explicitly drawn rejection edge always wins over preservation, and the
// sibling-progress heuristic is a product judgment call; swap the policy to
// change either.
func PreserveSiblingWork(rejection RejectionContext) bool {
	if rejection.SyncNode == nil || rejection.TargetNode != nil {
		return false
	}

	return rejection.SyncHasRejected || rejection.SiblingProgress
}
