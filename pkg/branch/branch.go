// Package branch models branch ancestry for concurrent workflow execution.
//
// Storage and wire formats encode a branch as "{parent}-{forkIndex}_{generation}",
// e.g. "main-0_a1b2c3d4" for the first child of the root branch under fork
// generation a1b2c3d4. The engine itself reasons through an Arena of explicit
// branch records; the string form is parsed in this package only.
package branch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Root is the branch every instance starts on.
const Root = "main"

const (
	forkSeparator       = "-"
	generationSeparator = "_"
)

// NewGeneration mints a fresh flow-generation token. A new token is minted on
// every fork so sync logic can tell the current fork's siblings from stale
// steps left by an earlier rejection-and-retry cycle.
func NewGeneration() string {
	return uuid.New().String()[:8]
}

// Child returns the encoded branch id for fork child i of parent under the
// given generation.
func Child(parent string, i int, generation string) string {
	return parent + forkSeparator + strconv.Itoa(i) + generationSeparator + generation
}

// IsForked reports whether the branch is inside a fork (has a parent).
func IsForked(id string) bool {
	return strings.Contains(id, forkSeparator)
}

// Parent returns the branch id with the last fork suffix stripped, and false
// when the branch is not forked.
func Parent(id string) (string, bool) {
	idx := strings.LastIndex(id, forkSeparator)
	if idx < 0 {
		return id, false
	}

	return id[:idx], true
}

// Generation returns the flow-generation token of the branch's last fork, or
// empty for an unforked branch.
func Generation(id string) string {
	idx := strings.LastIndex(id, forkSeparator)
	if idx < 0 {
		return ""
	}

	suffix := id[idx+1:]

	sep := strings.LastIndex(suffix, generationSeparator)
	if sep < 0 {
		return ""
	}

	return suffix[sep+1:]
}

// ForkIndex returns the branch's position within its fork, and false for an
// unforked branch or a malformed suffix.
func ForkIndex(id string) (int, bool) {
	idx := strings.LastIndex(id, forkSeparator)
	if idx < 0 {
		return 0, false
	}

	suffix := id[idx+1:]

	sep := strings.LastIndex(suffix, generationSeparator)
	if sep < 0 {
		return 0, false
	}

	n, err := strconv.Atoi(suffix[:sep])
	if err != nil {
		return 0, false
	}

	return n, true
}

// Siblings reports whether two branch ids belong to the same fork: same
// parent and same flow generation. A branch is not its own sibling.
func Siblings(a, b string) bool {
	if a == b {
		return false
	}

	parentA, forkedA := Parent(a)
	parentB, forkedB := Parent(b)

	if !forkedA || !forkedB || parentA != parentB {
		return false
	}

	return Generation(a) == Generation(b)
}

// SameFork reports whether the branch id belongs to the fork identified by
// parent and generation, itself included.
func SameFork(id, parent, generation string) bool {
	p, forked := Parent(id)
	if !forked {
		return false
	}

	return p == parent && Generation(id) == generation
}

// Record is one branch in an Arena.
type Record struct {
	ID         string
	Parent     int // Index into the arena, -1 for roots
	ForkIndex  int
	Generation string
}

// Arena indexes a set of branch ids into explicit parent-linked records, so
// ancestry questions become integer lookups instead of repeated string
// parsing.
type Arena struct {
	records []Record
	byID    map[string]int
}

// NewArena builds an arena from the branch ids present in an instance's step
// set. Parents referenced by a child but absent from ids are added implicitly.
func NewArena(ids []string) *Arena {
	arena := &Arena{byID: make(map[string]int)}

	for _, id := range ids {
		arena.add(id)
	}

	return arena
}

func (a *Arena) add(id string) int {
	if idx, ok := a.byID[id]; ok {
		return idx
	}

	record := Record{ID: id, Parent: -1}

	if parent, forked := Parent(id); forked {
		record.Parent = a.add(parent)
		record.Generation = Generation(id)

		if n, ok := ForkIndex(id); ok {
			record.ForkIndex = n
		}
	}

	idx := len(a.records)
	a.records = append(a.records, record)
	a.byID[id] = idx

	return idx
}

// Lookup returns the record for a branch id.
func (a *Arena) Lookup(id string) (Record, bool) {
	idx, ok := a.byID[id]
	if !ok {
		return Record{}, false
	}

	return a.records[idx], true
}

// InFork reports whether the branch, or any of its ancestors, belongs to the
// fork identified by parent and generation. Ancestry is walked through the
// arena's parent links, so nested fork generations resolve without re-parsing
// the encoded ids.
func (a *Arena) InFork(id, parent, generation string) bool {
	idx, ok := a.byID[id]
	if !ok {
		return false
	}

	for idx >= 0 {
		record := a.records[idx]
		if record.Parent >= 0 && record.Generation == generation && a.records[record.Parent].ID == parent {
			return true
		}

		idx = record.Parent
	}

	return false
}

// SiblingsOf returns the ids in the arena that share id's parent and
// generation, excluding id itself.
func (a *Arena) SiblingsOf(id string) []string {
	var siblings []string

	for _, record := range a.records {
		if Siblings(record.ID, id) {
			siblings = append(siblings, record.ID)
		}
	}

	return siblings
}

// Validate checks that an encoded branch id is well formed.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("branch id is empty")
	}

	rest := id

	for strings.Contains(rest, forkSeparator) {
		if _, ok := ForkIndex(rest); !ok {
			return fmt.Errorf("malformed branch id %q", id)
		}

		if Generation(rest) == "" {
			return fmt.Errorf("branch id %q is missing a flow generation", id)
		}

		rest, _ = Parent(rest)
	}

	return nil
}
