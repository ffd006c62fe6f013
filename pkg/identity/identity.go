// Package identity abstracts the role/department directory the engine uses
// for authorization gates and sync-leader election.
package identity

import "context"

// Directory answers role and department questions about users. Implementations
// typically sit in front of the account service's tables.
type Directory interface {
	UserHasRole(ctx context.Context, userID, roleID string) (bool, error)
	UserDepartments(ctx context.Context, userID string) ([]string, error)
	IsSuperadmin(ctx context.Context, userID string) (bool, error)

	// RoleHierarchyLevel returns the user's highest role level; higher wins
	// sync-leader election.
	RoleHierarchyLevel(ctx context.Context, userID string) (int, error)

	// UsersWithRole lists users eligible for a role node. An empty result is
	// a template misconfiguration the caller must surface.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)

	// UsersInDepartment lists users eligible for a department node.
	UsersInDepartment(ctx context.Context, departmentID string) ([]string, error)
}
