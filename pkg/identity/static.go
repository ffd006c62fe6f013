package identity

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/calvora/stagehand/pkg/cache"
)

// User is one directory entry of the static directory.
type User struct {
	ID          string
	Roles       []string
	Departments []string
	Superadmin  bool
	Level       int
}

// StaticDirectory is an in-memory Directory backed by a fixed user set, used
// by tests and single-tenant deployments. Lookups are memoized through a
// clock-injected cache so hot permission checks stay cheap.
type StaticDirectory struct {
	users map[string]User
	cache *cache.Cache
}

// NewStaticDirectory builds a directory from the given users.
func NewStaticDirectory(users []User, clock cache.Clock) *StaticDirectory {
	index := make(map[string]User, len(users))
	for _, user := range users {
		index[user.ID] = user
	}

	return &StaticDirectory{
		users: index,
		cache: cache.New(5*time.Minute, 4096, clock),
	}
}

func (d *StaticDirectory) UserHasRole(ctx context.Context, userID, roleID string) (bool, error) {
	key := cacheKey("role", userID, roleID)
	if cached, ok := d.cache.Get(key); ok {
		return cached.(bool), nil
	}

	user, ok := d.users[userID]
	has := ok && slices.Contains(user.Roles, roleID)

	d.cache.Set(key, has)

	return has, nil
}

func (d *StaticDirectory) UserDepartments(ctx context.Context, userID string) ([]string, error) {
	user, ok := d.users[userID]
	if !ok {
		return nil, nil
	}

	return slices.Clone(user.Departments), nil
}

func (d *StaticDirectory) IsSuperadmin(ctx context.Context, userID string) (bool, error) {
	user, ok := d.users[userID]

	return ok && user.Superadmin, nil
}

func (d *StaticDirectory) RoleHierarchyLevel(ctx context.Context, userID string) (int, error) {
	user, ok := d.users[userID]
	if !ok {
		return 0, nil
	}

	return user.Level, nil
}

func (d *StaticDirectory) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	key := cacheKey("users-with-role", roleID)
	if cached, ok := d.cache.Get(key); ok {
		return slices.Clone(cached.([]string)), nil
	}

	var users []string

	for id, user := range d.users {
		if slices.Contains(user.Roles, roleID) {
			users = append(users, id)
		}
	}

	slices.Sort(users)
	d.cache.Set(key, users)

	return slices.Clone(users), nil
}

func (d *StaticDirectory) UsersInDepartment(ctx context.Context, departmentID string) ([]string, error) {
	var users []string

	for id, user := range d.users {
		if slices.Contains(user.Departments, departmentID) {
			users = append(users, id)
		}
	}

	slices.Sort(users)

	return users, nil
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
