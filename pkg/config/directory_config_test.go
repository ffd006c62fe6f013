package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDirectoryFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDirectoryUsers(t *testing.T) {
	path := writeDirectoryFile(t, `
users:
  - id: alice
    roles: [reviewer]
    level: 1
  - id: root
    superadmin: true
    departments: [ops]
    level: 10
`)

	users, err := LoadDirectoryUsers(path)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, []string{"reviewer"}, users[0].Roles)
	assert.True(t, users[1].Superadmin)
	assert.Equal(t, []string{"ops"}, users[1].Departments)
	assert.Equal(t, 10, users[1].Level)
}

func TestLoadDirectoryUsers_Errors(t *testing.T) {
	_, err := LoadDirectoryUsers(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadDirectoryUsers(writeDirectoryFile(t, "users: []"))
	require.ErrorContains(t, err, "lists no users")

	_, err = LoadDirectoryUsers(writeDirectoryFile(t, "users:\n  - roles: [reviewer]"))
	require.ErrorContains(t, err, "has no id")

	_, err = LoadDirectoryUsers(writeDirectoryFile(t, "users: {not valid"))
	require.Error(t, err)
}
