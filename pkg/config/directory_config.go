// Package config provides file-based configuration loading for deployments.
package config

import (
	"fmt"
	"os"

	"github.com/calvora/stagehand/pkg/identity"
	"gopkg.in/yaml.v3"
)

// DirectoryConfigFile represents the structure of the directory.yaml file.
type DirectoryConfigFile struct {
	Users []DirectoryUser `yaml:"users"`
}

// DirectoryUser is one user entry in the YAML file.
type DirectoryUser struct {
	ID          string   `yaml:"id"`
	Roles       []string `yaml:"roles"`
	Departments []string `yaml:"departments"`
	Superadmin  bool     `yaml:"superadmin"`
	Level       int      `yaml:"level"`
}

// LoadDirectoryUsers loads the user directory from a YAML file.
func LoadDirectoryUsers(filepath string) ([]identity.User, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file %s: %w", filepath, err)
	}

	var configFile DirectoryConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse directory YAML: %w", err)
	}

	if len(configFile.Users) == 0 {
		return nil, fmt.Errorf("directory file %s lists no users", filepath)
	}

	users := make([]identity.User, 0, len(configFile.Users))

	for i, entry := range configFile.Users {
		if entry.ID == "" {
			return nil, fmt.Errorf("directory file %s: user %d has no id", filepath, i)
		}

		users = append(users, identity.User{
			ID:          entry.ID,
			Roles:       entry.Roles,
			Departments: entry.Departments,
			Superadmin:  entry.Superadmin,
			Level:       entry.Level,
		})
	}

	return users, nil
}
