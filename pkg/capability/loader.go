package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile loads one entity profile YAML by entity id. It searches the
// profiles directory for profile_<entity>.yaml.
func LoadProfile(profilesDir, entity string) (*Profile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(entity)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", entity, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", entity, err)
	}

	if profile.Entity == "" {
		profile.Entity = entity
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory
// into a memory store.
func LoadAllProfiles(profilesDir string) (*MemoryStore, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	store := NewMemoryStore()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Entity == "" {
			// Extract entity from filename: profile_acme.yaml -> acme
			base := filepath.Base(path)
			profile.Entity = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		store.Put(&profile)
	}

	return store, nil
}
