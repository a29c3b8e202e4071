package runner

import (
	"fmt"
	"path/filepath"
	"sort"
)

// FindMinidumps lists the crash dumps written into the profile.
func FindMinidumps(profileDir string) ([]string, error) {
	if profileDir == "" {
		return nil, nil
	}
	dumps, err := filepath.Glob(filepath.Join(profileDir, MinidumpsDir, "*.dmp"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan minidumps: %w", err)
	}
	sort.Strings(dumps)
	return dumps, nil
}
