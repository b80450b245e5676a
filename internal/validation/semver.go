// Package validation holds input checks shared by the admin surfaces.
// Module versions follow semantic versioning and a republish must move
// forward, so publishing compares versions with hashicorp/go-version.
package validation

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// ValidateSemver reports whether versionStr parses as a version.
func ValidateSemver(versionStr string) error {
	if _, err := version.NewVersion(versionStr); err != nil {
		return fmt.Errorf("invalid module version %q: %w", versionStr, err)
	}
	return nil
}

// CompareSemver returns -1, 0 or 1 as v1 is older than, equal to or newer than v2.
func CompareSemver(v1Str, v2Str string) (int, error) {
	v1, err := version.NewVersion(v1Str)
	if err != nil {
		return 0, fmt.Errorf("invalid module version %q: %w", v1Str, err)
	}
	v2, err := version.NewVersion(v2Str)
	if err != nil {
		return 0, fmt.Errorf("invalid module version %q: %w", v2Str, err)
	}
	return v1.Compare(v2), nil
}

// RequireNewerVersion fails unless next is strictly newer than published.
// An unparseable published version never blocks a republish.
func RequireNewerVersion(next, published string) error {
	n, err := version.NewVersion(next)
	if err != nil {
		return fmt.Errorf("invalid module version %q: %w", next, err)
	}
	p, err := version.NewVersion(published)
	if err != nil {
		return nil
	}
	if !n.GreaterThan(p) {
		return fmt.Errorf("version %s must be greater than published version %s", next, published)
	}
	return nil
}
