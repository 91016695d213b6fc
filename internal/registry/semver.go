package registry

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Satisfies reports whether version meets constraint. Three forms are
// supported:
//
//	exact:    "1.2.3"   versions must match exactly
//	caret:    "^1.2.3"  >= 1.2.3 and < 2.0.0
//	wildcard: "1.x"     any 1.y.z (also "1.2.x" for any 1.2.z)
func Satisfies(version, constraint string) (bool, error) {
	v := canonical(version)
	if !semver.IsValid(v) {
		return false, fmt.Errorf("invalid version %q", version)
	}

	switch {
	case strings.HasPrefix(constraint, "^"):
		lower := canonical(strings.TrimPrefix(constraint, "^"))
		if !semver.IsValid(lower) {
			return false, fmt.Errorf("invalid caret constraint %q", constraint)
		}
		major, err := strconv.Atoi(strings.TrimPrefix(semver.Major(lower), "v"))
		if err != nil {
			return false, fmt.Errorf("invalid caret constraint %q: %w", constraint, err)
		}
		upper := fmt.Sprintf("v%d.0.0", major+1)
		return semver.Compare(v, lower) >= 0 && semver.Compare(v, upper) < 0, nil

	case strings.Contains(constraint, "x") || strings.Contains(constraint, "X"):
		return matchWildcard(v, constraint)

	default:
		c := canonical(constraint)
		if !semver.IsValid(c) {
			return false, fmt.Errorf("invalid exact constraint %q", constraint)
		}
		return semver.Compare(v, c) == 0, nil
	}
}

func matchWildcard(v, constraint string) (bool, error) {
	parts := strings.Split(constraint, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false, fmt.Errorf("invalid wildcard constraint %q", constraint)
	}

	got := strings.Split(strings.TrimPrefix(v, "v"), ".")
	for i, want := range parts {
		if want == "x" || want == "X" || want == "*" {
			return true, nil
		}
		if _, err := strconv.Atoi(want); err != nil {
			return false, fmt.Errorf("invalid wildcard constraint %q", constraint)
		}
		if i >= len(got) || got[i] != want {
			return false, nil
		}
	}
	// All parts literal: treat as exact prefix match.
	return len(parts) == len(got), nil
}

// canonical normalizes a plain "1.2.3" to the "v1.2.3" form x/mod expects.
func canonical(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return version
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}
