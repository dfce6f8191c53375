package model

import (
	"fmt"
	"strconv"
	"strings"
)

// CVRVersion identifies the state a client view record is consistent with.
// StateVersion tracks the upstream database state and is an opaque,
// lexicographically ordered string. MinorVersion tracks configuration-only
// changes (query-set or authorization changes) within the same state; zero
// means absent. MinorVersion resets to zero whenever StateVersion advances.
type CVRVersion struct {
	StateVersion string
	MinorVersion int64
}

// String renders the version as "<state>" or "<state>.<minor>".
func (v CVRVersion) String() string {
	if v.MinorVersion == 0 {
		return v.StateVersion
	}
	return fmt.Sprintf("%s.%d", v.StateVersion, v.MinorVersion)
}

// ParseCVRVersion parses the string form produced by String.
func ParseCVRVersion(s string) (CVRVersion, error) {
	if s == "" {
		return CVRVersion{}, fmt.Errorf("empty CVR version")
	}
	state, minorPart, found := strings.Cut(s, ".")
	if !found {
		return CVRVersion{StateVersion: state}, nil
	}
	minor, err := strconv.ParseInt(minorPart, 10, 64)
	if err != nil {
		return CVRVersion{}, fmt.Errorf("invalid minor version %q: %w", minorPart, err)
	}
	if minor < 0 {
		return CVRVersion{}, fmt.Errorf("negative minor version %d", minor)
	}
	return CVRVersion{StateVersion: state, MinorVersion: minor}, nil
}

// CompareVersions orders versions by StateVersion lexicographically,
// tie-broken by MinorVersion. Returns -1, 0, or 1.
func CompareVersions(a, b CVRVersion) int {
	if c := strings.Compare(a.StateVersion, b.StateVersion); c != 0 {
		return c
	}
	switch {
	case a.MinorVersion < b.MinorVersion:
		return -1
	case a.MinorVersion > b.MinorVersion:
		return 1
	default:
		return 0
	}
}

// Next returns the version that follows v for an update consistent with
// stateVersion. Advancing the state resets the minor version; a
// configuration-only change at the same state bumps it.
func (v CVRVersion) Next(stateVersion string) CVRVersion {
	if stateVersion != v.StateVersion {
		return CVRVersion{StateVersion: stateVersion}
	}
	return CVRVersion{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
}
