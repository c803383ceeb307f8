// Package version implements the dotted-numeric version grammar used by the
// registry and the total order over it shared by publish and read paths.
//
// The grammar accepts an optional leading "v" followed by two or more
// dot-separated non-negative integer components. It is deliberately not
// semver: calendar-style versions such as "20240304.050607" must parse, keep
// their leading zeros, and compare numerically per component.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flakestry/flakestry/pkg/types"
)

// ErrMalformedVersion is returned for input the grammar rejects. It is a
// user input error, not a system fault.
var ErrMalformedVersion = errors.New("malformed version")

var versionPattern = regexp.MustCompile(`^v?([0-9]+(?:\.[0-9]+)+)$`)

// Parse validates raw against the version grammar and returns the normalized
// form, which is the accepted string with the leading "v" stripped.
func Parse(raw string) (string, error) {
	m := versionPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", fmt.Errorf("%w: %q doesn't match regex %s", ErrMalformedVersion, raw, versionPattern)
	}
	return m[1], nil
}

// Compare orders two normalized versions component-wise numerically.
// Missing trailing components count as zero, so "1.2" equals "1.2.0".
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(as) {
			av, _ = strconv.ParseUint(as[i], 10, 64)
		}
		if i < len(bs) {
			bv, _ = strconv.ParseUint(bs[i], 10, 64)
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// SortReleasesDescending orders releases by version, highest first. Equal
// versions are broken by newest creation time, then by identifier, so the
// order is a deterministic total order. A stored version that no longer
// parses is an internal consistency violation and fails the whole call
// rather than being dropped.
func SortReleasesDescending(releases []types.Release) ([]types.Release, error) {
	for _, r := range releases {
		if _, err := Parse(r.Version); err != nil {
			return nil, fmt.Errorf("stored release %s has unparseable version %q: %w", r.ID, r.Version, err)
		}
	}

	sorted := make([]types.Release, len(releases))
	copy(sorted, releases)

	sort.Slice(sorted, func(i, j int) bool {
		switch Compare(sorted[i].Version, sorted[j].Version) {
		case 1:
			return true
		case -1:
			return false
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID.String() > sorted[j].ID.String()
	})

	return sorted, nil
}

// Latest returns the highest-version release, or nil for an empty input.
func Latest(releases []types.Release) (*types.Release, error) {
	if len(releases) == 0 {
		return nil, nil
	}
	sorted, err := SortReleasesDescending(releases)
	if err != nil {
		return nil, err
	}
	return &sorted[0], nil
}
