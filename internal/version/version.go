// Package version compares dotted numeric version strings.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an ordered tuple of non-negative integers, e.g. 1.0.2 or
// 1.0.2.7. Arity is arbitrary; comparison zero-pads the shorter tuple.
type Version []int

// ParseError indicates a version string that is not a dotted sequence of
// non-negative base-10 integers.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Raw, e.Reason)
}

// Parse splits raw on "." and requires every component to be a non-negative
// base-10 integer.
func Parse(raw string) (Version, error) {
	if raw == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty string"}
	}
	parts := strings.Split(raw, ".")
	v := make(Version, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || strings.HasPrefix(part, "+") || strings.HasPrefix(part, "-") {
			return nil, &ParseError{Raw: raw, Reason: fmt.Sprintf("component %q is not a non-negative integer", part)}
		}
		v[i] = n
	}
	return v, nil
}

// String renders the version back to dotted form.
func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b,
// component-wise after zero-padding the shorter tuple.
func Compare(a, b Version) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// IsNewer reports whether remote is strictly newer than current. A parse
// failure on either side yields false — ambiguous input must never trigger
// an update.
func IsNewer(remote, current string) bool {
	r, err := Parse(remote)
	if err != nil {
		return false
	}
	c, err := Parse(current)
	if err != nil {
		return false
	}
	return Compare(r, c) > 0
}
