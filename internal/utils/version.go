package utils

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidVersionRange = errors.New("provided availability range does not have the correct number of elements")
	ErrInvalidVersion      = errors.New("invalid version")
)

// Version is a dot separated list of numeric components, e.g. 2.00.040.00.
type Version []uint64

func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(ErrInvalidVersion, "empty version")
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidVersion, "%q: component %q", s, part)
		}
		v[i] = n
	}
	return v, nil
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero.
func (v Version) Compare(other Version) int {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// ValidateVersionRange checks that rng has one or two well formed bounds.
func ValidateVersionRange(rng []string) error {
	if len(rng) != 1 && len(rng) != 2 {
		return ErrInvalidVersionRange
	}
	for _, bound := range rng {
		if _, err := ParseVersion(bound); err != nil {
			return err
		}
	}
	return nil
}

// CheckVersionRange reports whether current is at least rng[0] and, for a
// two element range, at most rng[1].
func CheckVersionRange(current string, rng []string) (bool, error) {
	if err := ValidateVersionRange(rng); err != nil {
		return false, err
	}
	cur, err := ParseVersion(current)
	if err != nil {
		return false, err
	}

	low, _ := ParseVersion(rng[0])
	if cur.Compare(low) < 0 {
		return false, nil
	}
	if len(rng) == 2 {
		high, _ := ParseVersion(rng[1])
		if cur.Compare(high) > 0 {
			return false, nil
		}
	}
	return true, nil
}
