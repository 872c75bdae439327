// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Version is a kernel version triplet.
type Version struct {
	Major, Minor, Patch int
}

var releaseRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion parses the leading version triplet of a kernel release string.
//
// Suffixes like "-android12-9-gabcdef" are ignored.
func ParseVersion(release string) (Version, error) {
	m := releaseRe.FindStringSubmatch(release)
	if m == nil {
		return Version{}, fmt.Errorf("malformed kernel release %q", release)
	}

	var (
		v   Version
		err error
	)

	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, err
	}

	if v.Minor, err = strconv.Atoi(m[2]); err != nil {
		return Version{}, err
	}

	if m[3] != "" {
		if v.Patch, err = strconv.Atoi(m[3]); err != nil {
			return Version{}, err
		}
	}

	return v, nil
}

// Compare returns -1, 0 or 1 if v is older, equal or newer than other.
func (v Version) Compare(other Version) int {
	for _, d := range [...]int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}

	return 0
}

// AtLeast returns true if v is major.minor.patch or newer.
func (v Version) AtLeast(major, minor, patch int) bool {
	return v.Compare(Version{Major: major, Minor: minor, Patch: patch}) >= 0
}

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MarshalYAML implements yaml.Marshaler.
func (v Version) MarshalYAML() (any, error) {
	return v.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	var s string

	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}
