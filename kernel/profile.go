// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads a YAML layout profile.
//
// Fields missing from the profile keep the defaults for its arch and version.
func LoadProfile(r io.Reader) (*Layout, error) {
	var header struct {
		Version Version `yaml:"version"`
		Arch    Arch    `yaml:"arch"`
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading layout profile: %w", err)
	}

	if err = yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("error decoding layout profile: %w", err)
	}

	l, err := Defaults(header.Arch, header.Version)
	if err != nil {
		return nil, err
	}

	if err = yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("error decoding layout profile: %w", err)
	}

	if err = l.Validate(); err != nil {
		return nil, err
	}

	return &l, nil
}

// LoadProfileFile reads a YAML layout profile from the file.
func LoadProfileFile(path string) (*Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return LoadProfile(f)
}

// SaveProfile writes the layout as a YAML profile.
func SaveProfile(w io.Writer, l *Layout) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("error encoding layout profile: %w", err)
	}

	return enc.Close()
}
