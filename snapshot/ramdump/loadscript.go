// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ramdump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadScript is the name of the debugger script listing the dump files.
const LoadScript = "load.cmm"

// ParseLoadScript extracts the regions from a debugger load script.
//
// Lines look like:
//
//	d.load.binary DDRCS0_0.BIN 0x80000000--0xbfffffff /noclear
func ParseLoadScript(r io.Reader) ([]Region, error) {
	var regions []Region

	scanner := bufio.NewScanner(r)

	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "d.load.binary", "data.load.binary":
		default:
			continue
		}

		start, _, _ := strings.Cut(fields[2], "--")

		base, err := strconv.ParseUint(start, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid base address %q: %w", line, fields[2], err)
		}

		regions = append(regions, Region{
			Path: fields[1],
			Base: base,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}

// OpenDir maps the dump files listed in the load script of the directory.
func OpenDir(dir string) (*Reader, error) {
	f, err := os.Open(filepath.Join(dir, LoadScript))
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	regions, err := ParseLoadScript(f)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", LoadScript, err)
	}

	for i := range regions {
		if !filepath.IsAbs(regions[i].Path) {
			regions[i].Path = filepath.Join(dir, regions[i].Path)
		}
	}

	return Open(regions...)
}
