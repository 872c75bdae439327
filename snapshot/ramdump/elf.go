// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ramdump

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

// ErrNotCore is returned for ELF files which are not core dumps.
var ErrNotCore = errors.New("not an ELF core file")

// OpenELF maps the PT_LOAD segments of an ELF vmcore by their physical address.
func OpenELF(path string) (*Reader, error) {
	data, err := mmapFile(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{}

	if data != nil {
		r.mappings = append(r.mappings, data)
	}

	if err = r.loadELF(path, data); err != nil {
		r.Close() //nolint:errcheck

		return nil, err
	}

	return r, nil
}

func (r *Reader) loadELF(path string, data []byte) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error parsing %q: %w", path, err)
	}

	if f.Type != elf.ET_CORE {
		return fmt.Errorf("%w: %q is %s", ErrNotCore, path, f.Type)
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Filesz == 0 {
			continue
		}

		if ph.Off+ph.Filesz > uint64(len(data)) {
			return fmt.Errorf("segment at %#x is truncated in %q", ph.Paddr, path)
		}

		end := ph.Off + ph.Filesz

		r.segments = append(r.segments, &segment{
			name: fmt.Sprintf("%s@%#x", path, ph.Paddr),
			base: ph.Paddr,
			size: ph.Filesz,
			data: data[ph.Off:end:end],
		})
	}

	return r.sort()
}
