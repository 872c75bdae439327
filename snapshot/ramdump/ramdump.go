// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ramdump reads physical memory from raw DDR dumps and ELF vmcores.
package ramdump

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-vmcore/snapshot"
)

// Common errors.
var (
	ErrOverlap        = errors.New("memory regions overlap")
	ErrCrossesRegions = errors.New("read crosses a memory region boundary")
)

// Region is a raw memory dump file loaded at a physical base address.
type Region struct {
	Path string
	Base uint64
}

type segment struct {
	name string
	base uint64
	size uint64

	// data is set for mapped segments, r otherwise.
	data []byte
	r    io.ReaderAt
}

func (s *segment) end() uint64 {
	return s.base + s.size
}

func (s *segment) contains(addr uint64) bool {
	return s.base <= addr && addr < s.end()
}

// Reader implements snapshot.PhysicalReader over a set of memory segments.
type Reader struct {
	segments []*segment
	mappings [][]byte
}

var _ snapshot.PhysicalReader = (*Reader)(nil)

// Open maps the region files.
func Open(regions ...Region) (*Reader, error) {
	r := &Reader{}

	for _, region := range regions {
		data, err := mmapFile(region.Path)
		if err != nil {
			r.Close() //nolint:errcheck

			return nil, err
		}

		if data == nil {
			continue
		}

		r.mappings = append(r.mappings, data)
		r.segments = append(r.segments, &segment{
			name: region.Path,
			base: region.Base,
			size: uint64(len(data)),
			data: data,
		})
	}

	if err := r.sort(); err != nil {
		r.Close() //nolint:errcheck

		return nil, err
	}

	return r, nil
}

// Source is a memory segment backed by an io.ReaderAt.
type Source struct {
	Name   string
	Base   uint64
	Size   uint64
	Reader io.ReaderAt
}

// New builds a reader over the sources without mapping any files.
func New(sources ...Source) (*Reader, error) {
	r := &Reader{}

	for _, src := range sources {
		r.segments = append(r.segments, &segment{
			name: src.Name,
			base: src.Base,
			size: src.Size,
			r:    src.Reader,
		})
	}

	if err := r.sort(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Reader) sort() error {
	slices.SortFunc(r.segments, func(a, b *segment) int {
		return cmp.Compare(a.base, b.base)
	})

	for i := 1; i < len(r.segments); i++ {
		if r.segments[i].base < r.segments[i-1].end() {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, r.segments[i-1].name, r.segments[i].name)
		}
	}

	return nil
}

func mmapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return nil, nil
	}

	if size != int64(int(size)) {
		return nil, fmt.Errorf("file %q is too large to map", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("error mapping %q: %w", path, err)
	}

	return data, nil
}

// Len returns the number of segments.
func (r *Reader) Len() int {
	return len(r.segments)
}

// Size returns the total number of bytes covered by the segments.
func (r *Reader) Size() uint64 {
	var size uint64

	for _, s := range r.segments {
		size += s.size
	}

	return size
}

// ReadPhysical implements snapshot.PhysicalReader.
func (r *Reader) ReadPhysical(addr uint64, buf []byte) error {
	idx := sort.Search(len(r.segments), func(i int) bool {
		return addr < r.segments[i].end()
	})

	if idx == len(r.segments) || !r.segments[idx].contains(addr) {
		return fmt.Errorf("%w: %#x", snapshot.ErrNotMapped, addr)
	}

	s := r.segments[idx]

	if uint64(len(buf)) > s.end()-addr {
		return fmt.Errorf("%w: %#x+%d past the end of %s", ErrCrossesRegions, addr, len(buf), s.name)
	}

	off := addr - s.base

	if s.data != nil {
		copy(buf, s.data[off:])

		return nil
	}

	n, err := s.r.ReadAt(buf, int64(off))
	if n == len(buf) {
		return nil
	}

	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}

	return fmt.Errorf("error reading %s at %#x: %w", s.name, off, err)
}

// Close unmaps the region files.
func (r *Reader) Close() error {
	var errs []error

	for _, data := range r.mappings {
		errs = append(errs, unix.Munmap(data))
	}

	r.mappings = nil
	r.segments = nil

	return errors.Join(errs...)
}
