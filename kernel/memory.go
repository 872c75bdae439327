// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/go-vmcore/snapshot"
)

// Struct is a raw copy of a kernel structure.
//
// Accessors decode little-endian values at the given offset.
type Struct struct {
	data        []byte
	pointerSize int
}

// NewStruct wraps raw structure bytes.
func NewStruct(data []byte, pointerSize int) Struct {
	return Struct{data: data, pointerSize: pointerSize}
}

// Len returns the size of the structure.
func (s Struct) Len() int {
	return len(s.data)
}

// Uint8 returns the byte at offset.
func (s Struct) Uint8(off int) uint8 {
	return s.data[off]
}

// Uint16 returns the 16-bit value at offset.
func (s Struct) Uint16(off int) uint16 {
	return binary.LittleEndian.Uint16(s.data[off : off+2])
}

// Uint32 returns the 32-bit value at offset.
func (s Struct) Uint32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.data[off : off+4])
}

// Uint64 returns the 64-bit value at offset.
func (s Struct) Uint64(off int) uint64 {
	return binary.LittleEndian.Uint64(s.data[off : off+8])
}

// Ulong returns the pointer-sized value at offset.
func (s Struct) Ulong(off int) uint64 {
	if s.pointerSize == 4 {
		return uint64(s.Uint32(off))
	}

	return s.Uint64(off)
}

// Pointer is an alias for Ulong.
func (s Struct) Pointer(off int) uint64 {
	return s.Ulong(off)
}

// Bytes returns n bytes at offset.
func (s Struct) Bytes(off, n int) []byte {
	return s.data[off : off+n]
}

// Memory reads typed values from kernel virtual memory.
type Memory struct {
	r           snapshot.KernelReader
	pointerSize int
	pageSize    uint64
}

// NewMemory returns a reader for kernel memory using the layout pointer size.
func NewMemory(r snapshot.KernelReader, layout *Layout) *Memory {
	return &Memory{
		r:           r,
		pointerSize: layout.PointerSize,
		pageSize:    layout.PageSize,
	}
}

// PointerSize returns the size of kernel pointers.
func (m *Memory) PointerSize() int {
	return m.pointerSize
}

// Struct reads size bytes at addr.
func (m *Memory) Struct(addr uint64, size int) (Struct, error) {
	buf := make([]byte, size)

	if err := m.r.ReadKernel(addr, buf); err != nil {
		return Struct{}, fmt.Errorf("error reading %d bytes at %#x: %w", size, addr, err)
	}

	return NewStruct(buf, m.pointerSize), nil
}

// Uint32 reads a 32-bit value.
func (m *Memory) Uint32(addr uint64) (uint32, error) {
	s, err := m.Struct(addr, 4)
	if err != nil {
		return 0, err
	}

	return s.Uint32(0), nil
}

// Int32 reads a signed 32-bit value.
func (m *Memory) Int32(addr uint64) (int32, error) {
	v, err := m.Uint32(addr)

	return int32(v), err
}

// Uint64 reads a 64-bit value.
func (m *Memory) Uint64(addr uint64) (uint64, error) {
	s, err := m.Struct(addr, 8)
	if err != nil {
		return 0, err
	}

	return s.Uint64(0), nil
}

// Ulong reads a pointer-sized value.
func (m *Memory) Ulong(addr uint64) (uint64, error) {
	s, err := m.Struct(addr, m.pointerSize)
	if err != nil {
		return 0, err
	}

	return s.Ulong(0), nil
}

// Pointer reads a pointer.
func (m *Memory) Pointer(addr uint64) (uint64, error) {
	return m.Ulong(addr)
}

// CString reads a NUL-terminated string of at most maxLen bytes.
//
// The string is read page by page, so a short string at the end of a mapping is readable.
func (m *Memory) CString(addr uint64, maxLen int) (string, error) {
	var out []byte

	for len(out) < maxLen {
		cur := addr + uint64(len(out))

		n := maxLen - len(out)
		if m.pageSize != 0 {
			n = min(n, int(m.pageSize-cur%m.pageSize))
		}

		s, err := m.Struct(cur, n)
		if err != nil {
			return "", err
		}

		chunk := s.Bytes(0, n)

		if idx := bytes.IndexByte(chunk, 0); idx >= 0 {
			return string(append(out, chunk[:idx]...)), nil
		}

		out = append(out, chunk...)
	}

	return string(out), nil
}
