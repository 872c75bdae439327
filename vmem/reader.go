// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem

import (
	"bytes"
	"fmt"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
)

// maxArgsLen bounds the command line read from mm_struct.
const maxArgsLen = 128 * 1024

// Read returns length bytes of the task memory at vaddr.
//
// The read is all or nothing: if any page of the range fails to resolve,
// no bytes are returned and the error wraps ErrPartialRead and the page failure.
func (e *Engine) Read(task snapshot.Task, vaddr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, &ResolveError{
			Kind:   ErrInvalidAddress,
			Err:    fmt.Errorf("negative length %d", length),
			PID:    task.PID,
			Vaddr:  vaddr,
			Device: NoDevice,
		}
	}

	buf := make([]byte, length)

	if err := e.ReadInto(task, vaddr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadInto fills buf with the task memory at vaddr.
//
// All pages are resolved before copying, buf is left untouched on failure.
func (e *Engine) ReadInto(task snapshot.Task, vaddr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	if vaddr+uint64(len(buf)) < vaddr {
		return &ResolveError{
			Kind:   ErrInvalidAddress,
			Err:    fmt.Errorf("range of %d bytes overflows", len(buf)),
			PID:    task.PID,
			Vaddr:  vaddr,
			Device: NoDevice,
		}
	}

	pageMask := e.layout.PageMask()
	first := vaddr & pageMask
	last := (vaddr + uint64(len(buf)) - 1) & pageMask

	pages := make([][]byte, 0, (last-first)/e.layout.PageSize+1)

	for page := first; ; page += e.layout.PageSize {
		resolved, err := e.ResolvePage(task, page)
		if err != nil {
			return fmt.Errorf("%w at %#x+%d: %w", ErrPartialRead, vaddr, len(buf), err)
		}

		pages = append(pages, resolved.Data)

		if page == last {
			break
		}
	}

	n := copy(buf, pages[0][vaddr-first:])

	for _, data := range pages[1:] {
		n += copy(buf[n:], data)
	}

	return nil
}

func (e *Engine) readStruct(task snapshot.Task, vaddr uint64, size int) (kernel.Struct, error) {
	buf, err := e.Read(task, vaddr, size)
	if err != nil {
		return kernel.Struct{}, err
	}

	return kernel.NewStruct(buf, e.layout.PointerSize), nil
}

// ReadUint8 reads a byte of task memory.
func (e *Engine) ReadUint8(task snapshot.Task, vaddr uint64) (uint8, error) {
	s, err := e.readStruct(task, vaddr, 1)
	if err != nil {
		return 0, err
	}

	return s.Uint8(0), nil
}

// ReadUint16 reads a 16-bit value of task memory.
func (e *Engine) ReadUint16(task snapshot.Task, vaddr uint64) (uint16, error) {
	s, err := e.readStruct(task, vaddr, 2)
	if err != nil {
		return 0, err
	}

	return s.Uint16(0), nil
}

// ReadUint32 reads a 32-bit value of task memory.
func (e *Engine) ReadUint32(task snapshot.Task, vaddr uint64) (uint32, error) {
	s, err := e.readStruct(task, vaddr, 4)
	if err != nil {
		return 0, err
	}

	return s.Uint32(0), nil
}

// ReadUint64 reads a 64-bit value of task memory.
func (e *Engine) ReadUint64(task snapshot.Task, vaddr uint64) (uint64, error) {
	s, err := e.readStruct(task, vaddr, 8)
	if err != nil {
		return 0, err
	}

	return s.Uint64(0), nil
}

// ReadInt32 reads a signed 32-bit value of task memory.
func (e *Engine) ReadInt32(task snapshot.Task, vaddr uint64) (int32, error) {
	v, err := e.ReadUint32(task, vaddr)

	return int32(v), err
}

// ReadInt64 reads a signed 64-bit value of task memory.
func (e *Engine) ReadInt64(task snapshot.Task, vaddr uint64) (int64, error) {
	v, err := e.ReadUint64(task, vaddr)

	return int64(v), err
}

// ReadBool reads a C bool of task memory.
func (e *Engine) ReadBool(task snapshot.Task, vaddr uint64) (bool, error) {
	v, err := e.ReadUint8(task, vaddr)

	return v != 0, err
}

// ReadPointer reads a pointer of the kernel pointer size.
func (e *Engine) ReadPointer(task snapshot.Task, vaddr uint64) (uint64, error) {
	s, err := e.readStruct(task, vaddr, e.layout.PointerSize)
	if err != nil {
		return 0, err
	}

	return s.Pointer(0), nil
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
//
// Pages after the terminator are never resolved.
func (e *Engine) ReadCString(task snapshot.Task, vaddr uint64, maxLen int) (string, error) {
	var out []byte

	offsetMask := e.layout.PageSize - 1

	for len(out) < maxLen {
		cur := vaddr + uint64(len(out))

		page, err := e.ResolvePage(task, cur)
		if err != nil {
			return "", fmt.Errorf("%w at %#x: %w", ErrPartialRead, vaddr, err)
		}

		chunk := page.Data[cur&offsetMask:]
		if rem := maxLen - len(out); len(chunk) > rem {
			chunk = chunk[:rem]
		}

		if idx := bytes.IndexByte(chunk, 0); idx >= 0 {
			return string(append(out, chunk[:idx]...)), nil
		}

		out = append(out, chunk...)
	}

	return string(out), nil
}

// ReadArgs returns the command line of the task.
//
// Tasks without a user command line, like kernel threads, report the task comm.
func (e *Engine) ReadArgs(task snapshot.Task) ([]string, error) {
	if err := e.layout.TaskErr(); err != nil {
		return nil, err
	}

	mem := kernel.NewMemory(e.snap, e.layout)
	tl := e.layout.Task

	mm, err := mem.Pointer(task.Addr + uint64(tl.MM))
	if err != nil {
		return nil, fmt.Errorf("error reading task mm: %w", err)
	}

	if !e.snap.IsKernelAddress(mm) {
		return []string{task.Comm}, nil
	}

	start, err := mem.Ulong(mm + uint64(tl.ArgStart))
	if err != nil {
		return nil, fmt.Errorf("error reading arg_start: %w", err)
	}

	end, err := mem.Ulong(mm + uint64(tl.ArgEnd))
	if err != nil {
		return nil, fmt.Errorf("error reading arg_end: %w", err)
	}

	if end <= start {
		return []string{task.Comm}, nil
	}

	buf, err := e.Read(task, start, int(min(end-start, maxArgsLen)))
	if err != nil {
		return nil, err
	}

	buf = bytes.TrimRight(buf, "\x00")
	if len(buf) == 0 {
		return []string{task.Comm}, nil
	}

	return xslices.Map(bytes.Split(buf, []byte{0}), func(arg []byte) string {
		return string(arg)
	}), nil
}
