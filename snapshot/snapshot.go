// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package snapshot defines the primitives a crash dump provider exposes to the memory engine.
//
// Raw physical reads, kernel virtual reads, symbol and type introspection and
// page table walks are implemented by the dump provider; this module only consumes them.
package snapshot

import "errors"

// Common errors.
var (
	ErrNotMapped = errors.New("address is not mapped in the snapshot")
)

// Task identifies a process in the snapshot.
type Task struct {
	// Addr is the address of the task_struct.
	Addr uint64
	// PID of the task.
	PID int
	// Comm is the task command name.
	Comm string
}

// Translation is the result of a page table walk.
type Translation struct {
	// Resident is true if the page was present in memory.
	Resident bool
	// Phys is the physical address of the page, only valid if Resident.
	Phys uint64
	// PTE is the raw page table entry value, valid when the walk reached the last level.
	PTE uint64
}

// PhysicalReader reads physical memory.
type PhysicalReader interface {
	ReadPhysical(addr uint64, buf []byte) error
}

// KernelReader reads kernel virtual memory.
type KernelReader interface {
	ReadKernel(addr uint64, buf []byte) error
}

// PageTableWalker translates process virtual addresses.
type PageTableWalker interface {
	WalkPageTable(task Task, vaddr uint64) (Translation, error)
}

// Symbols looks up kernel symbol addresses.
type Symbols interface {
	Symbol(name string) (uint64, bool)
}

// Introspector exposes kernel debug type metadata.
type Introspector interface {
	// Release returns the kernel release string, e.g. "5.10.110-android12-9".
	Release() string
	// Arch returns the machine architecture, e.g. "arm64".
	Arch() string
	// PageSize returns the page size of the dumped kernel.
	PageSize() uint64
	// FieldOffset returns the offset of the field within the struct.
	FieldOffset(typ, field string) (int, bool)
	// StructSize returns the size of the struct.
	StructSize(typ string) (int, bool)
	// FieldTypeName returns the type name of the field, e.g. "xarray".
	FieldTypeName(typ, field string) (string, bool)
	// Flags returns capability flags observed while loading the dump.
	Flags() Flags
}

// Flags are capability flags of the dumped kernel.
type Flags struct {
	// SwapInfoPointers is set if swap_info is an array of pointers to swap_info_struct.
	SwapInfoPointers bool
}

// Snapshot is the complete set of primitives consumed by the engine.
type Snapshot interface {
	PhysicalReader
	KernelReader
	PageTableWalker
	Symbols
	Introspector

	// PageToPhys converts a struct page address into a physical address.
	PageToPhys(page uint64) (uint64, error)
	// IsKernelAddress reports whether addr is a valid kernel virtual address.
	IsKernelAddress(addr uint64) bool
	// IsUserAddress reports whether addr is a valid user address of the task.
	IsUserAddress(task Task, addr uint64) bool
	// FilePath resolves the path of a struct file, vfsmnt might be zero.
	FilePath(file, vfsmnt uint64) (string, error)
}
