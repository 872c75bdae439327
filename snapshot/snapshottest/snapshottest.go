// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package snapshottest provides an in-memory snapshot for tests.
package snapshottest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
)

// Address space boundaries of the fake arm64 kernel.
const (
	KernelBase = 0xffffff8000000000
	UserLimit  = 0x0000008000000000

	vmemmapBase = 0xfffffffe00000000
	structPage  = 64
	heapBase    = KernelBase + 0x10000000
	physBase    = 0x80000000
)

type ptKey struct {
	task  uint64
	vpage uint64
}

// Snapshot is a sparse in-memory snapshot.
//
// Kernel types are described by the maps filled in by NewARM64, tests might
// alter them before resolving the layout.
type Snapshot struct { //nolint:govet
	mu sync.Mutex

	release  string
	arch     string
	pageSize uint64
	flags    snapshot.Flags

	kernelMem map[uint64][]byte
	physMem   map[uint64][]byte
	failPhys  map[uint64]struct{}

	symbols    map[string]uint64
	fields     map[string]int
	sizes      map[string]int
	fieldTypes map[string]string

	ptes    map[ptKey]snapshot.Translation
	pages   map[uint64]uint64
	files   map[uint64]string
	objects map[uint64][]byte

	nextKernel uint64
	nextPhys   uint64
	nextHandle uint64

	layout *kernel.Layout

	swapInfo      uint64
	swapperSpaces uint64
	cache         map[uint64]map[uint64]uint64

	physReads atomic.Int64
	walks     atomic.Int64
}

// NewARM64 creates an empty arm64 snapshot with the kernel types of the release.
func NewARM64(release string) *Snapshot {
	s := &Snapshot{
		release:    release,
		arch:       string(kernel.ArchARM64),
		pageSize:   4096,
		kernelMem:  map[uint64][]byte{},
		physMem:    map[uint64][]byte{},
		failPhys:   map[uint64]struct{}{},
		symbols:    map[string]uint64{},
		fields:     map[string]int{},
		sizes:      map[string]int{},
		fieldTypes: map[string]string{},
		ptes:       map[ptKey]snapshot.Translation{},
		pages:      map[uint64]uint64{},
		files:      map[uint64]string{},
		objects:    map[uint64][]byte{},
		cache:      map[uint64]map[uint64]uint64{},
		nextKernel: heapBase,
		nextPhys:   physBase,
		nextHandle: 0x1000,
		flags:      snapshot.Flags{SwapInfoPointers: true},
	}

	v, err := kernel.ParseVersion(release)
	if err != nil {
		panic(err)
	}

	defineTypes(s, v)

	return s
}

func defineTypes(s *Snapshot, v kernel.Version) {
	s.DefineStruct("swap_info_struct", 256, map[string]int{
		"flags":            0,
		"prio":             8,
		"pages":            16,
		"inuse_pages":      20,
		"swap_extent_root": 32,
		"bdev":             40,
		"swap_file":        48,
	})

	if v.AtLeast(5, 10, 0) {
		s.DefineStruct("block_device", 64, map[string]int{
			"bd_start_sect": 0,
			"bd_disk":       16,
		})
	} else {
		s.DefineStruct("block_device", 64, map[string]int{
			"bd_disk": 16,
			"bd_part": 24,
		})
		s.DefineStruct("hd_struct", 64, map[string]int{
			"start_sect": 8,
		})
	}

	s.DefineStruct("gendisk", 128, map[string]int{"private_data": 40})
	s.DefineStruct("swap_extent", 48, map[string]int{
		"rb_node":     0,
		"start_page":  24,
		"nr_pages":    32,
		"start_block": 40,
	})
	s.DefineStruct("rb_node", 24, map[string]int{
		"__rb_parent_color": 0,
		"rb_right":          8,
		"rb_left":           16,
	})
	s.DefineStruct("address_space", 128, map[string]int{"i_pages": 8})

	if v.AtLeast(4, 20, 0) {
		s.fieldTypes["address_space.i_pages"] = "xarray"
		s.DefineStruct("xarray", 16, map[string]int{"xa_head": 8})
		s.DefineStruct("xa_node", 576, map[string]int{"shift": 0, "slots": 40})
	} else {
		s.fieldTypes["address_space.i_pages"] = "radix_tree_root"
		s.DefineStruct("radix_tree_root", 16, map[string]int{"rnode": 8})
		s.DefineStruct("radix_tree_node", 576, map[string]int{"shift": 0, "slots": 40})
	}

	s.DefineStruct("zram", 512, map[string]int{
		"table":      0,
		"mem_pool":   8,
		"compressor": 64,
	})
	s.DefineStruct("zram_table_entry", 16, map[string]int{"handle": 0, "flags": 8})
	s.DefineStruct("task_struct", 1024, map[string]int{"mm": 64})
	s.DefineStruct("mm_struct", 512, map[string]int{"arg_start": 16, "arg_end": 24})
}

// DefineStruct sets the size and field offsets of a kernel type.
func (s *Snapshot) DefineStruct(typ string, size int, fields map[string]int) {
	s.sizes[typ] = size

	for name, off := range fields {
		s.fields[typ+"."+name] = off
	}
}

// RemoveField drops the field from the type description.
func (s *Snapshot) RemoveField(typ, field string) {
	delete(s.fields, typ+"."+field)
}

// RemoveSymbol drops the kernel symbol.
func (s *Snapshot) RemoveSymbol(name string) {
	delete(s.symbols, name)
}

// SetFlags sets the capability flags.
func (s *Snapshot) SetFlags(flags snapshot.Flags) {
	s.flags = flags
}

// Layout resolves the kernel layout of the snapshot, panicking on failure.
func (s *Snapshot) Layout() *kernel.Layout {
	if s.layout == nil {
		l, err := kernel.Resolve(s)
		if err != nil {
			panic(err)
		}

		s.layout = l
	}

	return s.layout
}

// Release implements snapshot.Introspector.
func (s *Snapshot) Release() string { return s.release }

// Arch implements snapshot.Introspector.
func (s *Snapshot) Arch() string { return s.arch }

// PageSize implements snapshot.Introspector.
func (s *Snapshot) PageSize() uint64 { return s.pageSize }

// Flags implements snapshot.Introspector.
func (s *Snapshot) Flags() snapshot.Flags { return s.flags }

// FieldOffset implements snapshot.Introspector.
func (s *Snapshot) FieldOffset(typ, field string) (int, bool) {
	off, ok := s.fields[typ+"."+field]

	return off, ok
}

// StructSize implements snapshot.Introspector.
func (s *Snapshot) StructSize(typ string) (int, bool) {
	size, ok := s.sizes[typ]

	return size, ok
}

// FieldTypeName implements snapshot.Introspector.
func (s *Snapshot) FieldTypeName(typ, field string) (string, bool) {
	name, ok := s.fieldTypes[typ+"."+field]

	return name, ok
}

// Symbol implements snapshot.Symbols.
func (s *Snapshot) Symbol(name string) (uint64, bool) {
	addr, ok := s.symbols[name]

	return addr, ok
}

// SetSymbol defines a kernel symbol.
func (s *Snapshot) SetSymbol(name string, addr uint64) {
	s.symbols[name] = addr
}

// IsKernelAddress implements snapshot.Snapshot.
func (s *Snapshot) IsKernelAddress(addr uint64) bool {
	return addr >= KernelBase
}

// IsUserAddress implements snapshot.Snapshot.
func (s *Snapshot) IsUserAddress(_ snapshot.Task, addr uint64) bool {
	return addr < UserLimit
}

// FilePath implements snapshot.Snapshot.
func (s *Snapshot) FilePath(file, _ uint64) (string, error) {
	path, ok := s.files[file]
	if !ok {
		return "", fmt.Errorf("unknown file %#x", file)
	}

	return path, nil
}

// PageToPhys implements snapshot.Snapshot.
func (s *Snapshot) PageToPhys(page uint64) (uint64, error) {
	phys, ok := s.pages[page]
	if !ok {
		return 0, fmt.Errorf("%w: struct page %#x", snapshot.ErrNotMapped, page)
	}

	return phys, nil
}

// WalkPageTable implements snapshot.PageTableWalker.
func (s *Snapshot) WalkPageTable(task snapshot.Task, vaddr uint64) (snapshot.Translation, error) {
	s.walks.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ptes[ptKey{task: task.Addr, vpage: vaddr &^ (s.pageSize - 1)}], nil
}

// ReadKernel implements snapshot.KernelReader.
func (s *Snapshot) ReadKernel(addr uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(s.kernelMem, addr, buf)
}

// ReadPhysical implements snapshot.PhysicalReader.
func (s *Snapshot) ReadPhysical(addr uint64, buf []byte) error {
	s.physReads.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, fail := s.failPhys[addr&^(s.pageSize-1)]; fail {
		return fmt.Errorf("injected read failure at %#x", addr)
	}

	return s.read(s.physMem, addr, buf)
}

// ReadObject reads a zsmalloc object registered with AddObject.
func (s *Snapshot) ReadObject(_, handle uint64, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[handle]
	if !ok {
		return nil, fmt.Errorf("unknown zsmalloc handle %#x", handle)
	}

	if len(obj) < size {
		return nil, fmt.Errorf("zsmalloc object %#x is %d bytes, requested %d", handle, len(obj), size)
	}

	return obj[:size], nil
}

// PhysicalReads returns the number of physical reads performed.
func (s *Snapshot) PhysicalReads() int64 {
	return s.physReads.Load()
}

// Walks returns the number of page table walks performed.
func (s *Snapshot) Walks() int64 {
	return s.walks.Load()
}

// FailPhysical makes reads of the physical page fail.
func (s *Snapshot) FailPhysical(phys uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPhys[phys&^(s.pageSize-1)] = struct{}{}
}

func (s *Snapshot) read(mem map[uint64][]byte, addr uint64, buf []byte) error {
	for n := 0; n < len(buf); {
		cur := addr + uint64(n)
		page, ok := mem[cur&^(s.pageSize-1)]

		if !ok {
			return fmt.Errorf("%w: %#x", snapshot.ErrNotMapped, cur)
		}

		n += copy(buf[n:], page[cur&(s.pageSize-1):])
	}

	return nil
}

func (s *Snapshot) write(mem map[uint64][]byte, addr uint64, data []byte) {
	for n := 0; n < len(data); {
		cur := addr + uint64(n)
		base := cur &^ (s.pageSize - 1)

		page, ok := mem[base]
		if !ok {
			page = make([]byte, s.pageSize)
			mem[base] = page
		}

		n += copy(page[cur-base:], data[n:])
	}
}

// WriteKernel stores data in kernel memory, mapping pages as needed.
func (s *Snapshot) WriteKernel(addr uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(s.kernelMem, addr, data)
}

// WritePhysical stores data in physical memory, mapping pages as needed.
func (s *Snapshot) WritePhysical(addr uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(s.physMem, addr, data)
}

// PutUint32 stores a 32-bit value in kernel memory.
func (s *Snapshot) PutUint32(addr uint64, v uint32) {
	s.WriteKernel(addr, binary.LittleEndian.AppendUint32(nil, v))
}

// PutUint64 stores a 64-bit value in kernel memory.
func (s *Snapshot) PutUint64(addr uint64, v uint64) {
	s.WriteKernel(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// Alloc reserves zeroed kernel memory.
func (s *Snapshot) Alloc(size int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.nextKernel
	s.nextKernel += (uint64(size) + 63) &^ 63

	s.write(s.kernelMem, addr, make([]byte, size))

	return addr
}

// AllocPhysical reserves a zeroed physical page filled with data.
func (s *Snapshot) AllocPhysical(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.nextPhys
	s.nextPhys += s.pageSize

	page := make([]byte, s.pageSize)
	copy(page, data)

	s.write(s.physMem, addr, page)

	return addr
}

// AddPage allocates a physical page holding data and returns its struct page address.
func (s *Snapshot) AddPage(data []byte) (page, phys uint64) {
	phys = s.AllocPhysical(data)
	page = vmemmapBase + (phys/s.pageSize)*structPage

	s.mu.Lock()
	s.pages[page] = phys
	s.mu.Unlock()

	return page, phys
}

// AddObject registers a zsmalloc object and returns its handle.
func (s *Snapshot) AddObject(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextHandle
	s.nextHandle += 0x10

	s.objects[handle] = append([]byte(nil), data...)

	return handle
}
