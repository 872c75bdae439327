// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package snapshottest

import (
	"cmp"
	"slices"

	"github.com/siderolabs/gen/maps"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
	"github.com/siderolabs/go-vmcore/swap"
)

// maxSwapFiles is MAX_SWAPFILES of the fake kernel.
const maxSwapFiles = 32

// spacesPerType is the number of address_space shards allocated per swap type.
const spacesPerType = 4

// NewTask allocates a task_struct with an mm_struct.
func (s *Snapshot) NewTask(pid int, comm string) snapshot.Task {
	l := s.Layout()

	task := s.Alloc(1024)
	mm := s.Alloc(512)

	s.PutUint64(task+uint64(l.Task.MM), mm)

	return snapshot.Task{
		Addr: task,
		PID:  pid,
		Comm: comm,
	}
}

// SetArgs sets mm_struct.arg_start and arg_end of the task.
func (s *Snapshot) SetArgs(task snapshot.Task, start, end uint64) {
	l := s.Layout()

	mm := s.mustPointer(task.Addr + uint64(l.Task.MM))

	s.PutUint64(mm+uint64(l.Task.ArgStart), start)
	s.PutUint64(mm+uint64(l.Task.ArgEnd), end)
}

// MapPage maps the user page to a new physical page holding data.
func (s *Snapshot) MapPage(task snapshot.Task, vaddr uint64, data []byte) uint64 {
	phys := s.AllocPhysical(data)

	s.SetTranslation(task, vaddr, snapshot.Translation{
		Resident: true,
		Phys:     phys,
		PTE:      phys | 1,
	})

	return phys
}

// SetPTE sets a non-resident PTE for the user page.
func (s *Snapshot) SetPTE(task snapshot.Task, vaddr, pte uint64) {
	s.SetTranslation(task, vaddr, snapshot.Translation{PTE: pte})
}

// SwapOut sets the PTE of the user page to the swap entry and returns the PTE.
func (s *Snapshot) SwapOut(task snapshot.Task, vaddr uint64, entry kernel.SwapEntry) uint64 {
	pte := s.Layout().SwapEntry.Encode(entry)

	s.SetPTE(task, vaddr, pte)

	return pte
}

// SetTranslation sets the result of the page table walk for the user page.
func (s *Snapshot) SetTranslation(task snapshot.Task, vaddr uint64, tr snapshot.Translation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ptes[ptKey{task: task.Addr, vpage: vaddr &^ (s.pageSize - 1)}] = tr
}

// SwapDevice describes a swap device to install.
type SwapDevice struct {
	Type           int
	Path           string
	Pages          uint32
	InusePages     uint32
	PartitionStart uint64
	Extents        []swap.Extent
	Zram           *ZramDevice
}

// AddSwapDevice installs the swap_info_struct and returns its address.
func (s *Snapshot) AddSwapDevice(dev SwapDevice) uint64 {
	l := s.Layout()
	si := l.SwapInfo

	s.ensureSwapInfo()

	addr := s.Alloc(si.Size)

	if s.flags.SwapInfoPointers {
		s.PutUint64(s.swapInfo+uint64(dev.Type*l.PointerSize), addr)
	} else {
		addr = s.swapInfo + uint64(dev.Type*si.Size)
	}

	nr := s.mustUint32(s.symbols["nr_swapfiles"])
	if uint32(dev.Type+1) > nr {
		s.PutUint32(s.symbols["nr_swapfiles"], uint32(dev.Type+1))
	}

	s.PutUint32(addr+uint64(si.Pages), dev.Pages)
	s.PutUint32(addr+uint64(si.InusePages), dev.InusePages)

	if dev.Path != "" {
		file := s.Alloc(64)

		s.mu.Lock()
		s.files[file] = dev.Path
		s.mu.Unlock()

		s.PutUint64(addr+uint64(si.SwapFile), file)
	}

	bdev := s.Alloc(64)
	s.PutUint64(addr+uint64(si.Bdev), bdev)

	switch l.PartitionStart {
	case kernel.PartitionStartBdev:
		s.PutUint64(bdev+uint64(l.BlockDevice.StartSect), dev.PartitionStart)
	case kernel.PartitionStartHDStruct:
		part := s.Alloc(64)
		s.PutUint64(bdev+uint64(l.BlockDevice.Part), part)
		s.PutUint64(part+uint64(l.BlockDevice.PartStartSect), dev.PartitionStart)
	}

	if dev.Zram != nil {
		disk := s.Alloc(128)
		s.PutUint64(bdev+uint64(l.BlockDevice.Disk), disk)
		s.PutUint64(disk+uint64(l.Gendisk.PrivateData), dev.Zram.Addr)
	}

	extents := slices.Clone(dev.Extents)
	slices.SortFunc(extents, func(a, b swap.Extent) int {
		return cmp.Compare(a.StartPage, b.StartPage)
	})

	s.PutUint64(addr+uint64(si.ExtentRoot), s.buildExtentTree(extents))

	return addr
}

func (s *Snapshot) ensureSwapInfo() {
	if s.swapInfo != 0 {
		return
	}

	l := s.Layout()

	if s.flags.SwapInfoPointers {
		s.swapInfo = s.Alloc(maxSwapFiles * l.PointerSize)
	} else {
		s.swapInfo = s.Alloc(maxSwapFiles * l.SwapInfo.Size)
	}

	s.SetSymbol("swap_info", s.swapInfo)
	s.SetSymbol("nr_swapfiles", s.Alloc(4))
}

// buildExtentTree builds a balanced rbtree of sorted extents and returns the root rb_node.
func (s *Snapshot) buildExtentTree(extents []swap.Extent) uint64 {
	if len(extents) == 0 {
		return 0
	}

	l := s.Layout()
	se := l.SwapExtent
	mid := len(extents) / 2

	addr := s.Alloc(se.Size)
	node := addr + uint64(se.RBNode)

	s.PutUint64(addr+uint64(se.StartPage), extents[mid].StartPage)
	s.PutUint64(addr+uint64(se.NrPages), extents[mid].NrPages)
	s.PutUint64(addr+uint64(se.StartBlock), extents[mid].StartBlock)
	s.PutUint64(node+uint64(l.RBNode.Left), s.buildExtentTree(extents[:mid]))
	s.PutUint64(node+uint64(l.RBNode.Right), s.buildExtentTree(extents[mid+1:]))

	return node
}

// ZramDevice is a struct zram installed in the snapshot.
type ZramDevice struct {
	s *Snapshot

	Addr  uint64
	Table uint64
	Pool  uint64
}

// AddZram installs a struct zram with a table of the given size.
func (s *Snapshot) AddZram(algorithm string, entries int) *ZramDevice {
	l := s.Layout()
	zl := l.Zram

	z := &ZramDevice{
		s:     s,
		Addr:  s.Alloc(512),
		Table: s.Alloc(entries * zl.EntrySize),
		Pool:  s.Alloc(64),
	}

	s.PutUint64(z.Addr+uint64(zl.Table), z.Table)
	s.PutUint64(z.Addr+uint64(zl.MemPool), z.Pool)

	name := append([]byte(algorithm), 0)

	if zl.CompressorIsPointer {
		str := s.Alloc(zl.CompressorSize)
		s.WriteKernel(str, name)
		s.PutUint64(z.Addr+uint64(zl.Compressor), str)
	} else {
		s.WriteKernel(z.Addr+uint64(zl.Compressor), name)
	}

	return z
}

// SetEntry writes the raw table entry.
func (z *ZramDevice) SetEntry(index, handle, flags uint64) {
	zl := z.s.Layout().Zram
	entry := z.Table + index*uint64(zl.EntrySize)

	z.s.PutUint64(entry+uint64(zl.EntryHandle), handle)
	z.s.PutUint64(entry+uint64(zl.EntryFlags), flags)
}

// SetObject stores a compressed object at the index.
func (z *ZramDevice) SetObject(index uint64, data []byte) uint64 {
	handle := z.s.AddObject(data)

	z.SetEntry(index, handle, uint64(len(data)))

	return handle
}

// SetSame marks the index as a same-filled page.
func (z *ZramDevice) SetSame(index, fill uint64) {
	z.SetEntry(index, fill, 1<<z.s.Layout().Zram.SameBit)
}

// SetWrittenBack marks the index as written back.
func (z *ZramDevice) SetWrittenBack(index uint64) {
	z.SetEntry(index, 0, 1<<z.s.Layout().Zram.WBBit)
}

// SetSwapCacheEntry stores the raw entry in the swap cache of the swap type.
//
// The tree of the address space is rebuilt on every call.
func (s *Snapshot) SetSwapCacheEntry(typ, offset, entry uint64) {
	l := s.Layout()

	s.ensureSwapperSpaces()

	spaces := s.mustPointer(s.swapperSpaces + typ*uint64(l.PointerSize))
	if spaces == 0 {
		spaces = s.Alloc(spacesPerType * l.AddressSpace.Size)
		s.PutUint64(s.swapperSpaces+typ*uint64(l.PointerSize), spaces)
	}

	shard := offset >> l.SwapAddressSpaceShift
	space := spaces + shard*uint64(l.AddressSpace.Size)

	key := space
	if s.cache[key] == nil {
		s.cache[key] = map[uint64]uint64{}
	}

	s.cache[key][offset] = entry

	s.PutUint64(space+uint64(l.AddressSpace.IPages+l.AddressSpace.Head), s.buildTree(s.cache[key]))
}

// AddSwapCachePage stores a page holding data in the swap cache and returns its physical address.
func (s *Snapshot) AddSwapCachePage(typ, offset uint64, data []byte) uint64 {
	page, phys := s.AddPage(data)

	s.SetSwapCacheEntry(typ, offset, page)

	return phys
}

func (s *Snapshot) ensureSwapperSpaces() {
	if s.swapperSpaces != 0 {
		return
	}

	s.swapperSpaces = s.Alloc(maxSwapFiles * s.Layout().PointerSize)
	s.SetSymbol("swapper_spaces", s.swapperSpaces)
}

func (s *Snapshot) internalTag() uint64 {
	if s.Layout().SwapCache == kernel.TreeXArray {
		return 2
	}

	return 1
}

func (s *Snapshot) buildTree(entries map[uint64]uint64) uint64 {
	l := s.Layout()
	chunkShift := l.TreeNode.ChunkShift

	maxIndex := slices.Max(maps.Keys(entries))

	var shift uint

	for maxIndex>>shift >= 1<<chunkShift {
		shift += chunkShift
	}

	return s.buildNode(entries, 0, shift) | s.internalTag()
}

func (s *Snapshot) buildNode(entries map[uint64]uint64, base uint64, shift uint) uint64 {
	l := s.Layout()
	chunk := uint64(1) << l.TreeNode.ChunkShift

	node := s.Alloc(l.TreeNode.Slots + int(chunk)*l.PointerSize)
	s.WriteKernel(node+uint64(l.TreeNode.Shift), []byte{byte(shift)})

	for i := range chunk {
		lo := base + i<<shift
		hi := lo + uint64(1)<<shift

		var slot uint64

		if shift == 0 {
			slot = entries[lo]
		} else {
			for index := range entries {
				if index >= lo && index < hi {
					slot = s.buildNode(entries, lo, shift-l.TreeNode.ChunkShift) | s.internalTag()

					break
				}
			}
		}

		s.PutUint64(node+uint64(l.TreeNode.Slots)+i*uint64(l.PointerSize), slot)
	}

	return node
}

func (s *Snapshot) mustPointer(addr uint64) uint64 {
	buf := make([]byte, 8)

	if err := s.ReadKernel(addr, buf); err != nil {
		panic(err)
	}

	return kernel.NewStruct(buf, 8).Pointer(0)
}

func (s *Snapshot) mustUint32(addr uint64) uint32 {
	buf := make([]byte, 4)

	if err := s.ReadKernel(addr, buf); err != nil {
		panic(err)
	}

	return kernel.NewStruct(buf, 8).Uint32(0)
}
