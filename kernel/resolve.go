// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-vmcore/snapshot"
)

// ErrIncompleteLayout is returned when the introspected metadata lacks required fields.
var ErrIncompleteLayout = errors.New("kernel debug info lacks required fields")

const (
	defaultPageSize              = 4096
	defaultSwapAddressSpaceShift = 14
	defaultTreeChunkShift        = 6
	cryptoMaxAlgName             = 128
	legacyZramFlagShift          = 24
)

// Defaults returns the layout parts which are stable for the architecture and version.
//
// Struct offsets that depend on the kernel configuration are left unset.
func Defaults(arch Arch, v Version) (Layout, error) {
	l := Layout{
		Version:               v,
		Arch:                  arch,
		PageSize:              defaultPageSize,
		SwapAddressSpaceShift: defaultSwapAddressSpaceShift,
		DeviceTable:           DeviceTablePointers,
		PartitionStart:        PartitionStartHDStruct,
		SwapCache:             TreeRadix,
	}

	switch arch {
	case ArchARM64:
		l.PointerSize = 8
		// PTE_VALID | PTE_PROT_NONE
		l.PresentMask = 1<<0 | 1<<58

		if v.AtLeast(6, 3, 0) {
			l.SwapEntry = SwapEntryARM64
		} else {
			l.SwapEntry = SwapEntryARM64Legacy
		}
	case ArchARM:
		l.PointerSize = 4
		// L_PTE_PRESENT
		l.PresentMask = 1 << 0
		l.SwapEntry = SwapEntryARM
	default:
		return Layout{}, fmt.Errorf("unsupported architecture %q", arch)
	}

	if v.AtLeast(5, 10, 0) {
		l.PartitionStart = PartitionStartBdev
	}

	if v.AtLeast(4, 20, 0) {
		l.SwapCache = TreeXArray
	}

	ptr := l.PointerSize

	l.RBNode = RBNodeLayout{Right: ptr, Left: 2 * ptr}

	// struct swap_extent { struct rb_node; pgoff_t start_page; pgoff_t nr_pages; sector_t start_block; }
	rbNodeSize := 3 * ptr
	startBlock := align(rbNodeSize+2*ptr, 8)

	l.SwapExtent = SwapExtentLayout{
		Size:       startBlock + 8,
		RBNode:     0,
		StartPage:  rbNodeSize,
		NrPages:    rbNodeSize + ptr,
		StartBlock: startBlock,
	}

	// xa_head follows the spinlock and the gfp flags.
	l.AddressSpace.Head = 8

	// shift, offset, count, nr_values; parent; array; private_list/rcu_head
	l.TreeNode = TreeNodeLayout{
		Shift:      0,
		Slots:      align(4, ptr) + 2*ptr + 2*ptr,
		ChunkShift: defaultTreeChunkShift,
	}

	l.Zram = ZramLayout{
		CompressorSize: cryptoMaxAlgName,
		EntrySize:      2 * ptr,
		EntryHandle:    0,
		EntryFlags:     ptr,
	}

	l.setZramFlagShift()

	return l, nil
}

func (l *Layout) setZramFlagShift() {
	if l.Version.AtLeast(5, 4, 0) {
		// PAGE_SHIFT + 1
		shift := uint(0)
		for size := l.PageSize; size > 1; size >>= 1 {
			shift++
		}

		l.Zram.FlagShift = shift + 1
	} else {
		l.Zram.FlagShift = legacyZramFlagShift
	}

	// ZRAM_LOCK = ZRAM_FLAG_SHIFT, ZRAM_SAME, ZRAM_WB, ZRAM_UNDER_WB, ZRAM_HUGE
	l.Zram.SameBit = l.Zram.FlagShift + 1
	l.Zram.WBBit = l.Zram.FlagShift + 2
	l.Zram.HugeBit = l.Zram.FlagShift + 4
}

// Resolve builds the layout of the dumped kernel from its debug metadata.
func Resolve(in snapshot.Introspector) (*Layout, error) {
	v, err := ParseVersion(in.Release())
	if err != nil {
		return nil, err
	}

	l, err := Defaults(Arch(in.Arch()), v)
	if err != nil {
		return nil, err
	}

	if ps := in.PageSize(); ps != 0 {
		l.PageSize = ps
		l.setZramFlagShift()
	}

	if in.Flags().SwapInfoPointers {
		l.DeviceTable = DeviceTablePointers
	} else {
		l.DeviceTable = DeviceTableStructs
	}

	r := &resolver{in: in}

	l.SwapInfo = SwapInfoLayout{
		Size:       r.size("swap_info_struct"),
		Pages:      r.field("swap_info_struct", "pages"),
		InusePages: r.field("swap_info_struct", "inuse_pages"),
		SwapFile:   r.field("swap_info_struct", "swap_file"),
		Bdev:       r.field("swap_info_struct", "bdev"),
		ExtentRoot: r.field("swap_info_struct", "swap_extent_root"),
	}

	if off, ok := in.FieldOffset("swap_info_struct", "swap_vfsmnt"); ok {
		l.SwapInfo.SwapVfsmnt = pointer.To(off)
	}

	l.BlockDevice.Disk = r.field("block_device", "bd_disk")

	switch l.PartitionStart {
	case PartitionStartBdev:
		l.BlockDevice.StartSect = r.field("block_device", "bd_start_sect")
	case PartitionStartHDStruct:
		l.BlockDevice.Part = r.field("block_device", "bd_part")
		l.BlockDevice.PartStartSect = r.field("hd_struct", "start_sect")
	}

	l.Gendisk.PrivateData = r.field("gendisk", "private_data")

	r.override(&l.SwapExtent.Size, "swap_extent", "")
	r.override(&l.SwapExtent.RBNode, "swap_extent", "rb_node")
	r.override(&l.SwapExtent.StartPage, "swap_extent", "start_page")
	r.override(&l.SwapExtent.NrPages, "swap_extent", "nr_pages")
	r.override(&l.SwapExtent.StartBlock, "swap_extent", "start_block")
	r.override(&l.RBNode.Right, "rb_node", "rb_right")
	r.override(&l.RBNode.Left, "rb_node", "rb_left")

	l.AddressSpace.Size = r.size("address_space")

	if off, ok := in.FieldOffset("address_space", "i_pages"); ok {
		l.AddressSpace.IPages = off

		if typ, ok := in.FieldTypeName("address_space", "i_pages"); ok && typ == "xarray" {
			l.SwapCache = TreeXArray
		} else {
			l.SwapCache = TreeRadix
		}
	} else {
		l.AddressSpace.IPages = r.field("address_space", "page_tree")
		l.SwapCache = TreeRadix
	}

	if l.SwapCache == TreeXArray {
		r.override(&l.AddressSpace.Head, "xarray", "xa_head")
		r.override(&l.TreeNode.Shift, "xa_node", "shift")
		r.override(&l.TreeNode.Slots, "xa_node", "slots")
	} else {
		r.override(&l.AddressSpace.Head, "radix_tree_root", "rnode")
		r.override(&l.TreeNode.Shift, "radix_tree_node", "shift")
		r.override(&l.TreeNode.Slots, "radix_tree_node", "slots")
	}

	// zram is often a module without debug info, it is disabled instead of failing
	zr := &resolver{in: in}

	l.Zram.Table = zr.field("zram", "table")
	l.Zram.MemPool = zr.field("zram", "mem_pool")

	if off, ok := in.FieldOffset("zram", "compressor"); ok {
		l.Zram.Compressor = off
	} else {
		l.Zram.Compressor = zr.field("zram", "comp_algs")
		l.Zram.CompressorIsPointer = true
	}

	l.Zram.Missing = zr.missing

	r.override(&l.Zram.EntrySize, "zram_table_entry", "")
	r.override(&l.Zram.EntryHandle, "zram_table_entry", "handle")

	if off, ok := in.FieldOffset("zram_table_entry", "flags"); ok {
		l.Zram.EntryFlags = off
	} else {
		r.override(&l.Zram.EntryFlags, "zram_table_entry", "value")
	}

	tr := &resolver{in: in}

	l.Task = TaskLayout{
		MM:       tr.field("task_struct", "mm"),
		ArgStart: tr.field("mm_struct", "arg_start"),
		ArgEnd:   tr.field("mm_struct", "arg_end"),
	}

	l.Task.Missing = tr.missing

	if err = r.err(); err != nil {
		return nil, err
	}

	if err = l.Validate(); err != nil {
		return nil, err
	}

	return &l, nil
}

type resolver struct {
	in      snapshot.Introspector
	missing []string
}

func (r *resolver) field(typ, field string) int {
	off, ok := r.in.FieldOffset(typ, field)
	if !ok {
		r.missing = append(r.missing, typ+"."+field)
	}

	return off
}

func (r *resolver) size(typ string) int {
	size, ok := r.in.StructSize(typ)
	if !ok {
		r.missing = append(r.missing, "sizeof("+typ+")")
	}

	return size
}

// override replaces the default with the introspected value, if any.
//
// Empty field means the struct size.
func (r *resolver) override(dst *int, typ, field string) {
	var (
		v  int
		ok bool
	)

	if field == "" {
		v, ok = r.in.StructSize(typ)
	} else {
		v, ok = r.in.FieldOffset(typ, field)
	}

	if ok {
		*dst = v
	}
}

func (r *resolver) err() error {
	if len(r.missing) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrIncompleteLayout, strings.Join(r.missing, ", "))
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}
