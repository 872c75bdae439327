// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package kernel provides per-version descriptions of the kernel structures used to locate swapped out pages.
package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// Arch is a machine architecture.
type Arch string

// Supported architectures.
const (
	ArchARM64 Arch = "arm64"
	ArchARM   Arch = "arm"
)

// DeviceTable describes how swap_info is laid out.
type DeviceTable string

// Device table encodings.
const (
	// DeviceTablePointers is an array of pointers to swap_info_struct.
	DeviceTablePointers DeviceTable = "pointers"
	// DeviceTableStructs is a flat array of swap_info_struct.
	DeviceTableStructs DeviceTable = "structs"
)

// PartitionStart describes where the start sector of a block device partition is stored.
type PartitionStart string

// Partition start encodings.
const (
	// PartitionStartBdev is block_device.bd_start_sect (5.10+).
	PartitionStartBdev PartitionStart = "bd_start_sect"
	// PartitionStartHDStruct is block_device.bd_part->start_sect.
	PartitionStartHDStruct PartitionStart = "hd_struct"
)

// TreeKind is the associative structure backing address_space.i_pages.
type TreeKind string

// Tree kinds.
const (
	TreeRadix  TreeKind = "radix-tree"
	TreeXArray TreeKind = "xarray"
)

// Common errors.
var (
	// ErrInvalidLayout is returned for layouts failing validation.
	ErrInvalidLayout = errors.New("invalid kernel layout")
	// ErrConfigurationMissing is returned when the kernel symbols or types needed by a feature are missing.
	ErrConfigurationMissing = errors.New("kernel configuration required for the feature is missing")
)

// Layout is the schema of the kernel structures for a specific kernel build.
//
// Layout is resolved once and shared read-only afterwards.
type Layout struct { //nolint:govet
	Version Version `yaml:"version"`
	Arch    Arch    `yaml:"arch"`

	PageSize    uint64 `yaml:"pageSize"`
	PointerSize int    `yaml:"pointerSize"`

	// PresentMask are the PTE bits marking the page present.
	PresentMask uint64          `yaml:"presentMask"`
	SwapEntry   SwapEntryFormat `yaml:"swapEntry"`

	SwapAddressSpaceShift uint `yaml:"swapAddressSpaceShift"`

	DeviceTable    DeviceTable    `yaml:"deviceTable"`
	PartitionStart PartitionStart `yaml:"partitionStart"`
	SwapCache      TreeKind       `yaml:"swapCache"`

	SwapInfo     SwapInfoLayout     `yaml:"swapInfo"`
	BlockDevice  BlockDeviceLayout  `yaml:"blockDevice"`
	Gendisk      GendiskLayout      `yaml:"gendisk"`
	SwapExtent   SwapExtentLayout   `yaml:"swapExtent"`
	RBNode       RBNodeLayout       `yaml:"rbNode"`
	AddressSpace AddressSpaceLayout `yaml:"addressSpace"`
	TreeNode     TreeNodeLayout     `yaml:"treeNode"`
	Zram         ZramLayout         `yaml:"zram"`
	Task         TaskLayout         `yaml:"task"`
}

// SwapInfoLayout describes struct swap_info_struct.
type SwapInfoLayout struct {
	Size       int  `yaml:"size"`
	Pages      int  `yaml:"pages"`
	InusePages int  `yaml:"inusePages"`
	SwapFile   int  `yaml:"swapFile"`
	SwapVfsmnt *int `yaml:"swapVfsmnt,omitempty"`
	Bdev       int  `yaml:"bdev"`
	ExtentRoot int  `yaml:"extentRoot"`
}

// BlockDeviceLayout describes struct block_device and struct hd_struct.
type BlockDeviceLayout struct {
	Disk      int `yaml:"disk"`
	StartSect int `yaml:"startSect"`
	Part      int `yaml:"part"`
	// PartStartSect is hd_struct.start_sect.
	PartStartSect int `yaml:"partStartSect"`
}

// GendiskLayout describes struct gendisk.
type GendiskLayout struct {
	PrivateData int `yaml:"privateData"`
}

// SwapExtentLayout describes struct swap_extent.
type SwapExtentLayout struct {
	Size       int `yaml:"size"`
	RBNode     int `yaml:"rbNode"`
	StartPage  int `yaml:"startPage"`
	NrPages    int `yaml:"nrPages"`
	StartBlock int `yaml:"startBlock"`
}

// RBNodeLayout describes struct rb_node.
type RBNodeLayout struct {
	Right int `yaml:"right"`
	Left  int `yaml:"left"`
}

// AddressSpaceLayout describes struct address_space and the root of i_pages.
type AddressSpaceLayout struct {
	Size   int `yaml:"size"`
	IPages int `yaml:"iPages"`
	// Head is the offset of xa_head (xarray) or rnode (radix_tree_root) within i_pages.
	Head int `yaml:"head"`
}

// TreeNodeLayout describes struct xa_node and struct radix_tree_node.
type TreeNodeLayout struct {
	Shift      int  `yaml:"shift"`
	Slots      int  `yaml:"slots"`
	ChunkShift uint `yaml:"chunkShift"`
}

// ZramLayout describes struct zram and struct zram_table_entry.
type ZramLayout struct {
	Table      int `yaml:"table"`
	MemPool    int `yaml:"memPool"`
	Compressor int `yaml:"compressor"`

	// CompressorSize is the length of the inline algorithm name buffer.
	CompressorSize int `yaml:"compressorSize"`
	// CompressorIsPointer is set if the algorithm name is referenced by a pointer (comp_algs[0]).
	CompressorIsPointer bool `yaml:"compressorIsPointer,omitempty"`

	EntrySize   int `yaml:"entrySize"`
	EntryHandle int `yaml:"entryHandle"`
	EntryFlags  int `yaml:"entryFlags"`

	// FlagShift is ZRAM_FLAG_SHIFT, the bits below it hold the object size.
	FlagShift uint `yaml:"flagShift"`
	SameBit   uint `yaml:"sameBit"`
	WBBit     uint `yaml:"wbBit"`
	HugeBit   uint `yaml:"hugeBit"`

	// Missing lists the fields absent from the debug info, zram pages can't be read then.
	Missing []string `yaml:"missing,omitempty"`
}

// TaskLayout describes the fields used to read process arguments.
type TaskLayout struct {
	MM       int `yaml:"mm"`
	ArgStart int `yaml:"argStart"`
	ArgEnd   int `yaml:"argEnd"`

	// Missing lists the fields absent from the debug info.
	Missing []string `yaml:"missing,omitempty"`
}

// ZramErr returns the reason zram pages can't be read, if any.
func (l *Layout) ZramErr() error {
	return missingErr("zram", l.Zram.Missing)
}

// TaskErr returns the reason process arguments can't be read, if any.
func (l *Layout) TaskErr() error {
	return missingErr("process arguments", l.Task.Missing)
}

func missingErr(feature string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s needs %s", ErrConfigurationMissing, feature, strings.Join(missing, ", "))
}

// PageMask returns the mask clearing the in-page offset.
func (l *Layout) PageMask() uint64 {
	return ^(l.PageSize - 1)
}

// IsSwapPTE returns true if the PTE is non-empty and not present.
func (l *Layout) IsSwapPTE(pte uint64) bool {
	return pte != 0 && pte&l.PresentMask == 0
}

// IsPresentPTE returns true if the PTE has the present bits set.
func (l *Layout) IsPresentPTE(pte uint64) bool {
	return pte&l.PresentMask != 0
}

// DecodeSwapEntry extracts the swap entry from a non-present PTE.
func (l *Layout) DecodeSwapEntry(pte uint64) SwapEntry {
	return l.SwapEntry.Decode(pte)
}

// Validate checks the layout for consistency.
//
//nolint:gocyclo,cyclop
func (l *Layout) Validate() error {
	if l.PageSize == 0 || l.PageSize&(l.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d is not a power of 2", ErrInvalidLayout, l.PageSize)
	}

	if l.PointerSize != 4 && l.PointerSize != 8 {
		return fmt.Errorf("%w: unsupported pointer size %d", ErrInvalidLayout, l.PointerSize)
	}

	if l.PresentMask == 0 {
		return fmt.Errorf("%w: empty present mask", ErrInvalidLayout)
	}

	if err := l.SwapEntry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}

	switch l.DeviceTable {
	case DeviceTablePointers, DeviceTableStructs:
	default:
		return fmt.Errorf("%w: unknown device table encoding %q", ErrInvalidLayout, l.DeviceTable)
	}

	switch l.PartitionStart {
	case PartitionStartBdev, PartitionStartHDStruct:
	default:
		return fmt.Errorf("%w: unknown partition start encoding %q", ErrInvalidLayout, l.PartitionStart)
	}

	switch l.SwapCache {
	case TreeRadix, TreeXArray:
	default:
		return fmt.Errorf("%w: unknown swap cache tree %q", ErrInvalidLayout, l.SwapCache)
	}

	ptr := l.PointerSize

	for _, f := range []struct {
		name        string
		offset, end int
		size        int
	}{
		{"swap_info_struct.pages", l.SwapInfo.Pages, 4, l.SwapInfo.Size},
		{"swap_info_struct.inuse_pages", l.SwapInfo.InusePages, 4, l.SwapInfo.Size},
		{"swap_info_struct.swap_file", l.SwapInfo.SwapFile, ptr, l.SwapInfo.Size},
		{"swap_info_struct.bdev", l.SwapInfo.Bdev, ptr, l.SwapInfo.Size},
		{"swap_info_struct.swap_extent_root", l.SwapInfo.ExtentRoot, ptr, l.SwapInfo.Size},
		{"swap_extent.start_page", l.SwapExtent.StartPage, ptr, l.SwapExtent.Size},
		{"swap_extent.nr_pages", l.SwapExtent.NrPages, ptr, l.SwapExtent.Size},
		{"swap_extent.start_block", l.SwapExtent.StartBlock, 8, l.SwapExtent.Size},
		{"zram_table_entry.handle", l.Zram.EntryHandle, ptr, l.Zram.EntrySize},
		{"zram_table_entry.flags", l.Zram.EntryFlags, ptr, l.Zram.EntrySize},
	} {
		if f.offset < 0 || f.offset+f.end > f.size {
			return fmt.Errorf("%w: field %s at %d does not fit into struct of size %d", ErrInvalidLayout, f.name, f.offset, f.size)
		}
	}

	if l.SwapInfo.SwapVfsmnt != nil && (*l.SwapInfo.SwapVfsmnt < 0 || *l.SwapInfo.SwapVfsmnt+ptr > l.SwapInfo.Size) {
		return fmt.Errorf("%w: field swap_info_struct.swap_vfsmnt does not fit", ErrInvalidLayout)
	}

	if l.AddressSpace.Size <= 0 {
		return fmt.Errorf("%w: address_space size is not set", ErrInvalidLayout)
	}

	if l.TreeNode.ChunkShift == 0 || l.TreeNode.ChunkShift > 8 {
		return fmt.Errorf("%w: tree node chunk shift %d out of range", ErrInvalidLayout, l.TreeNode.ChunkShift)
	}

	if l.Zram.FlagShift == 0 || l.Zram.FlagShift >= uint(ptr*8) {
		return fmt.Errorf("%w: zram flag shift %d out of range", ErrInvalidLayout, l.Zram.FlagShift)
	}

	return nil
}
