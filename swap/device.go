// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swap enumerates the swap devices of a dumped kernel.
package swap

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/siderolabs/go-vmcore/kernel"
)

// Common errors.
var (
	ErrConfigurationMissing = kernel.ErrConfigurationMissing
	ErrExtentNotFound       = errors.New("swap offset is not covered by any extent")
)

// Extent maps a run of swap pages to a run of blocks of the backing device.
type Extent struct {
	StartPage  uint64
	NrPages    uint64
	StartBlock uint64
}

// Contains returns true if the swap offset falls into [StartPage, StartPage+NrPages).
func (e Extent) Contains(offset uint64) bool {
	return e.StartPage <= offset && offset < e.StartPage+e.NrPages
}

// End returns the first page after the extent.
func (e Extent) End() uint64 {
	return e.StartPage + e.NrPages
}

// Device is a swap device (swap_info_struct) found in the snapshot.
//
// Device is immutable once the registry is loaded.
type Device struct { //nolint:govet
	// Type is the swap type encoded in swap entries (index in swap_info).
	Type int
	// Addr is the address of the swap_info_struct.
	Addr uint64

	Pages      uint32
	InusePages uint32

	// Path of the backing file or block device.
	Path string

	// BlockDevice is the address of the backing struct block_device.
	BlockDevice uint64
	// PartitionStart is the start sector of the backing partition.
	PartitionStart uint64

	// Extents sorted by StartPage.
	Extents []Extent

	// Zram is true if the device is backed by zram.
	Zram bool
	// ZramControl is the address of the struct zram, only set for zram devices.
	ZramControl uint64
}

// Translate converts a swap offset into the block index of the backing device.
func (d *Device) Translate(offset uint64) (uint64, error) {
	idx := sort.Search(len(d.Extents), func(i int) bool {
		return offset < d.Extents[i].End()
	})

	if idx < len(d.Extents) && d.Extents[idx].Contains(offset) {
		e := d.Extents[idx]

		return d.PartitionStart + e.StartBlock + (offset - e.StartPage), nil
	}

	return 0, fmt.Errorf("%w: device %d, offset %#x", ErrExtentNotFound, d.Type, offset)
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	kind := "swap"
	if d.Zram {
		kind = "zram"
	}

	return fmt.Sprintf("%s[%d]{path:%q, pages:%d, inuse:%d, extents:%d}", kind, d.Type, d.Path, d.Pages, d.InusePages, len(d.Extents))
}

// IsZramPath returns true if the swap path points to a zram device.
func IsZramPath(path string) bool {
	return strings.Contains(filepath.Base(path), "zram")
}
