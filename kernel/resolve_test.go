// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
	"github.com/siderolabs/go-vmcore/snapshot/snapshottest"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		release string

		swapEntry      kernel.SwapEntryFormat
		partitionStart kernel.PartitionStart
		swapCache      kernel.TreeKind
		flagShift      uint
	}{
		{
			release:        "4.14.180-perf",
			swapEntry:      kernel.SwapEntryARM64Legacy,
			partitionStart: kernel.PartitionStartHDStruct,
			swapCache:      kernel.TreeRadix,
			flagShift:      24,
		},
		{
			release:        "5.4.210-qgki",
			swapEntry:      kernel.SwapEntryARM64Legacy,
			partitionStart: kernel.PartitionStartHDStruct,
			swapCache:      kernel.TreeXArray,
			flagShift:      13,
		},
		{
			release:        "5.10.110-android12-9",
			swapEntry:      kernel.SwapEntryARM64Legacy,
			partitionStart: kernel.PartitionStartBdev,
			swapCache:      kernel.TreeXArray,
			flagShift:      13,
		},
		{
			release:        "6.6.30-android15-8",
			swapEntry:      kernel.SwapEntryARM64,
			partitionStart: kernel.PartitionStartBdev,
			swapCache:      kernel.TreeXArray,
			flagShift:      13,
		},
	} {
		t.Run(test.release, func(t *testing.T) {
			t.Parallel()

			snap := snapshottest.NewARM64(test.release)

			l, err := kernel.Resolve(snap)
			require.NoError(t, err)

			assert.Equal(t, kernel.ArchARM64, l.Arch)
			assert.Equal(t, 8, l.PointerSize)
			assert.EqualValues(t, 4096, l.PageSize)
			assert.Equal(t, test.swapEntry, l.SwapEntry)
			assert.Equal(t, test.partitionStart, l.PartitionStart)
			assert.Equal(t, test.swapCache, l.SwapCache)
			assert.Equal(t, kernel.DeviceTablePointers, l.DeviceTable)
			assert.Equal(t, test.flagShift, l.Zram.FlagShift)
			assert.Equal(t, test.flagShift+1, l.Zram.SameBit)
			assert.Equal(t, test.flagShift+2, l.Zram.WBBit)
			assert.Equal(t, test.flagShift+4, l.Zram.HugeBit)

			assert.Equal(t, 256, l.SwapInfo.Size)
			assert.Equal(t, 16, l.SwapInfo.Pages)
			assert.Nil(t, l.SwapInfo.SwapVfsmnt)
			assert.Equal(t, 40, l.TreeNode.Slots)
			assert.Equal(t, 64, l.Zram.Compressor)
			assert.False(t, l.Zram.CompressorIsPointer)
		})
	}
}

func TestResolveFallbacks(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("6.1.75")
	snap.SetFlags(snapshot.Flags{})
	snap.RemoveField("zram", "compressor")
	snap.DefineStruct("zram", 512, map[string]int{"comp_algs": 96})
	snap.RemoveField("zram_table_entry", "flags")
	snap.DefineStruct("zram_table_entry", 16, map[string]int{"value": 8})
	snap.DefineStruct("swap_info_struct", 256, map[string]int{"swap_vfsmnt": 56})

	l, err := kernel.Resolve(snap)
	require.NoError(t, err)

	assert.Equal(t, kernel.DeviceTableStructs, l.DeviceTable)
	assert.True(t, l.Zram.CompressorIsPointer)
	assert.Equal(t, 96, l.Zram.Compressor)
	assert.Equal(t, 8, l.Zram.EntryFlags)
	require.NotNil(t, l.SwapInfo.SwapVfsmnt)
	assert.Equal(t, 56, *l.SwapInfo.SwapVfsmnt)
}

func TestResolveIncomplete(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("5.10.110")
	snap.RemoveField("swap_info_struct", "swap_extent_root")
	snap.RemoveField("gendisk", "private_data")

	_, err := kernel.Resolve(snap)
	require.ErrorIs(t, err, kernel.ErrIncompleteLayout)

	assert.ErrorContains(t, err, "swap_info_struct.swap_extent_root")
	assert.ErrorContains(t, err, "gendisk.private_data")
}

func TestResolveOptionalFeatures(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("5.10.110")

	l, err := kernel.Resolve(snap)
	require.NoError(t, err)

	assert.NoError(t, l.ZramErr())
	assert.NoError(t, l.TaskErr())

	snap = snapshottest.NewARM64("5.10.110")
	snap.RemoveField("zram", "table")
	snap.RemoveField("zram", "mem_pool")
	snap.RemoveField("mm_struct", "arg_end")

	l, err = kernel.Resolve(snap)
	require.NoError(t, err)

	assert.Equal(t, []string{"zram.table", "zram.mem_pool"}, l.Zram.Missing)
	assert.Equal(t, []string{"mm_struct.arg_end"}, l.Task.Missing)

	require.ErrorIs(t, l.ZramErr(), kernel.ErrConfigurationMissing)
	assert.ErrorContains(t, l.ZramErr(), "zram.table, zram.mem_pool")
	assert.ErrorIs(t, l.TaskErr(), kernel.ErrConfigurationMissing)
}

func TestDefaultsUnsupportedArch(t *testing.T) {
	t.Parallel()

	_, err := kernel.Defaults("riscv64", kernel.Version{Major: 6, Minor: 1})
	assert.Error(t, err)
}

func TestDefaultsARM(t *testing.T) {
	t.Parallel()

	l, err := kernel.Defaults(kernel.ArchARM, kernel.Version{Major: 4, Minor: 19})
	require.NoError(t, err)

	assert.Equal(t, 4, l.PointerSize)
	assert.Equal(t, kernel.SwapEntryARM, l.SwapEntry)
	assert.Equal(t, 20, l.TreeNode.Slots)
	assert.Equal(t, 8, l.Zram.EntrySize)
	assert.Equal(t, kernel.TreeRadix, l.SwapCache)
}
