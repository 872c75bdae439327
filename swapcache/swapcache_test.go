// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swapcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot/snapshottest"
	"github.com/siderolabs/go-vmcore/swapcache"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		release string
		kind    kernel.TreeKind
		// value builds an exceptional entry
		value func(uint64) uint64
	}{
		{
			release: "5.10.110",
			kind:    kernel.TreeXArray,
			value:   func(v uint64) uint64 { return v<<1 | 1 },
		},
		{
			release: "4.19.191",
			kind:    kernel.TreeRadix,
			value:   func(v uint64) uint64 { return v<<2 | 2 },
		},
	} {
		t.Run(string(test.kind), func(t *testing.T) {
			t.Parallel()

			snap := snapshottest.NewARM64(test.release)

			pages := map[uint64]uint64{}

			for _, offset := range []uint64{5, 70, 5000, 1<<14 + 3} {
				page, _ := snap.AddPage([]byte{byte(offset)})
				snap.SetSwapCacheEntry(1, offset, page)

				pages[offset] = page
			}

			snap.SetSwapCacheEntry(1, 71, test.value(0x1234))

			loc := swapcache.New(snap, snap.Layout(), swapcache.WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, loc.Err())
			assert.Equal(t, test.kind, loc.Kind())

			for offset, expected := range pages {
				page, ok, err := loc.Lookup(1, offset)
				require.NoError(t, err, offset)
				require.True(t, ok, offset)

				assert.Equal(t, expected, page, offset)
			}

			for _, offset := range []uint64{0, 4, 6, 69, 71, 4999, 1 << 14, 2<<14 + 1} {
				_, ok, err := loc.Lookup(1, offset)
				require.NoError(t, err, offset)

				assert.False(t, ok, offset)
			}

			// swapper_spaces of an unused type is NULL
			_, ok, err := loc.Lookup(2, 5)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLookupSingleEntry(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("6.1.75")

	page, _ := snap.AddPage(nil)
	snap.SetSwapCacheEntry(0, 0, page)

	loc := swapcache.New(snap, snap.Layout())

	got, ok, err := loc.Lookup(0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, page, got)

	_, ok, err = loc.Lookup(0, 64)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddressSpace(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("5.10.110")

	page, _ := snap.AddPage(nil)
	snap.SetSwapCacheEntry(0, 1, page)

	l := snap.Layout()
	loc := swapcache.New(snap, l)

	first, err := loc.AddressSpace(0, 0)
	require.NoError(t, err)

	second, err := loc.AddressSpace(0, 1<<l.SwapAddressSpaceShift)
	require.NoError(t, err)

	same, err := loc.AddressSpace(0, 1<<l.SwapAddressSpaceShift-1)
	require.NoError(t, err)

	assert.Equal(t, first, same)
	assert.Equal(t, first+uint64(l.AddressSpace.Size), second)
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	snap := snapshottest.NewARM64("5.10.110")

	loc := swapcache.New(snap, snap.Layout(), swapcache.WithLogger(zaptest.NewLogger(t)))
	assert.ErrorIs(t, loc.Err(), swapcache.ErrDisabled)

	_, ok, err := loc.Lookup(0, 1)
	assert.NoError(t, err)
	assert.False(t, ok)
}
