// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-vmcore/swap"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	dev := &swap.Device{
		Type: 0,
		Extents: []swap.Extent{
			{StartPage: 0, NrPages: 50, StartBlock: 1000},
			{StartPage: 50, NrPages: 50, StartBlock: 2000},
			{StartPage: 200, NrPages: 10, StartBlock: 3000},
		},
	}

	for _, test := range []struct {
		name     string
		offset   uint64
		expected uint64
	}{
		{"first page", 0, 1000},
		{"last page of first extent", 49, 1049},
		{"first page of second extent", 50, 2000},
		{"last page of second extent", 99, 2049},
		{"after gap", 205, 3005},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			block, err := dev.Translate(test.offset)
			require.NoError(t, err)

			assert.Equal(t, test.expected, block)
		})
	}

	for _, offset := range []uint64{100, 199, 210, 1 << 40} {
		_, err := dev.Translate(offset)
		assert.ErrorIs(t, err, swap.ErrExtentNotFound, offset)
	}
}

func TestTranslatePartitionStart(t *testing.T) {
	t.Parallel()

	dev := &swap.Device{
		PartitionStart: 2048,
		Extents:        []swap.Extent{{StartPage: 10, NrPages: 5, StartBlock: 100}},
	}

	block, err := dev.Translate(12)
	require.NoError(t, err)

	assert.EqualValues(t, 2048+100+2, block)

	_, err = dev.Translate(9)
	assert.ErrorIs(t, err, swap.ErrExtentNotFound)
}

func TestExtentContains(t *testing.T) {
	t.Parallel()

	e := swap.Extent{StartPage: 50, NrPages: 50}

	assert.False(t, e.Contains(49))
	assert.True(t, e.Contains(50))
	assert.True(t, e.Contains(99))
	assert.False(t, e.Contains(100))
	assert.EqualValues(t, 100, e.End())
}

func TestIsZramPath(t *testing.T) {
	t.Parallel()

	assert.True(t, swap.IsZramPath("/dev/block/zram0"))
	assert.True(t, swap.IsZramPath("/dev/zram1"))
	assert.False(t, swap.IsZramPath("/data/swapfile"))
	assert.False(t, swap.IsZramPath("/zram/swapfile"))
	assert.False(t, swap.IsZramPath(""))
}
