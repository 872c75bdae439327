// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swap_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-vmcore/swap"
)

func swapHeaderPage(id uuid.UUID, label string, lastPage, badPages uint32) []byte {
	page := make([]byte, 4096)

	binary.LittleEndian.PutUint32(page[1024:], 1)
	binary.LittleEndian.PutUint32(page[1028:], lastPage)
	binary.LittleEndian.PutUint32(page[1032:], badPages)
	copy(page[1036:], id[:])
	copy(page[1052:1068], label)
	copy(page[4096-10:], swap.MagicV2)

	return page
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("8f4c6a3e-1b2d-4e5f-a6b7-c8d9e0f1a2b3")

	hdr, err := swap.ParseHeader(swapHeaderPage(id, "zram-swap", 262143, 2))
	require.NoError(t, err)

	assert.Equal(t, swap.MagicV2, hdr.Magic)
	assert.EqualValues(t, 1, hdr.Version)
	assert.EqualValues(t, 262143, hdr.LastPage)
	assert.EqualValues(t, 2, hdr.NrBadPages)
	require.NotNil(t, hdr.UUID)
	assert.Equal(t, id, *hdr.UUID)
	require.NotNil(t, hdr.Label)
	assert.Equal(t, "zram-swap", *hdr.Label)
}

func TestParseHeaderNoLabel(t *testing.T) {
	t.Parallel()

	hdr, err := swap.ParseHeader(swapHeaderPage(uuid.Nil, "", 100, 0))
	require.NoError(t, err)

	assert.Nil(t, hdr.UUID)
	assert.Nil(t, hdr.Label)
}

func TestParseHeaderLegacy(t *testing.T) {
	t.Parallel()

	page := make([]byte, 4096)
	copy(page[4096-10:], swap.MagicV1)

	hdr, err := swap.ParseHeader(page)
	require.NoError(t, err)

	assert.Equal(t, swap.MagicV1, hdr.Magic)
	assert.Zero(t, hdr.LastPage)
}

func TestParseHeaderInvalid(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		page []byte
	}{
		{"empty page", make([]byte, 4096)},
		{"short buffer", []byte(swap.MagicV2)},
		{"zero last page", swapHeaderPage(uuid.Nil, "", 0, 0)},
		{"bad version", func() []byte {
			page := swapHeaderPage(uuid.Nil, "", 100, 0)
			binary.LittleEndian.PutUint32(page[1024:], 2)

			return page
		}()},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := swap.ParseHeader(test.page)
			assert.ErrorIs(t, err, swap.ErrNoHeader)
		})
	}
}
