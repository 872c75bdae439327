// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swap

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
)

// Swap header errors.
var (
	ErrNoHeader       = errors.New("no swap header found")
	ErrHeaderMismatch = errors.New("swap header doesn't match the swap device")
)

// Swap area signatures, stored in the last bytes of the first page.
const (
	MagicV1 = "SWAP-SPACE"
	MagicV2 = "SWAPSPACE2"
)

// union swap_header.info starts after the boot bits.
const (
	headerOffset     = 1024
	headerVersion    = headerOffset
	headerLastPage   = headerOffset + 4
	headerNrBadPages = headerOffset + 8
	headerUUID       = headerOffset + 12
	headerVolume     = headerOffset + 28
	headerSize       = headerOffset + 44
)

// Header is the swap area header, stored in the first page of the swap area.
type Header struct {
	Magic      string
	Version    uint32
	LastPage   uint32
	NrBadPages uint32

	UUID  *uuid.UUID
	Label *string
}

// ParseHeader decodes the swap header from the first page of a swap area.
func ParseHeader(page []byte) (*Header, error) {
	if len(page) < headerSize+len(MagicV2) {
		return nil, ErrNoHeader
	}

	magic := string(page[len(page)-len(MagicV2):])

	hdr := &Header{
		Magic: magic,
	}

	switch magic {
	case MagicV1:
		// the old format has no info block
		return hdr, nil
	case MagicV2:
	default:
		return nil, ErrNoHeader
	}

	hdr.Version = binary.LittleEndian.Uint32(page[headerVersion:])
	hdr.LastPage = binary.LittleEndian.Uint32(page[headerLastPage:])
	hdr.NrBadPages = binary.LittleEndian.Uint32(page[headerNrBadPages:])

	if hdr.Version != 1 || hdr.LastPage == 0 {
		return nil, ErrNoHeader
	}

	if id, err := uuid.FromBytes(page[headerUUID:headerVolume]); err == nil && id != uuid.Nil {
		hdr.UUID = &id
	}

	lbl := page[headerVolume:headerSize]
	if lbl[0] != 0 {
		idx := bytes.IndexByte(lbl, 0)
		if idx == -1 {
			idx = len(lbl)
		}

		hdr.Label = pointer.To(string(lbl[:idx]))
	}

	return hdr, nil
}
