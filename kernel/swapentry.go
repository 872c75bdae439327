// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kernel

import "fmt"

// SwapEntryFormat is the bit layout of a swap entry stored in a non-present PTE.
type SwapEntryFormat struct {
	Name string `yaml:"name,omitempty"`

	TypeShift   uint `yaml:"typeShift"`
	TypeBits    uint `yaml:"typeBits"`
	OffsetShift uint `yaml:"offsetShift"`
	OffsetBits  uint `yaml:"offsetBits"`
}

// Known swap entry encodings.
var (
	// SwapEntryARM64Legacy is the arm64 encoding before 6.3.
	SwapEntryARM64Legacy = SwapEntryFormat{Name: "arm64-legacy", TypeShift: 2, TypeBits: 6, OffsetShift: 8, OffsetBits: 50}
	// SwapEntryARM64 is the arm64 encoding since 6.3, bit 2 is PTE_SWP_EXCLUSIVE.
	SwapEntryARM64 = SwapEntryFormat{Name: "arm64", TypeShift: 3, TypeBits: 5, OffsetShift: 8, OffsetBits: 50}
	// SwapEntryARM is the 32-bit arm (non-LPAE) encoding.
	SwapEntryARM = SwapEntryFormat{Name: "arm", TypeShift: 2, TypeBits: 5, OffsetShift: 7, OffsetBits: 25}
)

// SwapEntry is a decoded swap entry.
type SwapEntry struct {
	Type   uint64
	Offset uint64
}

// Decode extracts the swap type and offset from the PTE.
func (f SwapEntryFormat) Decode(pte uint64) SwapEntry {
	return SwapEntry{
		Type:   (pte >> f.TypeShift) & mask(f.TypeBits),
		Offset: (pte >> f.OffsetShift) & mask(f.OffsetBits),
	}
}

// Encode builds a PTE value holding the swap entry.
func (f SwapEntryFormat) Encode(entry SwapEntry) uint64 {
	return (entry.Type&mask(f.TypeBits))<<f.TypeShift | (entry.Offset&mask(f.OffsetBits))<<f.OffsetShift
}

// Validate checks that type and offset fields fit into 64 bits and don't overlap.
func (f SwapEntryFormat) Validate() error {
	if f.TypeBits == 0 || f.OffsetBits == 0 {
		return fmt.Errorf("swap entry format %q has empty fields", f.Name)
	}

	if f.TypeShift+f.TypeBits > 64 || f.OffsetShift+f.OffsetBits > 64 {
		return fmt.Errorf("swap entry format %q exceeds 64 bits", f.Name)
	}

	if f.TypeShift < f.OffsetShift+f.OffsetBits && f.OffsetShift < f.TypeShift+f.TypeBits {
		return fmt.Errorf("swap entry format %q has overlapping fields", f.Name)
	}

	return nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}

	return (uint64(1) << bits) - 1
}
