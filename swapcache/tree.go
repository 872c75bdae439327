// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swapcache

import (
	"fmt"

	"github.com/siderolabs/go-vmcore/kernel"
)

// maxDepth bounds the walk of a corrupted tree.
const maxDepth = 16

type nodeReader struct {
	mem    *kernel.Memory
	layout *kernel.Layout
}

func (r nodeReader) chunkSize() uint64 {
	return 1 << r.layout.TreeNode.ChunkShift
}

func (r nodeReader) shift(node uint64) (uint, error) {
	s, err := r.mem.Struct(node+uint64(r.layout.TreeNode.Shift), 1)
	if err != nil {
		return 0, fmt.Errorf("error reading node shift: %w", err)
	}

	return uint(s.Uint8(0)), nil
}

func (r nodeReader) slotAddr(node, offset uint64) uint64 {
	return node + uint64(r.layout.TreeNode.Slots) + offset*uint64(r.layout.PointerSize)
}

func (r nodeReader) slot(node, offset uint64) (uint64, error) {
	entry, err := r.mem.Pointer(r.slotAddr(node, offset))
	if err != nil {
		return 0, fmt.Errorf("error reading node slot: %w", err)
	}

	return entry, nil
}

// xarray implements lookups in struct xarray (4.20+).
//
// Internal entries have the low bits 0b10, node pointers are above 4096.
type xarray struct {
	nodeReader
}

func (x *xarray) kind() kernel.TreeKind { return kernel.TreeXArray }

func (x *xarray) exceptional(entry uint64) bool { return entry&1 != 0 }

func xaIsInternal(entry uint64) bool { return entry&3 == 2 }

func xaIsNode(entry uint64) bool { return xaIsInternal(entry) && entry > 4096 }

func (x *xarray) isSibling(entry uint64) bool {
	return xaIsInternal(entry) && entry < ((x.chunkSize()-1)<<2|2)
}

func (x *xarray) lookup(head, index uint64) (uint64, error) {
	if head == 0 {
		return 0, nil
	}

	if !xaIsNode(head) {
		if index == 0 && !xaIsInternal(head) {
			return head, nil
		}

		return 0, nil
	}

	node := head - 2

	shift, err := x.shift(node)
	if err != nil {
		return 0, err
	}

	if shift < 64 && (index>>shift) >= x.chunkSize() {
		return 0, nil
	}

	for range maxDepth {
		offset := (index >> shift) & (x.chunkSize() - 1)

		entry, err := x.slot(node, offset)
		if err != nil {
			return 0, err
		}

		if x.isSibling(entry) {
			if entry, err = x.slot(node, entry>>2); err != nil {
				return 0, err
			}
		}

		if !xaIsNode(entry) {
			if xaIsInternal(entry) {
				// retry or zero entries
				return 0, nil
			}

			return entry, nil
		}

		if shift == 0 {
			return 0, fmt.Errorf("xarray node %#x at the leaf level", entry)
		}

		node = entry - 2

		if shift, err = x.shift(node); err != nil {
			return 0, err
		}
	}

	return 0, fmt.Errorf("xarray deeper than %d levels", maxDepth)
}

// radixTree implements lookups in struct radix_tree_root (4.10 - 4.19).
//
// Internal node pointers have the low bit set, exceptional entries bit 1.
type radixTree struct {
	nodeReader
}

const (
	radixInternalNode   = 1
	radixExceptionEntry = 2
)

func (t *radixTree) kind() kernel.TreeKind { return kernel.TreeRadix }

func (t *radixTree) exceptional(entry uint64) bool { return entry&radixExceptionEntry != 0 }

func radixIsInternal(entry uint64) bool { return entry&3 == radixInternalNode }

func (t *radixTree) lookup(head, index uint64) (uint64, error) {
	if head == 0 {
		return 0, nil
	}

	if !radixIsInternal(head) {
		if index == 0 {
			return head, nil
		}

		return 0, nil
	}

	node := head - radixInternalNode

	shift, err := t.shift(node)
	if err != nil {
		return 0, err
	}

	if shift < 64 && (index>>shift) >= t.chunkSize() {
		return 0, nil
	}

	for range maxDepth {
		offset := (index >> shift) & (t.chunkSize() - 1)

		entry, err := t.slot(node, offset)
		if err != nil {
			return 0, err
		}

		if !radixIsInternal(entry) {
			return entry, nil
		}

		// sibling entries point into the slots of the same node
		if ptr := entry - radixInternalNode; ptr >= t.slotAddr(node, 0) && ptr < t.slotAddr(node, t.chunkSize()) {
			if entry, err = t.slot(node, (ptr-t.slotAddr(node, 0))/uint64(t.layout.PointerSize)); err != nil {
				return 0, err
			}

			if !radixIsInternal(entry) {
				return entry, nil
			}
		}

		if shift == 0 {
			return 0, fmt.Errorf("radix tree node %#x at the leaf level", entry)
		}

		node = entry - radixInternalNode

		if shift, err = t.shift(node); err != nil {
			return 0, err
		}
	}

	return 0, fmt.Errorf("radix tree deeper than %d levels", maxDepth)
}
