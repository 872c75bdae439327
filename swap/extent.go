// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swap

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// maxExtents bounds the walk of a corrupted extent tree.
const maxExtents = 1 << 20

// collectExtents walks the swap_extent rbtree in order.
func (l *loader) collectExtents(root uint64) ([]Extent, error) {
	var (
		extents []Extent
		stack   []uint64
	)

	rb := l.layout.RBNode
	se := l.layout.SwapExtent
	visited := map[uint64]struct{}{}

	node := root

	for node != 0 || len(stack) > 0 {
		for l.snap.IsKernelAddress(node) {
			if _, seen := visited[node]; seen {
				return nil, fmt.Errorf("loop in swap extent tree at %#x", node)
			}

			visited[node] = struct{}{}

			if len(visited) > maxExtents {
				return nil, fmt.Errorf("swap extent tree exceeds %d nodes", maxExtents)
			}

			stack = append(stack, node)

			left, err := l.mem.Pointer(node + uint64(rb.Left))
			if err != nil {
				return nil, fmt.Errorf("error reading rb_node: %w", err)
			}

			node = left
		}

		if len(stack) == 0 {
			break
		}

		node = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		s, err := l.mem.Struct(node-uint64(se.RBNode), se.Size)
		if err != nil {
			return nil, fmt.Errorf("error reading swap_extent: %w", err)
		}

		extents = append(extents, Extent{
			StartPage:  s.Ulong(se.StartPage),
			NrPages:    s.Ulong(se.NrPages),
			StartBlock: s.Uint64(se.StartBlock),
		})

		right, err := l.mem.Pointer(node + uint64(rb.Right))
		if err != nil {
			return nil, fmt.Errorf("error reading rb_node: %w", err)
		}

		node = right
	}

	slices.SortFunc(extents, func(a, b Extent) int {
		return cmp.Compare(a.StartPage, b.StartPage)
	})

	for i := 1; i < len(extents); i++ {
		if extents[i].StartPage < extents[i-1].End() {
			l.logger.Warn("overlapping swap extents",
				zap.Uint64("start_page", extents[i].StartPage),
				zap.Uint64("previous_end", extents[i-1].End()),
			)
		}
	}

	return extents, nil
}
