// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swapcache looks up swapped out pages which are still resident in the swap cache.
package swapcache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
)

// ErrDisabled is returned by Err if the snapshot lacks the swap cache.
var ErrDisabled = errors.New("swap cache lookups are disabled")

// Options configures the locator.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is an option for the locator.
type Option func(*Options)

// WithLogger sets the logger for the locator.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// tree is the associative structure behind address_space.i_pages.
type tree interface {
	kind() kernel.TreeKind
	// lookup returns the entry stored at index, zero if absent.
	lookup(head, index uint64) (uint64, error)
	// exceptional returns true for value/shadow entries which are not pages.
	exceptional(entry uint64) bool
}

// Locator finds pages in the per-type swap address spaces.
type Locator struct {
	snap   snapshot.Snapshot
	layout *kernel.Layout
	mem    *kernel.Memory
	tree   tree
	logger *zap.Logger
	err    error

	spaces uint64
}

// New creates a locator for the snapshot.
//
// The tree implementation is chosen once from the layout.
func New(snap snapshot.Snapshot, layout *kernel.Layout, opts ...Option) *Locator {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	l := &Locator{
		snap:   snap,
		layout: layout,
		mem:    kernel.NewMemory(snap, layout),
		logger: options.Logger,
	}

	nodes := nodeReader{
		mem:    l.mem,
		layout: layout,
	}

	switch layout.SwapCache {
	case kernel.TreeXArray:
		l.tree = &xarray{nodeReader: nodes}
	case kernel.TreeRadix:
		l.tree = &radixTree{nodeReader: nodes}
	default:
		l.err = fmt.Errorf("%w: unsupported tree %q", ErrDisabled, layout.SwapCache)
	}

	if l.err == nil {
		var ok bool

		if l.spaces, ok = snap.Symbol("swapper_spaces"); !ok {
			l.err = fmt.Errorf("%w: swapper_spaces doesn't exist in this kernel", ErrDisabled)
		}
	}

	if l.err != nil {
		l.logger.Warn("swap cache lookups disabled", zap.Error(l.err))
	}

	return l
}

// Err returns the reason lookups are disabled, if any.
func (l *Locator) Err() error {
	return l.err
}

// Kind returns the tree kind used for lookups.
func (l *Locator) Kind() kernel.TreeKind {
	if l.tree == nil {
		return ""
	}

	return l.tree.kind()
}

// AddressSpace returns the address_space holding the swap offset.
func (l *Locator) AddressSpace(typ, offset uint64) (uint64, error) {
	if l.err != nil {
		return 0, l.err
	}

	spaces, err := l.mem.Pointer(l.spaces + typ*uint64(l.layout.PointerSize))
	if err != nil {
		return 0, fmt.Errorf("error reading swapper_spaces[%d]: %w", typ, err)
	}

	if !l.snap.IsKernelAddress(spaces) {
		return 0, fmt.Errorf("invalid swapper_spaces[%d] %#x", typ, spaces)
	}

	space := spaces + (offset>>l.layout.SwapAddressSpaceShift)*uint64(l.layout.AddressSpace.Size)

	if !l.snap.IsKernelAddress(space) {
		return 0, fmt.Errorf("invalid address_space %#x", space)
	}

	return space, nil
}

// Lookup returns the struct page caching the swap entry.
//
// Exceptional entries are reported as misses.
func (l *Locator) Lookup(typ, offset uint64) (page uint64, ok bool, err error) {
	if l.err != nil {
		return 0, false, nil
	}

	space, err := l.AddressSpace(typ, offset)
	if err != nil {
		return 0, false, err
	}

	head, err := l.mem.Pointer(space + uint64(l.layout.AddressSpace.IPages+l.layout.AddressSpace.Head))
	if err != nil {
		return 0, false, fmt.Errorf("error reading i_pages head: %w", err)
	}

	entry, err := l.tree.lookup(head, offset)
	if err != nil {
		return 0, false, err
	}

	if entry == 0 || l.tree.exceptional(entry) {
		return 0, false, nil
	}

	if !l.snap.IsKernelAddress(entry) {
		return 0, false, fmt.Errorf("swap cache entry %#x is not a kernel address", entry)
	}

	return entry, true, nil
}
