// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vmem resolves process virtual memory of a crash dump.
//
// Pages are looked up in the page tables first, pages swapped out are
// found in the swap cache or decompressed from zram.
package vmem

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
	"github.com/siderolabs/go-vmcore/swap"
	"github.com/siderolabs/go-vmcore/swapcache"
	"github.com/siderolabs/go-vmcore/zram"
)

// Engine resolves process memory of a single snapshot.
//
// Engine is safe for concurrent use.
type Engine struct {
	snap     snapshot.Snapshot
	layout   *kernel.Layout
	registry *swap.Registry
	locator  *swapcache.Locator
	zram     zram.Decompressor
	closer   io.Closer
	cache    *PageCache
	logger   *zap.Logger

	group singleflight.Group
}

// New builds the engine for the snapshot.
//
// Swap devices and the swap cache are discovered once, missing kernel
// symbols disable the respective lookups without failing.
func New(snap snapshot.Snapshot, opts ...Option) (*Engine, error) {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	layout := options.Layout

	if layout == nil {
		var err error

		if layout, err = kernel.Resolve(snap); err != nil {
			return nil, fmt.Errorf("error resolving kernel layout: %w", err)
		}
	} else if err := layout.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger

	if err := layout.TaskErr(); err != nil {
		logger.Warn("process arguments disabled", zap.Error(err))
	}

	e := &Engine{
		snap:   snap,
		layout: layout,
		cache:  NewPageCache(options.CacheLimit),
		logger: logger,
	}

	e.registry = swap.Load(snap, layout, swap.WithLogger(logger))
	e.locator = swapcache.New(snap, layout, swapcache.WithLogger(logger))

	if options.Decompressor != nil {
		e.zram = options.Decompressor
	} else {
		r, err := zram.NewReader(snap, layout, options.ObjectReader, append(options.zramOptions, zram.WithLogger(logger))...)
		if err != nil {
			return nil, err
		}

		e.zram = r
		e.closer = r
	}

	logger.Info("memory engine ready",
		zap.Stringer("kernel", layout.Version),
		zap.String("arch", string(layout.Arch)),
		zap.Int("swap_devices", e.registry.Len()),
		zap.String("swap_cache", string(e.locator.Kind())),
	)

	return e, nil
}

// Close drops the cached pages and releases the decompressor.
func (e *Engine) Close() error {
	e.cache.Clear()

	if e.closer != nil {
		return e.closer.Close()
	}

	return nil
}

// Layout returns the kernel layout in use.
func (e *Engine) Layout() *kernel.Layout {
	return e.layout
}

// Cache returns the page cache.
func (e *Engine) Cache() *PageCache {
	return e.cache
}

// Devices returns the swap devices of the snapshot ordered by type.
func (e *Engine) Devices() []*swap.Device {
	return e.registry.Devices()
}

// SwapErr returns the reason swap devices are unavailable, if any.
func (e *Engine) SwapErr() error {
	return e.registry.Err()
}

// SwapCacheErr returns the reason swap cache lookups are disabled, if any.
func (e *Engine) SwapCacheErr() error {
	return e.locator.Err()
}

// SwapHeader reads the header of a zram backed swap device.
func (e *Engine) SwapHeader(typ int) (*swap.Header, error) {
	found := e.registry.Find(uint64(typ))
	if !found.IsPresent() {
		return nil, fmt.Errorf("%w: type %d", ErrUnknownSwapDevice, typ)
	}

	dev := found.ValueOrZero()

	if !dev.Zram || dev.ZramControl == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, dev.Path)
	}

	index, err := dev.Translate(0)
	if err != nil {
		return nil, err
	}

	page, err := e.zram.Decompress(dev.ZramControl, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompressionFailure, err)
	}

	hdr, err := swap.ParseHeader(page)
	if err != nil {
		return nil, err
	}

	if hdr.Magic == swap.MagicV2 && dev.Pages != 0 && hdr.LastPage-hdr.NrBadPages != dev.Pages {
		return hdr, fmt.Errorf("%w: header of %s has %d usable pages, device %d", swap.ErrHeaderMismatch, dev.Path, hdr.LastPage-hdr.NrBadPages, dev.Pages)
	}

	return hdr, nil
}
