// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem

import (
	"go.uber.org/zap"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/zram"
)

// Options configures the engine.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger

	// Layout of the kernel structures, resolved from the snapshot if not set.
	Layout *kernel.Layout

	// CacheLimit bounds the page cache, zero means unbounded.
	CacheLimit int

	// Decompressor replaces the built-in zram reader.
	Decompressor zram.Decompressor
	// ObjectReader locates zsmalloc objects for the built-in zram reader.
	ObjectReader zram.ObjectReader

	zramOptions []zram.Option
}

// Option is an option for the engine.
type Option func(*Options)

// WithLogger sets the logger for the engine and its components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithLayout uses the layout instead of resolving it from the snapshot.
func WithLayout(layout *kernel.Layout) Option {
	return func(o *Options) {
		o.Layout = layout
	}
}

// WithCacheLimit bounds the page cache to the number of pages.
func WithCacheLimit(pages int) Option {
	return func(o *Options) {
		o.CacheLimit = pages
	}
}

// WithDecompressor sets the zram decompressor.
func WithDecompressor(d zram.Decompressor) Option {
	return func(o *Options) {
		o.Decompressor = d
	}
}

// WithObjectReader sets the zsmalloc object reader.
func WithObjectReader(r zram.ObjectReader) Option {
	return func(o *Options) {
		o.ObjectReader = r
	}
}

// WithCodec registers a zram codec for the algorithm.
func WithCodec(algorithm string, codec zram.Codec) Option {
	return func(o *Options) {
		o.zramOptions = append(o.zramOptions, zram.WithCodec(algorithm, codec))
	}
}
