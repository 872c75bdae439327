// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zram reads pages stored in zram devices of a dumped kernel.
package zram

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
)

// Common errors.
var (
	ErrWrittenBack          = errors.New("zram page was written back to the backing device")
	ErrUnsupportedAlgorithm = errors.New("unsupported zram compression algorithm")
	ErrNoObjectReader       = errors.New("no zsmalloc object reader configured")
	ErrCorruptEntry         = errors.New("corrupt zram table entry")

	ErrConfigurationMissing = kernel.ErrConfigurationMissing
)

// Decompressor returns the uncompressed page stored at the index of a zram device.
//
// The returned slice belongs to the caller.
type Decompressor interface {
	Decompress(zram, index uint64) ([]byte, error)
}

// ObjectReader reads compressed objects out of a zsmalloc pool.
type ObjectReader interface {
	// ReadObject returns size bytes of the object referenced by handle.
	ReadObject(pool, handle uint64, size int) ([]byte, error)
}

// Options configures the reader.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger
	// Codecs by algorithm name, on top of the built-in ones.
	Codecs map[string]Codec
}

// Option is an option for the reader.
type Option func(*Options)

// WithLogger sets the logger for the reader.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCodec registers a codec for the algorithm name.
func WithCodec(algorithm string, codec Codec) Option {
	return func(o *Options) {
		if o.Codecs == nil {
			o.Codecs = map[string]Codec{}
		}

		o.Codecs[algorithm] = codec
	}
}

// Entry is a decoded zram_table_entry.
type Entry struct {
	Handle uint64
	Flags  uint64
	Size   int

	Same        bool
	WrittenBack bool
	Huge        bool
}

type device struct {
	table     uint64
	pool      uint64
	algorithm string
}

// Reader implements Decompressor on top of the snapshot.
type Reader struct {
	mem     *kernel.Memory
	layout  *kernel.Layout
	objects ObjectReader
	codecs  map[string]Codec
	logger  *zap.Logger

	// disabled is set when the debug info lacks the zram types
	disabled error

	mu      sync.Mutex
	devices map[uint64]*device
}

// NewReader creates a zram reader.
//
// Objects might be nil, in which case only same-filled and zero pages can be read.
func NewReader(r snapshot.KernelReader, layout *kernel.Layout, objects ObjectReader, opts ...Option) (*Reader, error) {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	codecs, err := defaultCodecs()
	if err != nil {
		return nil, err
	}

	for name, codec := range options.Codecs {
		if c, ok := codecs[name].(interface{ Close() error }); ok {
			c.Close() //nolint:errcheck
		}

		codecs[name] = codec
	}

	disabled := layout.ZramErr()
	if disabled != nil {
		options.Logger.Warn("zram support disabled", zap.Error(disabled))
	}

	return &Reader{
		mem:      kernel.NewMemory(r, layout),
		layout:   layout,
		objects:  objects,
		codecs:   codecs,
		logger:   options.Logger,
		disabled: disabled,
		devices:  map[uint64]*device{},
	}, nil
}

// Close releases the codecs.
func (r *Reader) Close() error {
	var errs []error

	for _, codec := range r.codecs {
		if c, ok := codec.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}

	return errors.Join(errs...)
}

func (r *Reader) device(zram uint64) (*device, error) {
	if r.disabled != nil {
		return nil, r.disabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[zram]; ok {
		return dev, nil
	}

	zl := r.layout.Zram

	table, err := r.mem.Pointer(zram + uint64(zl.Table))
	if err != nil {
		return nil, fmt.Errorf("error reading zram table: %w", err)
	}

	pool, err := r.mem.Pointer(zram + uint64(zl.MemPool))
	if err != nil {
		return nil, fmt.Errorf("error reading zram mem_pool: %w", err)
	}

	var algorithm string

	if zl.CompressorIsPointer {
		var name uint64

		if name, err = r.mem.Pointer(zram + uint64(zl.Compressor)); err == nil {
			algorithm, err = r.mem.CString(name, zl.CompressorSize)
		}
	} else {
		algorithm, err = r.mem.CString(zram+uint64(zl.Compressor), zl.CompressorSize)
	}

	if err != nil {
		return nil, fmt.Errorf("error reading zram compressor: %w", err)
	}

	dev := &device{
		table:     table,
		pool:      pool,
		algorithm: algorithm,
	}

	r.logger.Debug("found zram device",
		zap.String("zram", fmt.Sprintf("%#x", zram)),
		zap.String("table", fmt.Sprintf("%#x", table)),
		zap.String("algorithm", algorithm),
	)

	r.devices[zram] = dev

	return dev, nil
}

// Algorithm returns the compression algorithm of the zram device.
func (r *Reader) Algorithm(zram uint64) (string, error) {
	dev, err := r.device(zram)
	if err != nil {
		return "", err
	}

	return dev.algorithm, nil
}

// Entry reads the table entry at the index.
func (r *Reader) Entry(zram, index uint64) (Entry, error) {
	dev, err := r.device(zram)
	if err != nil {
		return Entry{}, err
	}

	return r.entry(dev, index)
}

func (r *Reader) entry(dev *device, index uint64) (Entry, error) {
	zl := r.layout.Zram

	s, err := r.mem.Struct(dev.table+index*uint64(zl.EntrySize), zl.EntrySize)
	if err != nil {
		return Entry{}, fmt.Errorf("error reading zram table entry %d: %w", index, err)
	}

	flags := s.Ulong(zl.EntryFlags)

	return Entry{
		Handle:      s.Ulong(zl.EntryHandle),
		Flags:       flags,
		Size:        int(flags & (uint64(1)<<zl.FlagShift - 1)),
		Same:        flags&(uint64(1)<<zl.SameBit) != 0,
		WrittenBack: flags&(uint64(1)<<zl.WBBit) != 0,
		Huge:        flags&(uint64(1)<<zl.HugeBit) != 0,
	}, nil
}

// Decompress implements Decompressor.
func (r *Reader) Decompress(zram, index uint64) ([]byte, error) {
	dev, err := r.device(zram)
	if err != nil {
		return nil, err
	}

	entry, err := r.entry(dev, index)
	if err != nil {
		return nil, err
	}

	pageSize := int(r.layout.PageSize)
	page := make([]byte, pageSize)

	switch {
	case entry.WrittenBack:
		return nil, fmt.Errorf("%w: index %d", ErrWrittenBack, index)
	case entry.Same:
		// the handle field stores the fill pattern
		fill := kernel.NewStruct(make([]byte, r.layout.PointerSize), r.layout.PointerSize)
		putUlong(fill.Bytes(0, r.layout.PointerSize), entry.Handle)

		for off := 0; off+r.layout.PointerSize <= pageSize; off += r.layout.PointerSize {
			copy(page[off:], fill.Bytes(0, r.layout.PointerSize))
		}

		return page, nil
	case entry.Handle == 0:
		return page, nil
	}

	if entry.Size == 0 || entry.Size > pageSize {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrCorruptEntry, index, entry.Size)
	}

	if r.objects == nil {
		return nil, ErrNoObjectReader
	}

	obj, err := r.objects.ReadObject(dev.pool, entry.Handle, entry.Size)
	if err != nil {
		return nil, fmt.Errorf("error reading zsmalloc object %#x: %w", entry.Handle, err)
	}

	if entry.Size == pageSize {
		copy(page, obj)

		return page, nil
	}

	codec, ok := r.codecs[dev.algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, dev.algorithm)
	}

	out, err := codec.Decompress(obj, pageSize)
	if err != nil {
		return nil, fmt.Errorf("error decompressing index %d with %s: %w", index, dev.algorithm, err)
	}

	if len(out) != pageSize {
		return nil, fmt.Errorf("%w: index %d decompressed to %d bytes", ErrCorruptEntry, index, len(out))
	}

	return out, nil
}

func putUlong(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}
