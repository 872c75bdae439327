// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swap

import (
	"fmt"
	"slices"

	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"

	"github.com/siderolabs/go-vmcore/kernel"
	"github.com/siderolabs/go-vmcore/snapshot"
)

// Options configures the registry.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is an option for loading the registry.
type Option func(*Options)

// WithLogger sets the logger for the registry.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func applyOptions(opts ...Option) Options {
	o := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Registry holds the swap devices found in the snapshot.
type Registry struct {
	devices map[int]*Device
	err     error
}

// Load enumerates the swap devices of the snapshot.
//
// Missing kernel symbols are not fatal: the returned registry is empty and Err reports the condition.
func Load(snap snapshot.Snapshot, layout *kernel.Layout, opts ...Option) *Registry {
	options := applyOptions(opts...)
	logger := options.Logger

	r := &Registry{
		devices: map[int]*Device{},
	}

	nrAddr, ok := snap.Symbol("nr_swapfiles")
	if !ok {
		r.disable(logger, "nr_swapfiles")

		return r
	}

	infoAddr, ok := snap.Symbol("swap_info")
	if !ok {
		r.disable(logger, "swap_info")

		return r
	}

	mem := kernel.NewMemory(snap, layout)

	nr, err := mem.Int32(nrAddr)
	if err != nil {
		r.err = fmt.Errorf("error reading nr_swapfiles: %w", err)
		logger.Warn("swap support disabled", zap.Error(r.err))

		return r
	}

	l := &loader{
		snap:   snap,
		layout: layout,
		mem:    mem,
		logger: logger,
	}

	for i := range int(nr) {
		addr, err := l.deviceAddr(infoAddr, i)
		if err != nil {
			logger.Warn("failed to locate swap_info_struct", zap.Int("type", i), zap.Error(err))

			continue
		}

		if !snap.IsKernelAddress(addr) {
			continue
		}

		dev, err := l.loadDevice(i, addr)
		if err != nil {
			logger.Warn("failed to load swap device", zap.Int("type", i), zap.Error(err))

			continue
		}

		logger.Debug("found swap device", zap.Stringer("device", dev))

		r.devices[i] = dev
	}

	return r
}

func (r *Registry) disable(logger *zap.Logger, symbol string) {
	r.err = fmt.Errorf("%w: %s", ErrConfigurationMissing, symbol)

	logger.Warn("swap support disabled", zap.String("symbol", symbol))
}

// Err returns the reason the registry is empty, if any.
func (r *Registry) Err() error {
	return r.err
}

// Find returns the device for the swap type.
func (r *Registry) Find(typ uint64) optional.Optional[*Device] {
	dev, ok := r.devices[int(typ)]
	if !ok {
		return optional.None[*Device]()
	}

	return optional.Some(dev)
}

// Devices returns all devices ordered by type.
func (r *Registry) Devices() []*Device {
	types := maps.Keys(r.devices)
	slices.Sort(types)

	devices := make([]*Device, 0, len(types))

	for _, typ := range types {
		devices = append(devices, r.devices[typ])
	}

	return devices
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

type loader struct {
	snap   snapshot.Snapshot
	layout *kernel.Layout
	mem    *kernel.Memory
	logger *zap.Logger
}

func (l *loader) deviceAddr(infoAddr uint64, typ int) (uint64, error) {
	switch l.layout.DeviceTable {
	case kernel.DeviceTablePointers:
		return l.mem.Pointer(infoAddr + uint64(typ*l.layout.PointerSize))
	case kernel.DeviceTableStructs:
		return infoAddr + uint64(typ*l.layout.SwapInfo.Size), nil
	default:
		return 0, fmt.Errorf("unsupported device table %q", l.layout.DeviceTable)
	}
}

func (l *loader) loadDevice(typ int, addr uint64) (*Device, error) {
	si := l.layout.SwapInfo

	s, err := l.mem.Struct(addr, si.Size)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		Type:        typ,
		Addr:        addr,
		Pages:       s.Uint32(si.Pages),
		InusePages:  s.Uint32(si.InusePages),
		BlockDevice: s.Pointer(si.Bdev),
	}

	if file := s.Pointer(si.SwapFile); l.snap.IsKernelAddress(file) {
		var vfsmnt uint64

		if si.SwapVfsmnt != nil {
			vfsmnt = s.Pointer(*si.SwapVfsmnt)
		}

		if dev.Path, err = l.snap.FilePath(file, vfsmnt); err != nil {
			return nil, fmt.Errorf("error resolving swap file path: %w", err)
		}
	}

	dev.Zram = IsZramPath(dev.Path)

	if l.snap.IsKernelAddress(dev.BlockDevice) {
		if dev.PartitionStart, err = l.partitionStart(dev.BlockDevice); err != nil {
			return nil, err
		}
	}

	root, err := l.mem.Pointer(addr + uint64(si.ExtentRoot))
	if err != nil {
		return nil, fmt.Errorf("error reading swap_extent_root: %w", err)
	}

	if dev.Extents, err = l.collectExtents(root); err != nil {
		return nil, err
	}

	if dev.Zram {
		if dev.ZramControl, err = l.zramControl(dev.BlockDevice); err != nil {
			l.logger.Warn("failed to locate zram device", zap.Int("type", typ), zap.String("path", dev.Path), zap.Error(err))
		}
	}

	return dev, nil
}

func (l *loader) partitionStart(bdev uint64) (uint64, error) {
	bd := l.layout.BlockDevice

	switch l.layout.PartitionStart {
	case kernel.PartitionStartBdev:
		return l.mem.Uint64(bdev + uint64(bd.StartSect))
	case kernel.PartitionStartHDStruct:
		part, err := l.mem.Pointer(bdev + uint64(bd.Part))
		if err != nil {
			return 0, err
		}

		if !l.snap.IsKernelAddress(part) {
			return 0, nil
		}

		return l.mem.Uint64(part + uint64(bd.PartStartSect))
	default:
		return 0, fmt.Errorf("unsupported partition start layout %q", l.layout.PartitionStart)
	}
}

// zramControl follows block_device->bd_disk->private_data.
func (l *loader) zramControl(bdev uint64) (uint64, error) {
	if !l.snap.IsKernelAddress(bdev) {
		return 0, fmt.Errorf("invalid block device address %#x", bdev)
	}

	disk, err := l.mem.Pointer(bdev + uint64(l.layout.BlockDevice.Disk))
	if err != nil {
		return 0, err
	}

	if !l.snap.IsKernelAddress(disk) {
		return 0, fmt.Errorf("invalid gendisk address %#x", disk)
	}

	zram, err := l.mem.Pointer(disk + uint64(l.layout.Gendisk.PrivateData))
	if err != nil {
		return 0, err
	}

	if !l.snap.IsKernelAddress(zram) {
		return 0, fmt.Errorf("invalid zram address %#x", zram)
	}

	return zram, nil
}
