// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/siderolabs/go-vmcore/snapshot"
)

// Provenance tells where the bytes of a resolved page come from.
type Provenance int

// Page sources.
const (
	Resident Provenance = iota
	SwapCache
	Zram
)

func (p Provenance) String() string {
	switch p {
	case Resident:
		return "resident"
	case SwapCache:
		return "swap-cache"
	case Zram:
		return "zram"
	default:
		return "provenance(" + strconv.Itoa(int(p)) + ")"
	}
}

// ResolvedPage is a single page of process memory.
type ResolvedPage struct {
	// Data is the page contents, shared with the page cache and must not be modified.
	Data       []byte
	Provenance Provenance
}

type resolution struct {
	logger *zap.Logger
	task   snapshot.Task
	vaddr  uint64
	pte    uint64
	device int
}

func (r *resolution) fail(kind, cause error) error {
	err := &ResolveError{
		Kind:   kind,
		Err:    cause,
		PID:    r.task.PID,
		Vaddr:  r.vaddr,
		PTE:    r.pte,
		Device: r.device,
	}

	r.logger.Debug("page resolution failed", zap.Error(err))

	return err
}

// ResolvePage returns the page containing the virtual address of the task.
//
// Errors are *ResolveError.
func (e *Engine) ResolvePage(task snapshot.Task, vaddr uint64) (ResolvedPage, error) {
	page := vaddr & e.layout.PageMask()
	key := strconv.FormatUint(task.Addr, 16) + ":" + strconv.FormatUint(page, 16)

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.resolve(task, page)
	})
	if err != nil {
		return ResolvedPage{}, err
	}

	return v.(ResolvedPage), nil //nolint:forcetypeassert
}

//nolint:gocyclo,cyclop
func (e *Engine) resolve(task snapshot.Task, vaddr uint64) (ResolvedPage, error) {
	r := &resolution{
		logger: e.logger.With(zap.Int("pid", task.PID), zap.String("vaddr", fmt.Sprintf("%#x", vaddr))),
		task:   task,
		vaddr:  vaddr,
		device: NoDevice,
	}

	if !e.snap.IsUserAddress(task, vaddr) {
		return ResolvedPage{}, r.fail(ErrInvalidAddress, nil)
	}

	tr, err := e.snap.WalkPageTable(task, vaddr)
	if err != nil {
		return ResolvedPage{}, r.fail(ErrInvalidMapping, err)
	}

	r.pte = tr.PTE

	if tr.Resident {
		data, err := e.physicalPage(tr.Phys & e.layout.PageMask())
		if err != nil {
			return ResolvedPage{}, r.fail(ErrInvalidMapping, err)
		}

		r.logger.Debug("resident page", zap.String("phys", fmt.Sprintf("%#x", tr.Phys)))

		return ResolvedPage{Data: data, Provenance: Resident}, nil
	}

	if !e.layout.IsSwapPTE(tr.PTE) {
		if e.layout.IsPresentPTE(tr.PTE) {
			return ResolvedPage{}, r.fail(ErrInvalidMapping, errors.New("present page failed to translate"))
		}

		return ResolvedPage{}, r.fail(ErrInvalidMapping, nil)
	}

	entry := e.layout.DecodeSwapEntry(tr.PTE)

	r.logger = r.logger.With(
		zap.String("pte", fmt.Sprintf("%#x", tr.PTE)),
		zap.Uint64("swap_type", entry.Type),
		zap.String("swap_offset", fmt.Sprintf("%#x", entry.Offset)),
	)

	if data, ok := e.cache.PTE(tr.PTE); ok {
		r.logger.Debug("page cache hit")

		return ResolvedPage{Data: data, Provenance: Zram}, nil
	}

	if data, ok := e.swapCachePage(r, entry.Type, entry.Offset); ok {
		return ResolvedPage{Data: data, Provenance: SwapCache}, nil
	}

	found := e.registry.Find(entry.Type)
	if !found.IsPresent() {
		return ResolvedPage{}, r.fail(ErrUnknownSwapDevice, e.registry.Err())
	}

	dev := found.ValueOrZero()
	r.device = dev.Type
	r.logger = r.logger.With(zap.Int("device", dev.Type))

	if !dev.Zram {
		return ResolvedPage{}, r.fail(ErrUnsupportedBackend, fmt.Errorf("swap device %q is not zram", dev.Path))
	}

	if dev.ZramControl == 0 {
		return ResolvedPage{}, r.fail(ErrDecompressionFailure, fmt.Errorf("zram device of %q was not located", dev.Path))
	}

	index, err := dev.Translate(entry.Offset)
	if err != nil {
		return ResolvedPage{}, r.fail(ErrExtentNotFound, err)
	}

	data, err := e.zram.Decompress(dev.ZramControl, index)
	if err != nil {
		return ResolvedPage{}, r.fail(ErrDecompressionFailure, err)
	}

	if uint64(len(data)) != e.layout.PageSize {
		return ResolvedPage{}, r.fail(ErrDecompressionFailure, fmt.Errorf("decompressed %d bytes", len(data)))
	}

	// the decompressor might reuse its buffer, cached pages are never shared with it
	data = slices.Clone(data)

	e.cache.StorePTE(tr.PTE, data)

	r.logger.Debug("zram page", zap.Uint64("index", index))

	return ResolvedPage{Data: data, Provenance: Zram}, nil
}

// swapCachePage returns the page of the swap entry held by the swap cache.
//
// Lookup failures are treated as misses.
func (e *Engine) swapCachePage(r *resolution, typ, offset uint64) ([]byte, bool) {
	page, ok, err := e.locator.Lookup(typ, offset)
	if err != nil {
		r.logger.Debug("swap cache lookup failed", zap.Error(err))

		return nil, false
	}

	if !ok {
		return nil, false
	}

	phys, err := e.snap.PageToPhys(page)
	if err != nil {
		r.logger.Debug("swap cache page is not mapped", zap.String("page", fmt.Sprintf("%#x", page)), zap.Error(err))

		return nil, false
	}

	data, err := e.physicalPage(phys)
	if err != nil {
		r.logger.Debug("failed to read swap cache page", zap.String("phys", fmt.Sprintf("%#x", phys)), zap.Error(err))

		return nil, false
	}

	r.logger.Debug("swap cache hit", zap.String("phys", fmt.Sprintf("%#x", phys)))

	return data, true
}

func (e *Engine) physicalPage(phys uint64) ([]byte, error) {
	if data, ok := e.cache.Physical(phys); ok {
		return data, nil
	}

	data := make([]byte, e.layout.PageSize)

	if err := e.snap.ReadPhysical(phys, data); err != nil {
		return nil, fmt.Errorf("error reading physical page %#x: %w", phys, err)
	}

	e.cache.StorePhysical(phys, data)

	return data, nil
}
