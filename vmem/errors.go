// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem

import (
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/go-vmcore/swap"
)

// Resolution failure kinds.
var (
	ErrInvalidAddress       = errors.New("invalid virtual address")
	ErrInvalidMapping       = errors.New("page is neither present nor swapped out")
	ErrUnknownSwapDevice    = errors.New("no swap device for the swap type")
	ErrUnsupportedBackend   = errors.New("swap device backend is not supported")
	ErrDecompressionFailure = errors.New("zram decompression failed")
	ErrPartialRead          = errors.New("read failed on a page in the range")

	ErrExtentNotFound       = swap.ErrExtentNotFound
	ErrConfigurationMissing = swap.ErrConfigurationMissing
)

// NoDevice marks ResolveError without a swap device.
const NoDevice = -1

// ResolveError describes a failed page resolution.
//
// errors.Is matches both the failure kind and the underlying cause.
type ResolveError struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error
	// Err is the underlying cause, might be nil.
	Err error

	PID   int
	Vaddr uint64
	// PTE is the raw page table entry, zero if not reached.
	PTE uint64
	// Device is the swap type, NoDevice if not reached.
	Device int
}

func (e *ResolveError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s: pid %d, vaddr %#x", e.Kind, e.PID, e.Vaddr)

	if e.PTE != 0 {
		fmt.Fprintf(&sb, ", pte %#x", e.PTE)
	}

	if e.Device != NoDevice {
		fmt.Fprintf(&sb, ", device %d", e.Device)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}

	return sb.String()
}

// Unwrap returns the kind and the cause.
func (e *ResolveError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Is matches any *ResolveError target.
func (e *ResolveError) Is(target error) bool {
	_, ok := target.(*ResolveError)

	return ok
}
