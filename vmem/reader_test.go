// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-vmcore/vmem"
)

func TestReadCrossPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	a := pattern(20)
	b := pattern(21)

	f.snap.MapPage(f.task, 0x7f000000, a)
	f.swapOut(0x7f001000, 50, b)

	got, err := f.engine.Read(f.task, 0x7f000fff, 2)
	require.NoError(t, err)

	assert.Equal(t, []byte{a[4095], b[0]}, got)
}

func TestRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	pages := [][]byte{pattern(22), pattern(23), pattern(24)}

	f.snap.MapPage(f.task, 0x10000, pages[0])
	f.swapOut(0x11000, 51, pages[1])
	f.snap.MapPage(f.task, 0x12000, pages[2])

	var all []byte
	for _, page := range pages {
		all = append(all, page...)
	}

	for _, test := range []struct {
		name   string
		offset uint64
		length int
	}{
		{"empty", 100, 0},
		{"single byte", 17, 1},
		{"within page", 100, 200},
		{"whole page", pageSize, pageSize},
		{"unaligned across two pages", pageSize - 10, 20},
		{"all pages", 0, 3 * pageSize},
		{"unaligned across three pages", 1, 3*pageSize - 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := f.engine.Read(f.task, 0x10000+test.offset, test.length)
			require.NoError(t, err)

			require.Len(t, got, test.length)
			assert.Equal(t, all[test.offset:test.offset+uint64(test.length)], got)
		})
	}
}

func TestReadAtomic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.snap.MapPage(f.task, 0x10000, pattern(25))
	f.swapOut(0x11000, 52, pattern(26))
	f.snap.MapPage(f.task, 0x12000, pattern(27))

	// the middle page decompresses to garbage
	f.zram.SetObject(52, []byte("not a zstd frame"))

	got, err := f.engine.Read(f.task, 0x10000, 3*pageSize)
	assert.Nil(t, got)
	require.ErrorIs(t, err, vmem.ErrPartialRead)

	rerr := requireKind(t, err, vmem.ErrDecompressionFailure)
	assert.EqualValues(t, 0x11000, rerr.Vaddr)

	// a missing page in the middle
	f.snap.MapPage(f.task, 0x20000, pattern(28))
	f.snap.MapPage(f.task, 0x22000, pattern(29))

	got, err = f.engine.Read(f.task, 0x20000, 3*pageSize)
	assert.Nil(t, got)
	requireKind(t, err, vmem.ErrInvalidMapping)

	// buf is untouched even though the first page resolves
	buf := bytes.Repeat([]byte{0xaa}, 3*pageSize)
	require.ErrorIs(t, f.engine.ReadInto(f.task, 0x20000, buf), vmem.ErrPartialRead)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 3*pageSize), buf)
}

func TestReadInvalidRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.engine.Read(f.task, math.MaxUint64-10, 100)
	requireKind(t, err, vmem.ErrInvalidAddress)

	_, err = f.engine.Read(f.task, 0x1000, -1)
	requireKind(t, err, vmem.ErrInvalidAddress)
}

func TestTypedReads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	a := make([]byte, pageSize)
	b := make([]byte, pageSize)

	binary.LittleEndian.PutUint64(a[0x10:], 0xfedcba9876543210)
	binary.LittleEndian.PutUint32(a[0x20:], 0xfffffffe)
	binary.LittleEndian.PutUint16(a[0x30:], 0xbeef)
	a[0x40] = 1

	// a pointer split across the page boundary
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], 0x7fcafe001000)
	copy(a[pageSize-3:], ptr[:3])
	copy(b, ptr[3:])

	f.snap.MapPage(f.task, 0x10000, a)
	f.swapOut(0x11000, 53, b)

	u64, err := f.engine.ReadUint64(f.task, 0x10010)
	require.NoError(t, err)
	assert.EqualValues(t, uint64(0xfedcba9876543210), u64)

	i64, err := f.engine.ReadInt64(f.task, 0x10010)
	require.NoError(t, err)
	assert.Negative(t, i64)

	u32, err := f.engine.ReadUint32(f.task, 0x10020)
	require.NoError(t, err)
	assert.EqualValues(t, 0xfffffffe, u32)

	i32, err := f.engine.ReadInt32(f.task, 0x10020)
	require.NoError(t, err)
	assert.EqualValues(t, -2, i32)

	u16, err := f.engine.ReadUint16(f.task, 0x10030)
	require.NoError(t, err)
	assert.EqualValues(t, 0xbeef, u16)

	u8, err := f.engine.ReadUint8(f.task, 0x10031)
	require.NoError(t, err)
	assert.EqualValues(t, 0xbe, u8)

	ok, err := f.engine.ReadBool(f.task, 0x10040)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.ReadBool(f.task, 0x10041)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := f.engine.ReadPointer(f.task, 0x11000-3)
	require.NoError(t, err)
	assert.EqualValues(t, 0x7fcafe001000, p)

	_, err = f.engine.ReadUint64(f.task, 0x12000-4)
	assert.ErrorIs(t, err, vmem.ErrInvalidMapping)
}

func TestReadCString(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	a := make([]byte, pageSize)
	copy(a[0x100:], "init\x00")
	copy(a[pageSize-5:], "/syst")

	b := make([]byte, pageSize)
	copy(b, "em/bin/app_process64\x00")

	f.snap.MapPage(f.task, 0x10000, a)
	f.swapOut(0x11000, 54, b)

	// the page after the terminator is not mapped
	f.snap.MapPage(f.task, 0x20000, a)

	for _, test := range []struct {
		name     string
		vaddr    uint64
		max      int
		expected string
	}{
		{"within page", 0x10100, 64, "init"},
		{"truncated", 0x10100, 2, "in"},
		{"across pages", 0x11000 - 5, 256, "/system/bin/app_process64"},
		{"terminator before unmapped page", 0x20100, pageSize, "init"},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			s, err := f.engine.ReadCString(f.task, test.vaddr, test.max)
			require.NoError(t, err)

			assert.Equal(t, test.expected, s)
		})
	}

	_, err := f.engine.ReadCString(f.task, 0x21000-5, 64)
	assert.ErrorIs(t, err, vmem.ErrPartialRead)
}

func TestReadArgs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	args := "/system/bin/surfaceflinger\x00--start-graphics\x00\x00"

	a := make([]byte, pageSize)
	copy(a[pageSize-10:], args[:10])

	b := make([]byte, pageSize)
	copy(b, args[10:])

	f.snap.MapPage(f.task, 0x10000, a)
	f.swapOut(0x11000, 55, b)
	f.snap.SetArgs(f.task, 0x11000-10, 0x11000-10+uint64(len(args)))

	got, err := f.engine.ReadArgs(f.task)
	require.NoError(t, err)

	assert.Equal(t, []string{"/system/bin/surfaceflinger", "--start-graphics"}, got)

	idle := f.snap.NewTask(2, "kthreadd")
	f.snap.SetArgs(idle, 0, 0)

	got, err = f.engine.ReadArgs(idle)
	require.NoError(t, err)

	assert.Equal(t, []string{"kthreadd"}, got)

	broken := f.snap.NewTask(3, "zygote")
	f.snap.SetArgs(broken, 0x30000, 0x30100)

	_, err = f.engine.ReadArgs(broken)
	assert.ErrorIs(t, err, vmem.ErrPartialRead)
}
