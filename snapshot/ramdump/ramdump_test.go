// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ramdump_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-vmcore/snapshot"
	"github.com/siderolabs/go-vmcore/snapshot/ramdump"
)

func fill(seed byte, size int) []byte {
	data := make([]byte, size)

	for i := range data {
		data[i] = seed + byte(i%251)
	}

	return data
}

func TestNew(t *testing.T) {
	t.Parallel()

	low := fill(1, 0x2000)
	high := fill(2, 0x1000)

	r, err := ramdump.New(
		ramdump.Source{Name: "high", Base: 0x90000000, Size: uint64(len(high)), Reader: bytes.NewReader(high)},
		ramdump.Source{Name: "low", Base: 0x80000000, Size: uint64(len(low)), Reader: bytes.NewReader(low)},
	)
	require.NoError(t, err)

	defer r.Close() //nolint:errcheck

	assert.Equal(t, 2, r.Len())
	assert.EqualValues(t, 0x3000, r.Size())

	buf := make([]byte, 16)

	require.NoError(t, r.ReadPhysical(0x80001ff0, buf))
	assert.Equal(t, low[0x1ff0:], buf)

	require.NoError(t, r.ReadPhysical(0x90000100, buf))
	assert.Equal(t, high[0x100:0x110], buf)

	for _, addr := range []uint64{0, 0x7fffffff, 0x80002000, 0x90001000} {
		assert.ErrorIs(t, r.ReadPhysical(addr, buf), snapshot.ErrNotMapped, "%#x", addr)
	}

	assert.ErrorIs(t, r.ReadPhysical(0x80001ff8, buf), ramdump.ErrCrossesRegions)
}

func TestNewShortSource(t *testing.T) {
	t.Parallel()

	r, err := ramdump.New(ramdump.Source{Name: "short", Base: 0x1000, Size: 0x1000, Reader: bytes.NewReader(make([]byte, 10))})
	require.NoError(t, err)

	assert.Error(t, r.ReadPhysical(0x1800, make([]byte, 8)))
}

func TestNewOverlap(t *testing.T) {
	t.Parallel()

	_, err := ramdump.New(
		ramdump.Source{Name: "a", Base: 0x1000, Size: 0x2000, Reader: bytes.NewReader(nil)},
		ramdump.Source{Name: "b", Base: 0x2000, Size: 0x1000, Reader: bytes.NewReader(nil)},
	)
	assert.ErrorIs(t, err, ramdump.ErrOverlap)
}

func TestParseLoadScript(t *testing.T) {
	t.Parallel()

	script := `
; ramdump load script
sys.cpu CORTEXA55
D.LOAD.BINARY DDRCS0_0.BIN 0x80000000--0xbfffffff /noclear
d.load.binary DDRCS1_0.BIN 0x100000000 /noclear
data.load.binary /abs/OCIMEM.BIN 0x14680000--0x146bffff /noclear
d.load.elf vmlinux /nocode
`

	regions, err := ramdump.ParseLoadScript(strings.NewReader(script))
	require.NoError(t, err)

	assert.Equal(t, []ramdump.Region{
		{Path: "DDRCS0_0.BIN", Base: 0x80000000},
		{Path: "DDRCS1_0.BIN", Base: 0x100000000},
		{Path: "/abs/OCIMEM.BIN", Base: 0x14680000},
	}, regions)

	_, err = ramdump.ParseLoadScript(strings.NewReader("d.load.binary DDR.BIN nowhere\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestOpenDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	ddr0 := fill(3, 0x4000)
	ddr1 := fill(4, 0x1000)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "DDRCS0_0.BIN"), ddr0, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DDRCS1_0.BIN"), ddr1, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EMPTY.BIN"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ramdump.LoadScript), []byte(strings.Join([]string{
		"d.load.binary DDRCS0_0.BIN 0x80000000--0x80003fff /noclear",
		"d.load.binary DDRCS1_0.BIN 0x100000000--0x100000fff /noclear",
		"d.load.binary EMPTY.BIN 0x200000000 /noclear",
	}, "\n")), 0o644))

	r, err := ramdump.OpenDir(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())

	buf := make([]byte, 0x100)

	require.NoError(t, r.ReadPhysical(0x80003f00, buf))
	assert.Equal(t, ddr0[0x3f00:], buf)

	require.NoError(t, r.ReadPhysical(0x100000000, buf))
	assert.Equal(t, ddr1[:0x100], buf)

	assert.ErrorIs(t, r.ReadPhysical(0x200000000, buf), snapshot.ErrNotMapped)

	require.NoError(t, r.Close())

	_, err = ramdump.OpenDir(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenOverlap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "DDR.BIN")

	require.NoError(t, os.WriteFile(path, fill(5, 0x2000), 0o644))

	_, err := ramdump.Open(
		ramdump.Region{Path: path, Base: 0x80000000},
		ramdump.Region{Path: path, Base: 0x80001000},
	)
	assert.ErrorIs(t, err, ramdump.ErrOverlap)
}

type load struct {
	paddr uint64
	data  []byte
}

// elfCore builds a little-endian ELF64 core file with a PT_NOTE and the PT_LOAD segments.
func elfCore(typ uint16, loads ...load) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)

	phnum := len(loads) + 1
	off := uint64(ehdrSize + phnum*phdrSize)

	out := make([]byte, off)

	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})

	le := binary.LittleEndian

	le.PutUint16(out[16:], typ)
	le.PutUint16(out[18:], 183) // EM_AARCH64
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[32:], ehdrSize)
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(phnum))
	le.PutUint16(out[58:], 64)

	phdr := func(i int, ptype uint32, offset, paddr, size uint64) {
		ph := out[ehdrSize+i*phdrSize:]

		le.PutUint32(ph[0:], ptype)
		le.PutUint32(ph[4:], 4)
		le.PutUint64(ph[8:], offset)
		le.PutUint64(ph[16:], paddr|0xffffff8000000000)
		le.PutUint64(ph[24:], paddr)
		le.PutUint64(ph[32:], size)
		le.PutUint64(ph[40:], size)
	}

	// PT_NOTE
	phdr(0, 4, 0, 0, 0)

	for i, l := range loads {
		phdr(i+1, 1, uint64(len(out)), l.paddr, uint64(len(l.data)))

		out = append(out, l.data...)
	}

	return out
}

func TestOpenELF(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first := fill(6, 0x3000)
	second := fill(7, 0x1000)

	path := filepath.Join(dir, "vmcore")
	require.NoError(t, os.WriteFile(path, elfCore(4,
		load{paddr: 0x90000000, data: second},
		load{paddr: 0x80000000, data: first},
	), 0o644))

	r, err := ramdump.OpenELF(path)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})

	assert.Equal(t, 2, r.Len())
	assert.EqualValues(t, 0x4000, r.Size())

	buf := make([]byte, 8)

	require.NoError(t, r.ReadPhysical(0x80002ff8, buf))
	assert.Equal(t, first[0x2ff8:], buf)

	require.NoError(t, r.ReadPhysical(0x90000000, buf))
	assert.Equal(t, second[:8], buf)

	assert.ErrorIs(t, r.ReadPhysical(0x80003000, buf), snapshot.ErrNotMapped)
}

func TestOpenELFInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	exec := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(exec, elfCore(2, load{paddr: 0x80000000, data: fill(8, 0x100)}), 0o644))

	_, err := ramdump.OpenELF(exec)
	assert.ErrorIs(t, err, ramdump.ErrNotCore)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, fill(9, 0x1000), 0o644))

	_, err = ramdump.OpenELF(garbage)
	assert.Error(t, err)

	_, err = ramdump.OpenELF(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
