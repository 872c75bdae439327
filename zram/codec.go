// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zram

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Codec decompresses a single zram object into a page.
type Codec interface {
	Decompress(src []byte, pageSize int) ([]byte, error)
}

// CodecFunc adapts a function to the Codec interface.
type CodecFunc func(src []byte, pageSize int) ([]byte, error)

// Decompress implements Codec.
func (f CodecFunc) Decompress(src []byte, pageSize int) ([]byte, error) {
	return f(src, pageSize)
}

type zstdCodec struct {
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}

	return &zstdCodec{dec: dec}, nil
}

func (c *zstdCodec) Decompress(src []byte, pageSize int) ([]byte, error) {
	return c.dec.DecodeAll(src, make([]byte, 0, pageSize))
}

func (c *zstdCodec) Close() error {
	c.dec.Close()

	return nil
}

// deflateCodec reads the raw deflate stream produced by the crypto API deflate driver.
func deflateCodec(src []byte, pageSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close() //nolint:errcheck

	out := bytes.NewBuffer(make([]byte, 0, pageSize))

	// one extra byte to detect oversized streams
	if _, err := io.CopyN(out, r, int64(pageSize)+1); err != nil && err != io.EOF {
		return nil, err
	}

	return out.Bytes(), nil
}

func defaultCodecs() (map[string]Codec, error) {
	zstdDec, err := newZstdCodec()
	if err != nil {
		return nil, err
	}

	return map[string]Codec{
		"zstd":    zstdDec,
		"deflate": CodecFunc(deflateCodec),
	}, nil
}
