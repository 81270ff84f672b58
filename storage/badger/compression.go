// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how journal values are compressed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

// Values shorter than this are stored uncompressed.
const minCompressSize = 256

var errCorruptValue = errors.New("corrupt journal value")

// ParseCompression accepts "none", "s2" and "zstd". The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) String() string {
	switch c {
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encode prefixes data with a one-byte compression marker. Each value
// carries its own marker so the setting can change between restarts.
func encode(data []byte, c Compression) ([]byte, error) {
	if len(data) < minCompressSize {
		c = CompressionNone
	}

	var body []byte
	switch c {
	case CompressionS2:
		body = s2.Encode(nil, data)
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	case CompressionNone:
		body = data
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c))
	return append(out, body...), nil
}

func decode(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, errCorruptValue
	}

	body := val[1:]
	switch Compression(val[0]) {
	case CompressionNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case CompressionS2:
		return s2.Decode(nil, body)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, errCorruptValue
	}
}
