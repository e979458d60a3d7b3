// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared stateless codecs for stored event blobs. EncodeAll/DecodeAll
// on a nil-writer/nil-reader codec are safe for concurrent use.
var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	var err error
	blobEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic(fmt.Sprintf("storage: creating zstd encoder: %v", err))
	}
	blobDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("storage: creating zstd decoder: %v", err))
	}
}

// compressBlob compresses event JSON for storage.
func compressBlob(data []byte) []byte {
	return blobEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// decompressBlob reverses compressBlob.
func decompressBlob(data []byte) ([]byte, error) {
	out, err := blobDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decompressing blob: %w", err)
	}
	return out, nil
}
