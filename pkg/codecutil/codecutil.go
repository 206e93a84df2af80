// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codecutil provides zstd pipeline stages.
package codecutil

import (
	"context"
	"fmt"
	"io"

	"github.com/atomic-arch/imgdelta/pkg/pipeline"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressStage compresses its input at the best compression level
// using all CPUs.
func ZstdCompressStage() pipeline.Stage {
	return pipeline.Func{Label: "zstd", F: func(_ context.Context, r io.Reader, w io.Writer) error {
		return ZstdCompress(w, r, zstd.SpeedBestCompression)
	}}
}

// ZstdDecompressStage decompresses its input.
func ZstdDecompressStage() pipeline.Stage {
	return pipeline.Func{Label: "unzstd", F: func(_ context.Context, r io.Reader, w io.Writer) error {
		return ZstdDecompress(w, r)
	}}
}

// ZstdCompress writes the compressed form of src into dst.
func ZstdCompress(dst io.Writer, src io.Reader, level zstd.EncoderLevel) error {
	encoder, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if _, err := io.Copy(encoder, src); err != nil {
		encoder.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd encoder: %w", err)
	}
	return nil
}

// ZstdDecompress writes the decompressed form of src into dst.
func ZstdDecompress(dst io.Writer, src io.Reader) error {
	decoder, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	if _, err := decoder.WriteTo(dst); err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return nil
}
