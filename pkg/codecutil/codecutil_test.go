// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/atomic-arch/imgdelta/pkg/pipeline"
)

func TestZstdStagesRoundTrip(t *testing.T) {
	input := strings.Repeat("atomic arch delta payload ", 4096)
	var out bytes.Buffer
	err := pipeline.Run(context.Background(), strings.NewReader(input), &out,
		ZstdCompressStage(), ZstdDecompressStage())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != input {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", out.Len(), len(input))
	}
}

func TestZstdCompressShrinks(t *testing.T) {
	input := strings.Repeat("a", 1<<16)
	var out bytes.Buffer
	if err := pipeline.Run(context.Background(), strings.NewReader(input), &out, ZstdCompressStage()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() >= len(input)/10 {
		t.Fatalf("compressed size = %d, want < %d", out.Len(), len(input)/10)
	}
}

func TestZstdDecompressRejectsGarbage(t *testing.T) {
	err := pipeline.Run(context.Background(), strings.NewReader("definitely not zstd"), io.Discard, ZstdDecompressStage())
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Run error = %v, want *pipeline.Error", err)
	}
}
