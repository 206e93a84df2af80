// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package delta builds, plans and applies binary deltas between images.
//
// A delta image is a FROM scratch image carrying /diff.xd3.zstd, an
// xdelta3 patch of one image's OCI archive into another's, compressed with
// zstd. Its labels name the source and target digests so a client can
// check provenance before applying it.
package delta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/ociarchive"
	"github.com/opencontainers/go-digest"
	"tailscale.com/logtail/backoff"
	"tailscale.com/types/logger"
)

// MaxSizeRatio is the default policy ratio. A delta is worth keeping only
// when it is strictly smaller than this fraction of the image it produces.
const MaxSizeRatio = 0.6

// PayloadName is the file a delta image carries.
const PayloadName = "diff.xd3.zstd"

var (
	// ErrNothingToDiff is returned when both images have the same digest.
	ErrNothingToDiff = errors.New("there is nothing to diff")
	// ErrIncompatibleFormat is returned for deltas this version cannot apply.
	ErrIncompatibleFormat = errors.New("incompatible patch format")
	// ErrIntegrityMismatch is returned when a delta does not belong to the
	// images it is applied between, or when the patched image has the wrong
	// digest.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Engine is the local image store.
type Engine interface {
	Pull(ctx context.Context, image string) error
	Push(ctx context.Context, image string) error
	Tag(ctx context.Context, src, dst string) error
	Remove(ctx context.Context, images ...string) error
	Exists(ctx context.Context, image string) (bool, error)
	Digest(ctx context.Context, image string) (string, error)
	Labels(ctx context.Context, image string) (map[string]string, error)
	Build(ctx context.Context, opts engine.BuildOptions) error
	Copy(ctx context.Context, src, dst string, preserveDigests bool) error
}

// Registry is read access to the remote repository.
type Registry interface {
	Tags(ctx context.Context, repo string) ([]string, error)
	Labels(ctx context.Context, ref string) (map[string]string, error)
}

// Digests resolves remote digests and sizes. It is implemented by
// *digestcache.Cache.
type Digests interface {
	Digest(ctx context.Context, ref string) (string, error)
	Size(ctx context.Context, ref string) (int64, error)
	Record(ref, digest string) error
}

// Accept reports whether size is strictly below ratio times ref.
func Accept(size, ref int64, ratio float64) bool {
	return float64(size) < float64(ref)*ratio
}

func ratioOrDefault(r float64) float64 {
	if r <= 0 {
		return MaxSizeRatio
	}
	return r
}

func logfOrDefault(logf logger.Logf) logger.Logf {
	if logf == nil {
		return logger.Discard
	}
	return logf
}

// archive writes the deterministic OCI archive of repo@d to dst. The image
// is copied from the registry by digest so both ends of a delta see the
// same bytes.
func archive(ctx context.Context, e Engine, repo imageref.Ref, d string, dst string) error {
	dig, err := parseDigest(d)
	if err != nil {
		return err
	}
	dir, err := layoutDir(ctx, e, engine.TransportDocker+repo.WithDigest(dig).String(), dst+".d", true)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return ociarchive.WriteFile(dst, dir)
}

func parseDigest(d string) (digest.Digest, error) {
	dig, err := digest.Parse(d)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", d, ErrIntegrityMismatch, err)
	}
	return dig, nil
}

// layoutDir copies src into an OCI layout at dir.
func layoutDir(ctx context.Context, e Engine, src, dir string, preserve bool) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	if err := e.Copy(ctx, src, engine.TransportOCI+dir, preserve); err != nil {
		return "", fmt.Errorf("copying %s: %w", src, err)
	}
	return dir, nil
}

const maxPushBackoff = 30 * time.Second

// Push pushes image, retrying failures up to attempts times in total.
func Push(ctx context.Context, e Engine, image string, attempts int, logf logger.Logf) error {
	logf = logfOrDefault(logf)
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewBackoff("push", logf, maxPushBackoff)
	var err error
	for i := 0; i < attempts; i++ {
		if err = e.Push(ctx, image); err == nil {
			return nil
		}
		logf("push %s failed (attempt %d/%d): %v", image, i+1, attempts, err)
		if i+1 < attempts {
			bo.BackOff(ctx, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("pushing %s: %w", image, err)
}
