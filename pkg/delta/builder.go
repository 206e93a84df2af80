// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/atomic-arch/imgdelta/pkg/codecutil"
	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/labels"
	"github.com/atomic-arch/imgdelta/pkg/ociarchive"
	"github.com/atomic-arch/imgdelta/pkg/pipeline"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/google/uuid"
	"tailscale.com/types/logger"
)

// Encoder returns the stage turning the target archive on stdin into a
// patch against the archive at old.
type Encoder func(old string) pipeline.Stage

// XdeltaEncoder runs xdelta3 without secondary compression; zstd does
// better on the raw patch.
func XdeltaEncoder(old string) pipeline.Stage {
	return pipeline.Command("xdelta3", "-e", "-0", "-S", "none", "-s", old, "-", "-")
}

// Builder creates delta images in the project repository.
type Builder struct {
	Engine   Engine
	Registry Registry
	Digests  Digests
	Refs     imageref.Defaults

	// Ratio is the acceptance ratio. Defaults to MaxSizeRatio.
	Ratio float64
	// PushAttempts bounds push retries. Defaults to 3.
	PushAttempts int
	// TempDir holds the working directories. Defaults to os.TempDir.
	TempDir string
	// Encoder defaults to XdeltaEncoder.
	Encoder Encoder
	Logf    logger.Logf
}

// BuildOptions controls a single Build.
type BuildOptions struct {
	// Pull pulls both images before building.
	Pull bool
	// Push pushes the delta and records its digest.
	Push bool
	// Clean removes the local tags used for the build afterwards.
	Clean bool
}

// Result describes a built delta.
type Result struct {
	// Image is the delta image reference.
	Image string
	// Tag is the diff tag of Image.
	Tag       string
	SrcDigest string
	DstDigest string
	// Size is the compressed patch size; TargetSize is the compressed
	// layer size of the target image.
	Size       int64
	TargetSize int64
	// Accepted is false for placeholder deltas whose patch was too large.
	Accepted bool
	// Digest is the delta's digest, set after a push.
	Digest string
}

// Build creates the delta image turning the project tag src into dst.
func (b *Builder) Build(ctx context.Context, src, dst string, opts BuildOptions) (res *Result, err error) {
	logf := logfOrDefault(b.Logf)
	imgA := b.Refs.Project(src).String()
	imgB := b.Refs.Project(dst).String()
	if opts.Pull {
		for _, img := range []string{imgA, imgB} {
			if err := b.Engine.Pull(ctx, img); err != nil {
				return nil, fmt.Errorf("pulling %s: %w", img, err)
			}
		}
	}

	digestA, err := b.Digests.Digest(ctx, imgA)
	if err != nil {
		return nil, err
	}
	digestB, err := b.Digests.Digest(ctx, imgB)
	if err != nil {
		return nil, err
	}
	if digestA == digestB {
		return nil, fmt.Errorf("%s and %s: %w", src, dst, ErrNothingToDiff)
	}
	tag, err := tags.DiffTag(digestA, digestB)
	if err != nil {
		return nil, err
	}
	res = &Result{
		Image:     b.Refs.Project(tag).String(),
		Tag:       tag,
		SrcDigest: digestA,
		DstDigest: digestB,
	}
	if opts.Clean {
		image := res.Image
		defer func() {
			rm := []string{imgA, imgB}
			if opts.Push {
				rm = append(rm, image)
			}
			if rerr := b.Engine.Remove(context.WithoutCancel(ctx), rm...); rerr != nil {
				err = errors.Join(err, fmt.Errorf("cleaning up: %w", rerr))
			}
		}()
	}

	tmp := b.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	dir := filepath.Join(tmp, "imgdelta-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	repo := b.Refs.Project("")
	old := filepath.Join(dir, "old.oci")
	if err := archive(ctx, b.Engine, repo, digestA, old); err != nil {
		return nil, err
	}
	dig, err := parseDigest(digestB)
	if err != nil {
		return nil, err
	}
	newDir, err := layoutDir(ctx, b.Engine, engine.TransportDocker+repo.WithDigest(dig).String(), filepath.Join(dir, "new"), true)
	if err != nil {
		return nil, err
	}
	payload := filepath.Join(dir, PayloadName)
	if err := b.encode(ctx, old, newDir, payload); err != nil {
		return nil, fmt.Errorf("creating delta %s: %w", tag, err)
	}
	os.RemoveAll(newDir)
	os.Remove(old)

	fi, err := os.Stat(payload)
	if err != nil {
		return nil, err
	}
	res.Size = fi.Size()
	res.TargetSize, err = b.Digests.Size(ctx, imgB)
	if err != nil {
		return nil, err
	}
	ratio := ratioOrDefault(b.Ratio)
	res.Accepted = Accept(res.Size, res.TargetSize, ratio)
	if res.Accepted {
		logf("delta %s: %d bytes, target %d bytes", tag, res.Size, res.TargetSize)
	} else {
		logf("delta %s rejected: %d >= %.0f, creating placeholder", tag, res.Size, float64(res.TargetSize)*ratio)
	}

	upstream, err := b.Registry.Labels(ctx, repo.WithDigest(dig).String())
	if err != nil {
		return nil, fmt.Errorf("reading labels of %s: %w", imgB, err)
	}
	d := labels.Delta{
		Prev:        digestA,
		Ref:         digestB,
		Format:      labels.FormatXdelta3Zstd,
		Description: fmt.Sprintf("Delta between %s and %s", imgA, imgB),
		RefName:     res.Image,
		Upstream:    labels.Upstream(upstream),
	}
	var extra []string
	if res.Accepted {
		extra = append(extra, fmt.Sprintf("COPY %s /%s", PayloadName, PayloadName))
	} else {
		d.Format = labels.FormatNone
		os.Remove(payload)
	}
	containerfile := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(containerfile, []byte(labels.Containerfile(d.Map(), extra...)), 0o644); err != nil {
		return nil, err
	}
	if err := b.Engine.Build(ctx, engine.BuildOptions{Tag: res.Image, File: containerfile, ContextDir: dir}); err != nil {
		return nil, fmt.Errorf("building %s: %w", res.Image, err)
	}

	if !opts.Push {
		return res, nil
	}
	attempts := b.PushAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if err := Push(ctx, b.Engine, res.Image, attempts, logf); err != nil {
		return res, err
	}
	res.Digest, err = b.Engine.Digest(ctx, res.Image)
	if err != nil {
		return res, err
	}
	if err := b.Digests.Record(res.Image, res.Digest); err != nil {
		logf("recording digest of %s: %v", res.Image, err)
	}
	return res, nil
}

func (b *Builder) encode(ctx context.Context, old, newDir, payload string) error {
	enc := b.Encoder
	if enc == nil {
		enc = XdeltaEncoder
	}
	f, err := os.Create(payload)
	if err != nil {
		return err
	}
	err = pipeline.Run(ctx, nil, f,
		pipeline.Source("tar", func(w io.Writer) error { return ociarchive.TarDirectory(w, newDir) }),
		enc(old),
		codecutil.ZstdCompressStage(),
	)
	return errors.Join(err, f.Close())
}
