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
	"slices"
	"strings"

	"github.com/atomic-arch/imgdelta/pkg/codecutil"
	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/labels"
	"github.com/atomic-arch/imgdelta/pkg/ociarchive"
	"github.com/atomic-arch/imgdelta/pkg/pipeline"
	"github.com/atomic-arch/imgdelta/pkg/registry"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/google/uuid"
	"tailscale.com/types/logger"
)

// Patcher reconstructs the archive at old patched by diff, a zstd
// compressed xdelta3 stream, into dst.
type Patcher interface {
	Patch(ctx context.Context, old string, diff io.Reader, dst io.Writer) error
}

// XdeltaPatcher is the Patcher for the xdelta3+zstd format.
type XdeltaPatcher struct{}

func (XdeltaPatcher) Patch(ctx context.Context, old string, diff io.Reader, dst io.Writer) error {
	return pipeline.Run(ctx, diff, dst,
		codecutil.ZstdDecompressStage(),
		pipeline.Command("xdelta3", "-d", "-s", old, "-", "-"),
	)
}

// Method is how Pull obtained an image.
type Method string

const (
	MethodUpToDate Method = "up-to-date"
	MethodDelta    Method = "delta"
	MethodFull     Method = "full"
)

// PullResult describes a completed Pull.
type PullResult struct {
	Image  string
	Digest string
	Method Method
	// Delta is the delta image applied, for MethodDelta.
	Delta string
	// Base is the local image the delta was applied to.
	Base string
}

// Applier pulls images, using deltas from locally present images when it
// is cheaper than a full pull.
type Applier struct {
	Engine   Engine
	Registry Registry
	Digests  Digests
	Refs     imageref.Defaults

	// Ratio is the size ratio above which a delta is not used. Defaults to
	// MaxSizeRatio.
	Ratio float64
	// Patcher defaults to XdeltaPatcher.
	Patcher Patcher
	// TempDir defaults to os.TempDir.
	TempDir string
	Logf    logger.Logf
}

type candidate struct {
	image  string
	digest string
}

// Qualify resolves a pull target. A bare name without registry, repository
// or digest is a tag of the project repository.
func (a *Applier) Qualify(target string) (imageref.Ref, error) {
	if !strings.ContainsAny(target, "/:@") {
		return a.Refs.Project(target), nil
	}
	r, err := a.Refs.Qualify(target)
	if err != nil {
		return imageref.Ref{}, err
	}
	if r.Tag == "" && r.Digest == "" {
		r.Tag = "latest"
	}
	return r, nil
}

// Pull brings target up to date in local storage. Failing delta attempts
// fall back to a full pull; only the full pull's failure is returned.
func (a *Applier) Pull(ctx context.Context, target string) (*PullResult, error) {
	logf := a.logf()
	ref, err := a.Qualify(target)
	if err != nil {
		return nil, err
	}
	image := ref.String()
	if ref.Digest != "" {
		logf("%s is pinned by digest, pulling in full", image)
		return a.fullPull(ctx, ref, ref.Digest.String())
	}

	remote, err := a.Digests.Digest(ctx, image)
	if err != nil {
		logf("resolving %s: %v", image, err)
		return a.fullPull(ctx, ref, "")
	}
	cands, upToDate, err := a.candidates(ctx, ref, remote)
	if err != nil {
		logf("looking for local versions of %s: %v", image, err)
	}
	if upToDate {
		logf("image %s is already up to date", image)
		return &PullResult{Image: image, Digest: remote, Method: MethodUpToDate}, nil
	}

	for _, c := range cands {
		deltaRef, ok := a.usable(ctx, ref, c, remote)
		if !ok {
			continue
		}
		if err := a.apply(ctx, c, deltaRef, ref, remote); err != nil {
			logf("delta optimization failed: %v", err)
			continue
		}
		return &PullResult{Image: image, Digest: remote, Method: MethodDelta, Delta: deltaRef, Base: c.image}, nil
	}
	logf("falling back to full pull of %s", image)
	return a.fullPull(ctx, ref, remote)
}

func (a *Applier) fullPull(ctx context.Context, ref imageref.Ref, remote string) (*PullResult, error) {
	if err := a.Engine.Pull(ctx, ref.String()); err != nil {
		return nil, fmt.Errorf("pulling %s: %w", ref, err)
	}
	return &PullResult{Image: ref.String(), Digest: remote, Method: MethodFull}, nil
}

// candidates returns the local images a delta could start from: the target
// itself, then locally present tags of the same variant. Images sharing a
// digest are listed once.
func (a *Applier) candidates(ctx context.Context, ref imageref.Ref, remote string) (_ []candidate, upToDate bool, _ error) {
	var out []candidate
	seen := map[string]bool{}
	add := func(image string) (digest string, err error) {
		ok, err := a.Engine.Exists(ctx, image)
		if err != nil || !ok {
			return "", err
		}
		d, err := a.Engine.Digest(ctx, image)
		if err != nil {
			return "", err
		}
		if !seen[d] && d != remote {
			seen[d] = true
			out = append(out, candidate{image: image, digest: d})
		}
		return d, nil
	}

	d, err := add(ref.String())
	if err != nil {
		return nil, false, err
	}
	if d == remote {
		return nil, true, nil
	}

	all, err := a.Registry.Tags(ctx, ref.Name())
	if err != nil {
		return out, false, err
	}
	slices.Sort(all)
	base, _, _ := strings.Cut(ref.Tag, "_")
	for _, t := range all {
		if t == ref.Tag || !strings.HasPrefix(t, base+"_") {
			continue
		}
		n := len(out)
		if _, err := add(ref.WithTag(t).String()); err != nil {
			return out, false, err
		}
		if len(out) > n {
			a.logf()("found local version: %s", out[n].image)
		}
	}
	return out, false, nil
}

func (a *Applier) logf() logger.Logf { return logfOrDefault(a.Logf) }

// usable reports whether a published delta from c to remote exists and is
// worth applying, and returns its reference.
func (a *Applier) usable(ctx context.Context, ref imageref.Ref, c candidate, remote string) (string, bool) {
	logf := a.logf()
	tag, err := tags.DiffTag(c.digest, remote)
	if err != nil {
		logf("%s: %v", c.image, err)
		return "", false
	}
	deltaRef := ref.WithTag(tag).String()
	logf("looking for potential delta %s", tag)
	l, err := a.Registry.Labels(ctx, deltaRef)
	if registry.IsNotFound(err) {
		logf("delta %s not found", tag)
		return "", false
	}
	if err != nil {
		logf("delta %s: %v", tag, err)
		return "", false
	}
	d := labels.ParseDelta(l)
	if d.Prev != c.digest {
		logf("delta %s applies to %s, not %s", tag, d.Prev, c.digest)
		return "", false
	}
	switch d.Format {
	case labels.FormatXdelta3Zstd:
	case labels.FormatNone, "":
		logf("delta %s is a placeholder, patching would be too large", tag)
		return "", false
	default:
		logf("delta %s: %v %q", tag, ErrIncompatibleFormat, d.Format)
		return "", false
	}
	size, err := a.Digests.Size(ctx, deltaRef)
	if err != nil {
		logf("size of %s: %v", tag, err)
		return "", false
	}
	target, err := a.Digests.Size(ctx, ref.String())
	if err != nil {
		logf("size of %s: %v", ref, err)
		return "", false
	}
	if !Accept(size, target, ratioOrDefault(a.Ratio)) {
		logf("delta %s is too large: %d of %d bytes", tag, size, target)
		return "", false
	}
	logf("saving %.1f%% of %d bytes using delta optimization", float64(target-size)/float64(target)*100, target)
	return deltaRef, true
}

// apply patches c into the target image. The result is imported under a
// staging tag and only tagged as the target once its digest matches.
func (a *Applier) apply(ctx context.Context, c candidate, deltaRef string, ref imageref.Ref, remote string) (err error) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := a.Engine.Pull(ctx, deltaRef); err != nil {
		return fmt.Errorf("pulling %s: %w", deltaRef, err)
	}
	defer func() {
		if rerr := a.Engine.Remove(cleanupCtx, deltaRef); rerr != nil {
			a.logf()("removing %s: %v", deltaRef, rerr)
		}
	}()
	l, err := a.Engine.Labels(ctx, deltaRef)
	if err != nil {
		return err
	}
	d := labels.ParseDelta(l)
	if d.Format != labels.FormatXdelta3Zstd {
		return fmt.Errorf("%s: %w %q", deltaRef, ErrIncompatibleFormat, d.Format)
	}
	if d.Prev != c.digest {
		return fmt.Errorf("%s does not apply to %s: %w", deltaRef, c.image, ErrIntegrityMismatch)
	}
	if d.Ref != remote {
		return fmt.Errorf("%s does not produce %s: %w", deltaRef, ref, ErrIntegrityMismatch)
	}

	tmp := a.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	dir := filepath.Join(tmp, "imgdelta-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	old := filepath.Join(dir, "old.oci")
	if err := archive(ctx, a.Engine, ref.WithTag(""), c.digest, old); err != nil {
		return err
	}
	deltaDir, err := layoutDir(ctx, a.Engine, engine.TransportStorage+deltaRef, filepath.Join(dir, "delta"), false)
	if err != nil {
		return err
	}
	newOCI := filepath.Join(dir, "new.oci")
	if err := a.patch(ctx, old, deltaDir, newOCI); err != nil {
		return fmt.Errorf("patching %s: %w", c.image, err)
	}
	os.Remove(old)

	staging := ref.WithTag("imgdelta-staging-" + uuid.NewString()).String()
	if err := a.Engine.Copy(ctx, engine.TransportOCIArchive+newOCI, engine.TransportStorage+staging, true); err != nil {
		return fmt.Errorf("importing %s: %w", newOCI, err)
	}
	defer func() {
		if rerr := a.Engine.Remove(cleanupCtx, staging); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	got, err := a.Engine.Digest(ctx, staging)
	if err != nil {
		return err
	}
	if got != remote {
		return fmt.Errorf("patched image has digest %s, want %s: %w", got, remote, ErrIntegrityMismatch)
	}
	return a.Engine.Tag(ctx, staging, ref.String())
}

func (a *Applier) patch(ctx context.Context, old, deltaDir, dst string) error {
	p := a.Patcher
	if p == nil {
		p = XdeltaPatcher{}
	}
	diff, err := ociarchive.Layout{Dir: deltaDir}.Open(PayloadName)
	if err != nil {
		return err
	}
	defer diff.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	err = p.Patch(ctx, old, diff, f)
	return errors.Join(err, f.Close())
}
