// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifest builds the _manifest image: every tag of the project
// repository with its digest, plus the cheapest delta chain between every
// pair of distinct images where such a chain beats a full pull.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/atomic-arch/imgdelta/pkg/delta"
	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/fileutil"
	"github.com/atomic-arch/imgdelta/pkg/graph"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/labels"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/atomic-arch/imgdelta/pkg/tui"
	"github.com/atomic-arch/imgdelta/pkg/workpool"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"tailscale.com/types/logger"
)

// ErrNoTags is returned when the repository has no tags to describe.
var ErrNoTags = errors.New("no tags found")

// Tag is the tag the manifest image is published under.
const Tag = tags.Manifest

// Cache resolves digests and sizes in the background. It is implemented by
// *digestcache.Cache.
type Cache interface {
	DigestAsync(ref string) *workpool.Future[string]
	SizeAsync(ref string) *workpool.Future[int64]
}

// TagLister lists repository tags.
type TagLister interface {
	Tags(ctx context.Context, repo string) ([]string, error)
}

// Builder generates and publishes the manifest.
type Builder struct {
	Registry TagLister
	Engine   delta.Engine
	Cache    Cache
	Refs     imageref.Defaults

	// Known filters variant, version and build tags by their variant.
	// Nil keeps every tag.
	Known func(variant string) bool
	// Ratio is the path benefit ratio. Defaults to delta.MaxSizeRatio.
	Ratio float64
	// PushAttempts defaults to 3.
	PushAttempts int
	// PreservePath receives the Containerfile when the build fails.
	PreservePath string
	// TempDir defaults to os.TempDir.
	TempDir string
	// Progress receives progress lines. Nil disables them.
	Progress io.Writer
	// Now defaults to time.Now.
	Now  func() time.Time
	Logf logger.Logf
}

// Options controls Build.
type Options struct {
	Push bool
}

func (b *Builder) logf(format string, args ...any) {
	if b.Logf != nil {
		b.Logf(format, args...)
	}
}

func (b *Builder) progress(label string, total int) *tui.Progress {
	out := b.Progress
	if out == nil {
		out = io.Discard
	}
	return tui.NewProgress(out, label, total)
}

// Generate computes the manifest without building it.
func (b *Builder) Generate(ctx context.Context) (*labels.Manifest, error) {
	all, err := b.Registry.Tags(ctx, b.Refs.Project("").Name())
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	g := graph.New()
	var images []string
	for t := range tui.Iter(b.progress("classifying tags", len(all)), slices.Values(all)) {
		c := tags.Classify(t)
		switch c.Kind {
		case tags.KindDiff:
			g.AddDiff(t)
		case tags.KindVariant, tags.KindVersion, tags.KindBuild:
			if b.Known == nil || b.Known(c.Variant) {
				images = append(images, t)
			}
		}
	}
	if len(images) == 0 {
		return nil, ErrNoTags
	}

	groups, err := b.digests(ctx, images)
	if err != nil {
		return nil, err
	}
	if err := b.sizes(ctx, g); err != nil {
		return nil, err
	}
	paths, err := b.paths(ctx, g, groups)
	if err != nil {
		return nil, err
	}

	m := &labels.Manifest{
		Tags:      map[string]string{},
		Paths:     paths,
		Timestamp: b.now().UTC().Truncate(time.Second),
		Version:   labels.ManifestVersion,
	}
	for _, grp := range groups {
		for _, t := range grp.Tags {
			m.Tags[t] = grp.Digest
		}
	}
	return m, nil
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// digests resolves every image tag and groups tags sharing a digest.
func (b *Builder) digests(ctx context.Context, images []string) (graph.Groups, error) {
	futures := make([]*workpool.Future[string], len(images))
	for i, t := range images {
		futures[i] = b.Cache.DigestAsync(b.Refs.Project(t).String())
	}
	groups := graph.Groups{}
	p := b.progress("getting tag digests", len(images))
	defer p.Finish()
	for i, f := range futures {
		d, err := f.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("digest of %s: %w", images[i], err)
		}
		if _, err := groups.Add(images[i], d); err != nil {
			return nil, fmt.Errorf("digest of %s: %w", images[i], err)
		}
		p.Add(1)
	}
	return groups, nil
}

// sizes resolves the size of every delta in g.
func (b *Builder) sizes(ctx context.Context, g *graph.Graph) error {
	edges := slices.Collect(g.Edges())
	p := b.progress("calculating sizes", len(edges))
	defer p.Finish()
	var mu sync.Mutex // guards g
	eg, ctx := errgroup.WithContext(ctx)
	for _, e := range edges {
		f := b.Cache.SizeAsync(b.Refs.Project(e.Tag).String())
		eg.Go(func() error {
			size, err := f.Wait(ctx)
			if err != nil {
				return fmt.Errorf("size of %s: %w", e.Tag, err)
			}
			mu.Lock()
			defer mu.Unlock()
			p.Add(1)
			return g.SetSize(e.Src, e.Dst, size)
		})
	}
	return eg.Wait()
}

// paths finds the beneficial chains between every ordered pair of groups.
// A chain to b is kept only when it is cheaper than the ratio times the
// smallest image tagged at b.
func (b *Builder) paths(ctx context.Context, g *graph.Graph, groups graph.Groups) (map[string]map[string][]string, error) {
	type found struct {
		src, dst string
		cost     int64
		path     []string
	}
	keys := groups.Keys()
	var candidates []found
	p := b.progress("calculating deltas", len(keys)*(len(keys)-1))
	for _, src := range keys {
		for _, dst := range keys {
			if src == dst {
				continue
			}
			if cost, path, ok := g.ShortestPath(src, dst); ok {
				candidates = append(candidates, found{src, dst, cost, path})
			}
			p.Add(1)
		}
	}
	p.Finish()

	direct := map[string]int64{}
	for _, c := range candidates {
		if _, ok := direct[c.dst]; ok {
			continue
		}
		size, err := b.smallest(ctx, groups[c.dst])
		if err != nil {
			return nil, err
		}
		direct[c.dst] = size
	}

	ratio := b.Ratio
	if ratio <= 0 {
		ratio = delta.MaxSizeRatio
	}
	out := map[string]map[string][]string{}
	for _, c := range candidates {
		if !delta.Accept(c.cost, direct[c.dst], ratio) {
			continue
		}
		if out[c.dst] == nil {
			out[c.dst] = map[string][]string{}
		}
		out[c.dst][c.src] = c.path
	}
	return out, nil
}

// smallest returns the smallest compressed size among grp's tags.
func (b *Builder) smallest(ctx context.Context, grp *graph.Group) (int64, error) {
	futures := make([]*workpool.Future[int64], len(grp.Tags))
	for i, t := range grp.Tags {
		futures[i] = b.Cache.SizeAsync(b.Refs.Project(t).String())
	}
	var best int64 = -1
	for i, f := range futures {
		size, err := f.Wait(ctx)
		if err != nil {
			return 0, fmt.Errorf("size of %s: %w", grp.Tags[i], err)
		}
		if best < 0 || size < best {
			best = size
		}
	}
	return best, nil
}

// Build generates the manifest and builds it as the _manifest image,
// pushing it when opts.Push is set.
func (b *Builder) Build(ctx context.Context, opts Options) (*labels.Manifest, error) {
	m, err := b.Generate(ctx)
	if err != nil {
		return nil, err
	}
	lm, err := m.Map()
	if err != nil {
		return nil, err
	}

	tmp := b.TempDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	dir := filepath.Join(tmp, "imgdelta-manifest-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	containerfile := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(containerfile, []byte(labels.Containerfile(lm)), 0o644); err != nil {
		return nil, err
	}

	image := b.Refs.Project(Tag).String()
	b.logf("building %s with %d tags and %d delta targets", image, len(m.Tags), len(m.Paths))
	if err := b.Engine.Build(ctx, engine.BuildOptions{Tag: image, File: containerfile, ContextDir: dir}); err != nil {
		if b.PreservePath != "" {
			if cerr := fileutil.CopyFile(containerfile, b.PreservePath); cerr != nil {
				b.logf("preserving Containerfile: %v", cerr)
			} else {
				b.logf("Containerfile preserved at %s", b.PreservePath)
			}
		}
		return nil, fmt.Errorf("building %s: %w", image, err)
	}
	if opts.Push {
		attempts := b.PushAttempts
		if attempts <= 0 {
			attempts = 3
		}
		if err := delta.Push(ctx, b.Engine, image, attempts, b.Logf); err != nil {
			return m, err
		}
	}
	return m, nil
}
