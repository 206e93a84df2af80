// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/registry"
	"github.com/atomic-arch/imgdelta/pkg/workpool"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var testRefs = imageref.Defaults{Registry: "ghcr.io", Image: "eeems/atomic-arch"}

func project(tag string) string { return testRefs.Project(tag).String() }

type fakeImage struct {
	digest  string
	labels  map[string]string
	payload []byte
}

type build struct {
	containerfile string
	hasPayload    bool
}

// fakeEngine is an in-memory image store. remote holds what Pull fetches,
// archives what docker:// copies write.
type fakeEngine struct {
	mu       sync.Mutex
	local    map[string]fakeImage
	remote   map[string]fakeImage
	archives map[string]string
	builds   map[string]build
	pushFail int
	pushes   int
	pulls    []string
	removed  []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		local:    map[string]fakeImage{},
		remote:   map[string]fakeImage{},
		archives: map[string]string{},
		builds:   map[string]build{},
	}
}

func (e *fakeEngine) Pull(ctx context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulls = append(e.pulls, image)
	img, ok := e.remote[image]
	if !ok {
		return fmt.Errorf("pull %s: manifest unknown", image)
	}
	e.local[image] = img
	return nil
}

func (e *fakeEngine) Push(ctx context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushes++
	if e.pushes <= e.pushFail {
		return errors.New("push: connection reset")
	}
	if _, ok := e.local[image]; !ok {
		return fmt.Errorf("push %s: image not known", image)
	}
	return nil
}

func (e *fakeEngine) Tag(ctx context.Context, src, dst string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, ok := e.local[src]
	if !ok {
		return fmt.Errorf("tag %s: %w", src, engine.ErrImageUnknown)
	}
	e.local[dst] = img
	return nil
}

func (e *fakeEngine) Remove(ctx context.Context, images ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, img := range images {
		delete(e.local, img)
		e.removed = append(e.removed, img)
	}
	return nil
}

func (e *fakeEngine) Exists(ctx context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.local[image]
	return ok, nil
}

func (e *fakeEngine) Digest(ctx context.Context, image string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, ok := e.local[image]
	if !ok {
		return "", fmt.Errorf("%s: %w", image, engine.ErrImageUnknown)
	}
	return img.digest, nil
}

func (e *fakeEngine) Labels(ctx context.Context, image string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, ok := e.local[image]
	if !ok {
		return nil, fmt.Errorf("%s: %w", image, engine.ErrImageUnknown)
	}
	return img.labels, nil
}

func (e *fakeEngine) Build(ctx context.Context, opts engine.BuildOptions) error {
	b, err := os.ReadFile(opts.File)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(filepath.Join(opts.ContextDir, PayloadName))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builds[opts.Tag] = build{containerfile: string(b), hasPayload: statErr == nil}
	e.local[opts.Tag] = fakeImage{digest: digest.FromBytes(b).String()}
	return nil
}

func (e *fakeEngine) Copy(ctx context.Context, src, dst string, preserveDigests bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case strings.HasPrefix(src, engine.TransportDocker) && strings.HasPrefix(dst, engine.TransportOCI):
		ref := strings.TrimPrefix(src, engine.TransportDocker)
		_, d, ok := strings.Cut(ref, "@")
		if !ok {
			return fmt.Errorf("copy %s: not pinned by digest", src)
		}
		body, ok := e.archives[d]
		if !ok {
			return fmt.Errorf("copy %s: manifest unknown", src)
		}
		dir := strings.TrimPrefix(dst, engine.TransportOCI)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "content"), []byte(body), 0o644)
	case strings.HasPrefix(src, engine.TransportStorage) && strings.HasPrefix(dst, engine.TransportOCI):
		img, ok := e.local[strings.TrimPrefix(src, engine.TransportStorage)]
		if !ok {
			return fmt.Errorf("copy %s: %w", src, engine.ErrImageUnknown)
		}
		return writeLayout(strings.TrimPrefix(dst, engine.TransportOCI), map[string][]byte{PayloadName: img.payload})
	case strings.HasPrefix(src, engine.TransportOCIArchive) && strings.HasPrefix(dst, engine.TransportStorage):
		b, err := os.ReadFile(strings.TrimPrefix(src, engine.TransportOCIArchive))
		if err != nil {
			return err
		}
		e.local[strings.TrimPrefix(dst, engine.TransportStorage)] = fakeImage{digest: digest.FromBytes(b).String()}
		return nil
	}
	return fmt.Errorf("unsupported copy %s -> %s", src, dst)
}

func (e *fakeEngine) localNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for k := range e.local {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// writeLayout writes a single layer OCI layout holding files.
func writeLayout(dir string, files map[string][]byte) error {
	var layer bytes.Buffer
	tw := tar.NewWriter(&layer)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if err := tw.WriteHeader(&tar.Header{Name: n, Mode: 0o644, Size: int64(len(files[n])), Typeflag: tar.TypeReg}); err != nil {
			return err
		}
		if _, err := tw.Write(files[n]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	blobs := filepath.Join(dir, ocispec.ImageBlobsDir, "sha256")
	if err := os.MkdirAll(blobs, 0o755); err != nil {
		return err
	}
	put := func(b []byte, mediaType string) (ocispec.Descriptor, error) {
		d := digest.FromBytes(b)
		desc := ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(b))}
		return desc, os.WriteFile(filepath.Join(blobs, d.Encoded()), b, 0o644)
	}
	layerDesc, err := put(layer.Bytes(), ocispec.MediaTypeImageLayer)
	if err != nil {
		return err
	}
	configDesc, err := put([]byte("{}"), ocispec.MediaTypeImageConfig)
	if err != nil {
		return err
	}
	mb, err := json.Marshal(ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layerDesc},
	})
	if err != nil {
		return err
	}
	manifestDesc, err := put(mb, ocispec.MediaTypeImageManifest)
	if err != nil {
		return err
	}
	ib, err := json.Marshal(ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ocispec.ImageIndexFile), ib, 0o644)
}

type fakeRegistry struct {
	tags   map[string][]string
	labels map[string]map[string]string
}

func (r *fakeRegistry) Tags(ctx context.Context, repo string) ([]string, error) {
	t, ok := r.tags[repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repo, registry.ErrNotFound)
	}
	return slices.Clone(t), nil
}

func (r *fakeRegistry) Labels(ctx context.Context, ref string) (map[string]string, error) {
	l, ok := r.labels[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, registry.ErrNotFound)
	}
	return l, nil
}

type fakeDigests struct {
	mu       sync.Mutex
	digests  map[string]string
	sizes    map[string]int64
	recorded map[string]string
}

func newFakeDigests() *fakeDigests {
	return &fakeDigests{digests: map[string]string{}, sizes: map[string]int64{}, recorded: map[string]string{}}
}

func (f *fakeDigests) Digest(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.digests[ref]
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, registry.ErrNotFound)
	}
	return d, nil
}

func (f *fakeDigests) DigestAsync(ref string) *workpool.Future[string] {
	d, err := f.Digest(context.Background(), ref)
	return workpool.Resolved(d, err)
}

func (f *fakeDigests) Size(ctx context.Context, ref string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sizes[ref]
	if !ok {
		return 0, fmt.Errorf("%s: %w", ref, registry.ErrNotFound)
	}
	return s, nil
}

func (f *fakeDigests) Record(ref, d string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[ref] = d
	return nil
}

// identityPatcher writes the diff unchanged, so the patched archive is
// whatever the delta carries.
type identityPatcher struct{}

func (identityPatcher) Patch(ctx context.Context, old string, diff io.Reader, dst io.Writer) error {
	if _, err := os.Stat(old); err != nil {
		return err
	}
	_, err := io.Copy(dst, diff)
	return err
}

func logTo(t *testing.T) func(string, ...any) {
	return func(format string, args ...any) { t.Logf(format, args...) }
}
