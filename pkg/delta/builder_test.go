// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/atomic-arch/imgdelta/pkg/pipeline"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/opencontainers/go-digest"
)

func TestAccept(t *testing.T) {
	tests := []struct {
		size, ref int64
		want      bool
	}{
		{599, 1000, true},
		{600, 1000, false},
		{601, 1000, false},
		{0, 0, false},
		{0, 1, true},
	}
	for _, tt := range tests {
		if got := Accept(tt.size, tt.ref, MaxSizeRatio); got != tt.want {
			t.Fatalf("Accept(%d, %d) = %v, want %v", tt.size, tt.ref, got, tt.want)
		}
	}
}

// copyEncoder stands in for xdelta3: the patch is the target archive.
func copyEncoder(old string) pipeline.Stage {
	return pipeline.Func{Label: "xdelta3", F: func(ctx context.Context, r io.Reader, w io.Writer) error {
		if _, err := os.Stat(old); err != nil {
			return err
		}
		_, err := io.Copy(w, r)
		return err
	}}
}

const (
	srcTag = "rootfs_2025.01.01.0"
	dstTag = "rootfs_2025.01.02.0"
)

type builderEnv struct {
	b       *Builder
	eng     *fakeEngine
	digs    *fakeDigests
	tmp     string
	src     string
	dst     string
	wantTag string
}

func newBuilderEnv(t *testing.T, targetSize int64) *builderEnv {
	t.Helper()
	eng := newFakeEngine()
	digs := newFakeDigests()
	src := digest.FromString("old").String()
	dst := digest.FromString("new").String()
	digs.digests[project(srcTag)] = src
	digs.digests[project(dstTag)] = dst
	digs.sizes[project(dstTag)] = targetSize
	eng.archives[src] = "old archive"
	eng.archives[dst] = "new archive"
	reg := &fakeRegistry{labels: map[string]map[string]string{
		testRefs.Project("").Name() + "@" + dst: {
			"org.opencontainers.image.source": "https://github.com/Eeems/atomic-arch",
			"org.opencontainers.image.title":  "not mirrored",
		},
	}}
	tmp := t.TempDir()
	wantTag, err := tags.DiffTag(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	return &builderEnv{
		b: &Builder{
			Engine:   eng,
			Registry: reg,
			Digests:  digs,
			Refs:     testRefs,
			TempDir:  tmp,
			Encoder:  copyEncoder,
			Logf:     logTo(t),
		},
		eng:     eng,
		digs:    digs,
		tmp:     tmp,
		src:     src,
		dst:     dst,
		wantTag: wantTag,
	}
}

func TestBuildAccepted(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	res, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Tag != env.wantTag || res.Image != project(env.wantTag) {
		t.Fatalf("Build = %+v, want tag %s", res, env.wantTag)
	}
	if !res.Accepted || res.Size <= 0 {
		t.Fatalf("Build = %+v, want accepted", res)
	}
	got, ok := env.eng.builds[res.Image]
	if !ok {
		t.Fatalf("no build for %s", res.Image)
	}
	for _, want := range []string{
		"FROM scratch\n",
		`atomic.patch.prev="` + env.src + `"`,
		`atomic.patch.ref="` + env.dst + `"`,
		`atomic.patch.format="xdelta3+zstd"`,
		`org.opencontainers.image.source="https://github.com/Eeems/atomic-arch"`,
		`org.opencontainers.image.ref.name="` + res.Image + `"`,
		"COPY diff.xd3.zstd /diff.xd3.zstd\n",
	} {
		if !strings.Contains(got.containerfile, want) {
			t.Fatalf("Containerfile missing %q:\n%s", want, got.containerfile)
		}
	}
	if strings.Contains(got.containerfile, "not mirrored") {
		t.Fatalf("Containerfile carries unmirrored label:\n%s", got.containerfile)
	}
	if !got.hasPayload {
		t.Fatalf("build context has no payload")
	}
	if ents, _ := os.ReadDir(env.tmp); len(ents) != 0 {
		t.Fatalf("temp dir not cleaned: %v", ents)
	}
	if env.eng.pushes != 0 {
		t.Fatalf("pushed %d times without Push", env.eng.pushes)
	}
}

func TestBuildRejectedWritesPlaceholder(t *testing.T) {
	env := newBuilderEnv(t, 1)
	res, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Accepted {
		t.Fatalf("Build accepted a delta larger than its target: %+v", res)
	}
	got := env.eng.builds[res.Image]
	if !strings.Contains(got.containerfile, `atomic.patch.format="none"`) {
		t.Fatalf("placeholder format missing:\n%s", got.containerfile)
	}
	if strings.Contains(got.containerfile, "COPY") || got.hasPayload {
		t.Fatalf("placeholder carries a payload:\n%s", got.containerfile)
	}
}

func TestBuildPushRetriesAndCleans(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	env.eng.pushFail = 2
	env.eng.local[project(srcTag)] = fakeImage{digest: env.src}
	env.eng.local[project(dstTag)] = fakeImage{digest: env.dst}
	res, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{Push: true, Clean: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if env.eng.pushes != 3 {
		t.Fatalf("pushes = %d, want 3", env.eng.pushes)
	}
	if res.Digest == "" || env.digs.recorded[res.Image] != res.Digest {
		t.Fatalf("recorded %q for %s, want %q", env.digs.recorded[res.Image], res.Image, res.Digest)
	}
	for _, img := range []string{project(srcTag), project(dstTag), res.Image} {
		if !slices.Contains(env.eng.removed, img) {
			t.Fatalf("%s not removed, removed %v", img, env.eng.removed)
		}
	}
	if names := env.eng.localNames(); len(names) != 0 {
		t.Fatalf("local images left: %v", names)
	}
}

func TestBuildPushGivesUp(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	env.eng.pushFail = 10
	env.b.PushAttempts = 2
	if _, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{Push: true}); err == nil {
		t.Fatalf("Build succeeded with failing pushes")
	}
	if env.eng.pushes != 2 {
		t.Fatalf("pushes = %d, want 2", env.eng.pushes)
	}
}

func TestBuildPulls(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	env.eng.remote[project(srcTag)] = fakeImage{digest: env.src}
	env.eng.remote[project(dstTag)] = fakeImage{digest: env.dst}
	if _, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{Pull: true}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := []string{project(srcTag), project(dstTag)}; !slices.Equal(env.eng.pulls, want) {
		t.Fatalf("pulls = %v, want %v", env.eng.pulls, want)
	}
}

func TestBuildNothingToDiff(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	env.digs.digests[project(dstTag)] = env.src
	_, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{})
	if !errors.Is(err, ErrNothingToDiff) {
		t.Fatalf("Build error = %v, want ErrNothingToDiff", err)
	}
	if len(env.eng.builds) != 0 {
		t.Fatalf("built %d images", len(env.eng.builds))
	}
}

func TestBuildEncoderFailure(t *testing.T) {
	env := newBuilderEnv(t, 1<<30)
	env.b.Encoder = func(string) pipeline.Stage {
		return pipeline.Func{Label: "xdelta3", F: func(context.Context, io.Reader, io.Writer) error {
			return errors.New("xdelta3: out of memory")
		}}
	}
	_, err := env.b.Build(context.Background(), srcTag, dstTag, BuildOptions{})
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Build error = %v, want *pipeline.Error", err)
	}
	if ents, _ := os.ReadDir(env.tmp); len(ents) != 0 {
		t.Fatalf("temp dir not cleaned: %v", ents)
	}
}
