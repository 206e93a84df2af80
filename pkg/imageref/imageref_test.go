// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imageref

import (
	"errors"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

var testDefaults = Defaults{Registry: "ghcr.io", Image: "eeems/atomic-arch"}

func TestQualify(t *testing.T) {
	dgst := "sha256:" + strings.Repeat("ab", 32)
	tests := []struct {
		in   string
		want string
	}{
		{"eeems/atomic-arch:rootfs", "ghcr.io/eeems/atomic-arch:rootfs"},
		{"ghcr.io/eeems/atomic-arch:rootfs", "ghcr.io/eeems/atomic-arch:rootfs"},
		{"system:latest", "localhost/system:latest"},
		{"scratch", "scratch"},
		{"archlinux:base", "docker.io/archlinux:base"},
		{"library/alpine", "docker.io/library/alpine"},
		{"localhost/foo:1", "localhost/foo:1"},
		{"localhost:5000/foo:1", "localhost:5000/foo:1"},
		{"eeems/atomic-arch:rootfs@" + dgst, "ghcr.io/eeems/atomic-arch@" + dgst},
		{"eeems/atomic-arch@" + dgst, "ghcr.io/eeems/atomic-arch@" + dgst},
	}
	for _, tt := range tests {
		got, err := testDefaults.Qualify(tt.in)
		if err != nil {
			t.Fatalf("Qualify(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("Qualify(%q) = %q, want %q", tt.in, got.String(), tt.want)
		}
		if got.Tag != "" && got.Digest != "" {
			t.Fatalf("Qualify(%q) has both tag and digest", tt.in)
		}
	}
}

func TestParsePorts(t *testing.T) {
	r, err := Parse("registry.example:5000/team/app")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Registry != "registry.example:5000" || r.Repo != "team/app" || r.Tag != "" {
		t.Fatalf("Parse = %+v", r)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "foo@sha256:zz", "foo:", "ghcr.io/"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("Parse(%q) error = %v, want ErrInvalidReference", in, err)
		}
	}
}

func TestWithTagAndDigest(t *testing.T) {
	r, err := testDefaults.Qualify("eeems/atomic-arch:rootfs")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.WithTag("_manifest").String(); got != "ghcr.io/eeems/atomic-arch:_manifest" {
		t.Fatalf("WithTag = %q", got)
	}
	d := digest.Digest("sha256:" + strings.Repeat("0", 64))
	if got := r.WithDigest(d).String(); got != "ghcr.io/eeems/atomic-arch@"+d.String() {
		t.Fatalf("WithDigest = %q", got)
	}
}

func TestProject(t *testing.T) {
	if got := testDefaults.Project("rootfs").String(); got != "ghcr.io/eeems/atomic-arch:rootfs" {
		t.Fatalf("Project = %q", got)
	}
}
