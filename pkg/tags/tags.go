// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tags implements the registry tag naming grammar shared by the
// delta builder, the manifest builder and the client pull path.
package tags

import (
	"fmt"
	"strings"

	"github.com/atomic-arch/imgdelta/pkg/base62"
)

// Kind is the classification of a tag.
type Kind int

const (
	KindOther Kind = iota
	KindVariant
	KindVersion
	KindBuild
	KindDiff
	KindManifest
)

func (k Kind) String() string {
	switch k {
	case KindVariant:
		return "variant"
	case KindVersion:
		return "version"
	case KindBuild:
		return "build"
	case KindDiff:
		return "diff"
	case KindManifest:
		return "manifest"
	default:
		return "other"
	}
}

const (
	// Manifest is the tag the manifest image is published under.
	Manifest = "_manifest"

	diffPrefix = "_diff-"
	diffLen    = len(diffPrefix) + base62.Len + 1 + base62.Len
	diffSep    = len(diffPrefix) + base62.Len
)

// Tag is a classified tag.
//
// For variant tags Variant is set. For version and build tags Variant and
// Version are set; Version includes the build counter for build tags. For
// diff tags Src and Dst hold the base62 digests.
type Tag struct {
	Name    string
	Kind    Kind
	Variant string
	Version string
	Src     string
	Dst     string
}

// Classify parses a tag. It never fails; tags outside the grammar are
// KindOther.
func Classify(tag string) Tag {
	t := Tag{Name: tag}
	if tag == Manifest {
		t.Kind = KindManifest
		return t
	}
	if len(tag) == diffLen && strings.HasPrefix(tag, diffPrefix) && tag[diffSep] == '-' {
		src, dst := tag[len(diffPrefix):diffSep], tag[diffSep+1:]
		if base62.Valid(src) && base62.Valid(dst) {
			t.Kind = KindDiff
			t.Src, t.Dst = trimZeros(src), trimZeros(dst)
		}
		return t
	}
	if !strings.Contains(tag, "_") {
		if isName(tag) {
			t.Kind = KindVariant
			t.Variant = tag
		}
		return t
	}
	i := strings.LastIndexByte(tag, '_')
	variant, rest := tag[:i], tag[i+1:]
	if !isName(variant) {
		return t
	}
	if dot := strings.LastIndexByte(rest, '.'); dot > 0 && isDigits(rest[dot+1:]) {
		t.Kind = KindBuild
		t.Variant, t.Version = variant, rest
		return t
	}
	if isVersion(rest) {
		t.Kind = KindVersion
		t.Variant, t.Version = variant, rest
	}
	return t
}

// VersionTag returns the tag for a variant at a version or build.
func VersionTag(variant, version string) string {
	return variant + "_" + version
}

// BuildTag returns the tag for a numbered build of a version.
func BuildTag(variant, version string, build int) string {
	return fmt.Sprintf("%s_%s.%d", variant, version, build)
}

// DiffTag returns the canonical tag of the delta from src to dst. Both are
// sha256 digests, with or without the "sha256:" prefix.
func DiffTag(src, dst string) (string, error) {
	s, err := base62.FromHex(src)
	if err != nil {
		return "", fmt.Errorf("source digest: %w", err)
	}
	d, err := base62.FromHex(dst)
	if err != nil {
		return "", fmt.Errorf("destination digest: %w", err)
	}
	return DiffTagB62(s, d), nil
}

// DiffTagB62 returns the diff tag for already encoded digests. Fields are
// zero padded to base62.Len so the tag always has the fixed diff length.
func DiffTagB62(src, dst string) string {
	return diffPrefix + pad(src) + "-" + pad(dst)
}

func pad(s string) string {
	if len(s) >= base62.Len {
		return s
	}
	return strings.Repeat("0", base62.Len-len(s)) + s
}

// trimZeros returns the canonical encoding used as a graph node key.
func trimZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

func isVersion(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isAlnum(c) && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
