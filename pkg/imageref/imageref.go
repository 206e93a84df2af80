// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imageref parses and normalizes image references of the form
// [registry/]repo[:tag][@digest].
package imageref

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

var ErrInvalidReference = errors.New("invalid image reference")

const (
	// DockerHub is the registry used for unqualified third-party images.
	DockerHub = "docker.io"
	// Localhost is the registry of locally built images.
	Localhost = "localhost"
	// System is the repository name of the locally built system image.
	System = "system"
	// Scratch is the empty base image and is never qualified.
	Scratch = "scratch"
)

// Defaults are the project specific normalization rules.
type Defaults struct {
	// Registry hosts Image.
	Registry string
	// Image is the project repository path, e.g. "eeems/atomic-arch".
	Image string
}

// Ref is an image reference. A normalized Ref never has both Tag and
// Digest set.
type Ref struct {
	Registry string
	Repo     string
	Tag      string
	Digest   digest.Digest
}

// Parse splits s into its parts without applying defaults.
func Parse(s string) (Ref, error) {
	var r Ref
	if s == "" {
		return r, fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	name := s
	if i := strings.Index(name, "@"); i >= 0 {
		d, err := digest.Parse(name[i+1:])
		if err != nil {
			return r, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
		}
		r.Digest = d
		name = name[:i]
	}
	if i := strings.LastIndex(name, ":"); i >= 0 && !strings.Contains(name[i+1:], "/") {
		r.Tag = name[i+1:]
		name = name[:i]
		if r.Tag == "" {
			return r, fmt.Errorf("%w: %q: empty tag", ErrInvalidReference, s)
		}
	}
	if first, rest, ok := strings.Cut(name, "/"); ok && isRegistry(first) {
		r.Registry = first
		name = rest
	}
	if name == "" {
		return r, fmt.Errorf("%w: %q: empty repository", ErrInvalidReference, s)
	}
	r.Repo = name
	return r, nil
}

func isRegistry(s string) bool {
	return s == Localhost || strings.ContainsAny(s, ".:")
}

// Normalize fills in the registry and drops the tag when a digest is
// present.
func (d Defaults) Normalize(r Ref) Ref {
	if r.Digest != "" {
		r.Tag = ""
	}
	if r.Registry != "" {
		return r
	}
	switch r.Repo {
	case Scratch:
	case System:
		r.Registry = Localhost
	case d.Image:
		r.Registry = d.Registry
	default:
		r.Registry = DockerHub
	}
	return r
}

// Qualify parses and normalizes s.
func (d Defaults) Qualify(s string) (Ref, error) {
	r, err := Parse(s)
	if err != nil {
		return Ref{}, err
	}
	return d.Normalize(r), nil
}

// Project returns the project repository reference for tag.
func (d Defaults) Project(tag string) Ref {
	return Ref{Registry: d.Registry, Repo: d.Image, Tag: tag}
}

// Name returns registry/repo.
func (r Ref) Name() string {
	if r.Registry == "" {
		return r.Repo
	}
	return r.Registry + "/" + r.Repo
}

// WithTag returns a copy of r pointing at tag.
func (r Ref) WithTag(tag string) Ref {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r pointing at d.
func (r Ref) WithDigest(d digest.Digest) Ref {
	r.Tag = ""
	r.Digest = d
	return r
}

func (r Ref) String() string {
	s := r.Name()
	switch {
	case r.Digest != "":
		s += "@" + r.Digest.String()
	case r.Tag != "":
		s += ":" + r.Tag
	}
	return s
}
