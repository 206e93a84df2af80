// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry reads tags, digests, sizes and labels from a remote
// container registry.
package registry

import (
	"context"
	"fmt"

	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/image"
	"github.com/containers/image/v5/manifest"
	"github.com/containers/image/v5/types"
	"github.com/opencontainers/go-digest"
)

// Client talks to registries through the containers/image docker transport.
// It honors the usual containers auth files and registries.conf.
type Client struct {
	// Sys is passed to every containers/image call. A nil value uses the
	// system defaults.
	Sys *types.SystemContext
}

// NewClient returns a Client using the system defaults.
func NewClient() *Client {
	return &Client{}
}

func parse(ref string) (types.ImageReference, error) {
	r, err := docker.ParseReference("//" + ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	return r, nil
}

func wrap(ref string, err error) error {
	if IsNotFound(err) {
		return notFound(ref, err)
	}
	return fmt.Errorf("%s: %w", ref, err)
}

// Tags lists the tags of repo, given as registry/repository.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	r, err := parse(repo)
	if err != nil {
		return nil, err
	}
	tags, err := docker.GetRepositoryTags(ctx, c.Sys, r)
	if err != nil {
		return nil, wrap(repo, err)
	}
	return tags, nil
}

// Digest returns the manifest digest ref points at.
func (c *Client) Digest(ctx context.Context, ref string) (string, error) {
	r, err := parse(ref)
	if err != nil {
		return "", err
	}
	d, err := docker.GetDigest(ctx, c.Sys, r)
	if err != nil {
		return "", wrap(ref, err)
	}
	return d.String(), nil
}

// Size returns the total compressed size of ref's layers.
func (c *Client) Size(ctx context.Context, ref string) (int64, error) {
	var size int64
	err := c.withImage(ctx, ref, func(img types.Image) error {
		for _, l := range img.LayerInfos() {
			size += l.Size
		}
		return nil
	})
	return size, err
}

// Labels returns the config labels of ref.
func (c *Client) Labels(ctx context.Context, ref string) (map[string]string, error) {
	var labels map[string]string
	err := c.withImage(ctx, ref, func(img types.Image) error {
		info, err := img.Inspect(ctx)
		if err != nil {
			return err
		}
		labels = info.Labels
		return nil
	})
	if labels == nil {
		labels = map[string]string{}
	}
	return labels, err
}

// withImage opens ref, choosing the matching instance of a manifest list.
func (c *Client) withImage(ctx context.Context, ref string, f func(types.Image) error) error {
	r, err := parse(ref)
	if err != nil {
		return err
	}
	src, err := r.NewImageSource(ctx, c.Sys)
	if err != nil {
		return wrap(ref, err)
	}
	defer src.Close()

	raw, mime, err := src.GetManifest(ctx, nil)
	if err != nil {
		return wrap(ref, err)
	}
	var instance *digest.Digest
	if manifest.MIMETypeIsMultiImage(mime) {
		list, err := manifest.ListFromBlob(raw, mime)
		if err != nil {
			return fmt.Errorf("%s: parsing manifest list: %w", ref, err)
		}
		d, err := list.ChooseInstance(c.Sys)
		if err != nil {
			return fmt.Errorf("%s: choosing instance: %w", ref, err)
		}
		instance = &d
	}
	img, err := image.FromUnparsedImage(ctx, c.Sys, image.UnparsedInstance(src, instance))
	if err != nil {
		return wrap(ref, err)
	}
	if err := f(img); err != nil {
		return wrap(ref, err)
	}
	return nil
}

// LayerSize sums the layer sizes recorded in a raw image manifest.
func LayerSize(raw []byte, mime string) (int64, error) {
	m, err := manifest.FromBlob(raw, mime)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, l := range m.LayerInfos() {
		size += l.Size
	}
	return size, nil
}
