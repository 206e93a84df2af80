// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociarchive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrFileNotFound is returned when no layer contains the requested file.
var ErrFileNotFound = errors.New("file not found in image")

// Layout is an OCI image layout directory.
type Layout struct {
	Dir string
}

func (l Layout) blobPath(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(l.Dir, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded()), nil
}

func (l Layout) readJSON(name string, v any) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Manifest returns the single image manifest referenced by index.json.
func (l Layout) Manifest() (*ocispec.Manifest, error) {
	var idx ocispec.Index
	if err := l.readJSON(filepath.Join(l.Dir, ocispec.ImageIndexFile), &idx); err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	if len(idx.Manifests) != 1 {
		return nil, fmt.Errorf("index has %d manifests, want 1", len(idx.Manifests))
	}
	p, err := l.blobPath(idx.Manifests[0].Digest)
	if err != nil {
		return nil, err
	}
	var m ocispec.Manifest
	if err := l.readJSON(p, &m); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return &m, nil
}

// Open returns the contents of name from the image's layers. Later layers
// take precedence.
func (l Layout) Open(name string) (io.ReadCloser, error) {
	m, err := l.Manifest()
	if err != nil {
		return nil, err
	}
	want := cleanName(name)
	for i := len(m.Layers) - 1; i >= 0; i-- {
		rc, err := l.openInLayer(m.Layers[i], want)
		if errors.Is(err, ErrFileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rc, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrFileNotFound)
}

func (l Layout) openInLayer(desc ocispec.Descriptor, want string) (io.ReadCloser, error) {
	p, err := l.blobPath(desc.Digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	r, closeFn, err := decompress(f, desc.MediaType)
	if err != nil {
		f.Close()
		return nil, err
	}
	closeAll := func() error {
		err := closeFn()
		return errors.Join(err, f.Close())
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			closeAll()
			return nil, ErrFileNotFound
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("reading layer %s: %w", desc.Digest, err)
		}
		if cleanName(hdr.Name) != want {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			closeAll()
			return nil, fmt.Errorf("%s is not a regular file", hdr.Name)
		}
		return &layerFile{Reader: tr, close: closeAll}, nil
	}
}

type layerFile struct {
	io.Reader
	close func() error
}

func (f *layerFile) Close() error { return f.close() }

func decompress(r io.Reader, mediaType string) (io.Reader, func() error, error) {
	switch {
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, ".gzip"):
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(mediaType, "+zstd"), strings.HasSuffix(mediaType, ".zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() error { zr.Close(); return nil }, nil
	case mediaType == ocispec.MediaTypeImageLayer, strings.HasSuffix(mediaType, ".tar"):
		return r, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported layer media type %q", mediaType)
	}
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}
