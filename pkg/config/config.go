// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads imgdelta.toml and the variant definitions of the
// build tree.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
)

// FileName is the name of the project config file.
const FileName = "imgdelta.toml"

// RootfsVariant is the base image every variant is built on. It is always
// a known variant.
const RootfsVariant = "rootfs"

const (
	defaultRegistry       = "ghcr.io"
	defaultImage          = "eeems/atomic-arch"
	defaultMaxSizeRatio   = 0.6
	defaultBulkWorkers    = 50
	defaultAdHocWorkers   = 5
	defaultDigestAttempts = 10
	defaultPushAttempts   = 3
	defaultVariantsDir    = "variants"
)

// Variant is a buildable image flavor and the templates layered on it.
type Variant struct {
	Name      string   `toml:"name"`
	Templates []string `toml:"templates"`
}

// Config is the project configuration.
type Config struct {
	Registry       string    `toml:"registry"`
	Image          string    `toml:"image"`
	CacheDir       string    `toml:"cache_dir"`
	MaxSizeRatio   float64   `toml:"max_size_ratio"`
	BulkWorkers    int       `toml:"bulk_workers"`
	AdHocWorkers   int       `toml:"adhoc_workers"`
	DigestAttempts int       `toml:"digest_attempts"`
	PushAttempts   int       `toml:"push_attempts"`
	VariantsDir    string    `toml:"variants_dir"`
	Variants       []Variant `toml:"variant"`
	// PreservePath receives the manifest Containerfile when its build
	// fails.
	PreservePath string `toml:"preserve_path"`

	// Path is the file the config was read from, empty for defaults.
	Path string `toml:"-"`
}

// Load reads path, or the nearest imgdelta.toml above the working directory
// when path is empty, then applies environment overrides and defaults. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		found, err := find(wd)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		path = found
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.Path = path
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if cfg.MaxSizeRatio <= 0 || cfg.MaxSizeRatio > 1 {
		return nil, fmt.Errorf("max_size_ratio %v out of range (0, 1]", cfg.MaxSizeRatio)
	}
	if len(cfg.Variants) == 0 {
		dir := cfg.VariantsDir
		if !filepath.IsAbs(dir) && cfg.Path != "" {
			dir = filepath.Join(filepath.Dir(cfg.Path), dir)
		}
		vs, err := LoadVariants(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg.Variants = vs
	}
	return cfg, nil
}

func find(startDir string) (string, error) {
	dir := filepath.Clean(startDir)
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func (c *Config) applyEnv() {
	if v := os.Getenv("IMGDELTA_REGISTRY"); v != "" {
		c.Registry = v
	}
	if v := os.Getenv("IMGDELTA_IMAGE"); v != "" {
		c.Image = v
	}
	if v := os.Getenv("IMGDELTA_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
}

func (c *Config) applyDefaults() {
	if c.Registry == "" {
		c.Registry = defaultRegistry
	}
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.CacheDir == "" {
		c.CacheDir = os.TempDir()
	}
	if c.MaxSizeRatio == 0 {
		c.MaxSizeRatio = defaultMaxSizeRatio
	}
	if c.BulkWorkers <= 0 {
		c.BulkWorkers = defaultBulkWorkers
	}
	if c.AdHocWorkers <= 0 {
		c.AdHocWorkers = defaultAdHocWorkers
	}
	if c.DigestAttempts <= 0 {
		c.DigestAttempts = defaultDigestAttempts
	}
	if c.PushAttempts <= 0 {
		c.PushAttempts = defaultPushAttempts
	}
	if c.VariantsDir == "" {
		c.VariantsDir = defaultVariantsDir
	}
	if c.PreservePath == "" {
		c.PreservePath = filepath.Join(os.TempDir(), "manifest.Containerfile")
	}
}

// Refs returns the reference normalization rules of the project.
func (c *Config) Refs() imageref.Defaults {
	return imageref.Defaults{Registry: c.Registry, Image: c.Image}
}

// Repo returns the fully qualified project repository.
func (c *Config) Repo() string {
	return c.Registry + "/" + c.Image
}

// Variant returns the named variant.
func (c *Config) Variant(name string) (Variant, bool) {
	i := slices.IndexFunc(c.Variants, func(v Variant) bool { return v.Name == name })
	if i < 0 {
		return Variant{}, false
	}
	return c.Variants[i], true
}

// VariantNames returns rootfs followed by the configured variants.
func (c *Config) VariantNames() []string {
	names := []string{RootfsVariant}
	for _, v := range c.Variants {
		if v.Name != RootfsVariant {
			names = append(names, v.Name)
		}
	}
	return names
}

// KnownVariant reports whether variant, a tag's variant part such as
// "desktop" or "desktop-nvidia", names a configured variant with an
// optional template of that variant. With no variants configured every
// name is known.
func (c *Config) KnownVariant(variant string) bool {
	if len(c.Variants) == 0 {
		return true
	}
	base, tmpl, hasTmpl := strings.Cut(variant, "-")
	if base == RootfsVariant && !hasTmpl {
		return true
	}
	v, ok := c.Variant(base)
	if !ok {
		return false
	}
	return !hasTmpl || slices.Contains(v.Templates, tmpl)
}

const (
	containerfileExt = ".Containerfile"
	templatesHeader  = "# x-templates="
)

// LoadVariants reads every <name>.Containerfile in dir. Templates come from
// a "# x-templates=a,b" line. The rootfs Containerfile is not a variant.
func LoadVariants(dir string) ([]Variant, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+containerfileExt))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	slices.Sort(matches)
	var out []Variant
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), containerfileExt)
		if name == RootfsVariant {
			continue
		}
		tmpls, err := readTemplates(m)
		if err != nil {
			return nil, err
		}
		out = append(out, Variant{Name: name, Templates: tmpls})
	}
	return out, nil
}

func readTemplates(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []string
	seen := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), templatesHeader)
		if !ok {
			continue
		}
		if seen {
			return nil, fmt.Errorf("%s: more than one %q line", path, strings.TrimSpace(templatesHeader))
		}
		seen = true
		for _, t := range strings.Split(rest, ",") {
			if t = strings.TrimSpace(t); t != "" {
				found = append(found, t)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return found, nil
}
