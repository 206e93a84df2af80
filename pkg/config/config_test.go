// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func clearEnv(t *testing.T) {
	t.Setenv("IMGDELTA_REGISTRY", "")
	t.Setenv("IMGDELTA_IMAGE", "")
	t.Setenv("IMGDELTA_CACHE_DIR", "")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != "" {
		t.Fatalf("Path = %q, want empty", cfg.Path)
	}
	if cfg.Repo() != "ghcr.io/eeems/atomic-arch" {
		t.Fatalf("Repo = %q", cfg.Repo())
	}
	if cfg.CacheDir != tmp {
		t.Fatalf("CacheDir = %q, want %q", cfg.CacheDir, tmp)
	}
	if cfg.PreservePath != filepath.Join(tmp, "manifest.Containerfile") {
		t.Fatalf("PreservePath = %q", cfg.PreservePath)
	}
	if cfg.MaxSizeRatio != 0.6 || cfg.BulkWorkers != 50 || cfg.AdHocWorkers != 5 || cfg.DigestAttempts != 10 || cfg.PushAttempts != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadWalksUp(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), `
registry = "registry.example.com"
image = "me/os"
max_size_ratio = 0.5
bulk_workers = 8

[[variant]]
name = "desktop"
templates = ["nvidia", "gnome"]
`)
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != filepath.Join(root, FileName) {
		t.Fatalf("Path = %q", cfg.Path)
	}
	if cfg.Repo() != "registry.example.com/me/os" || cfg.MaxSizeRatio != 0.5 || cfg.BulkWorkers != 8 {
		t.Fatalf("config = %+v", cfg)
	}
	want := []Variant{{Name: "desktop", Templates: []string{"nvidia", "gnome"}}}
	if diff := cmp.Diff(want, cfg.Variants); diff != "" {
		t.Fatalf("Variants mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `registry = "file.example.com"`)
	t.Setenv("IMGDELTA_REGISTRY", "env.example.com")
	t.Setenv("IMGDELTA_IMAGE", "env/image")
	t.Setenv("IMGDELTA_CACHE_DIR", "/var/cache/imgdelta")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry != "env.example.com" || cfg.Image != "env/image" || cfg.CacheDir != "/var/cache/imgdelta" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestLoadRejectsBadRatio(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `max_size_ratio = 1.5`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted max_size_ratio 1.5")
	}
	writeFile(t, path, `registry = [`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted invalid toml")
	}
}

func TestLoadVariantsFromDir(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "")
	writeFile(t, filepath.Join(root, "variants", "rootfs.Containerfile"), "FROM scratch\n")
	writeFile(t, filepath.Join(root, "variants", "desktop.Containerfile"), "# x-depends=rootfs\n# x-templates=nvidia, gnome\nFROM rootfs\n")
	writeFile(t, filepath.Join(root, "variants", "server.Containerfile"), "FROM rootfs\n")

	cfg, err := Load(filepath.Join(root, FileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Variant{
		{Name: "desktop", Templates: []string{"nvidia", "gnome"}},
		{Name: "server"},
	}
	if diff := cmp.Diff(want, cfg.Variants); diff != "" {
		t.Fatalf("Variants mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rootfs", "desktop", "server"}, cfg.VariantNames()); diff != "" {
		t.Fatalf("VariantNames mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadVariantsDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x.Containerfile"), "# x-templates=a\n# x-templates=b\n")
	if _, err := LoadVariants(dir); err == nil {
		t.Fatalf("LoadVariants accepted two template lines")
	}
}

func TestKnownVariant(t *testing.T) {
	cfg := &Config{Variants: []Variant{
		{Name: "desktop", Templates: []string{"nvidia"}},
		{Name: "server"},
	}}
	tests := []struct {
		in   string
		want bool
	}{
		{"rootfs", true},
		{"desktop", true},
		{"desktop-nvidia", true},
		{"desktop-amd", false},
		{"server", true},
		{"server-nvidia", false},
		{"laptop", false},
		{"rootfs-nvidia", false},
	}
	for _, tt := range tests {
		if got := cfg.KnownVariant(tt.in); got != tt.want {
			t.Fatalf("KnownVariant(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if !(&Config{}).KnownVariant("anything") {
		t.Fatalf("empty config rejected a variant")
	}
}
