// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package labels defines the label schemas carried by delta and manifest
// images and converts them to and from flat label maps.
package labels

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DeltaPrefix namespaces delta image labels.
	DeltaPrefix = "atomic.patch."
	// ManifestPrefix namespaces manifest image labels.
	ManifestPrefix = "atomic.manifest."
)

// Patch formats.
const (
	FormatXdelta3Zstd = "xdelta3+zstd"
	// FormatNone marks a placeholder for a delta that was too large.
	FormatNone = "none"
)

// ManifestVersion is the schema version written to manifests.
const ManifestVersion = "1"

// Mirrored lists the OCI labels copied from a delta's target image onto
// the delta image.
var Mirrored = []string{
	ocispec.AnnotationCreated,
	ocispec.AnnotationAuthors,
	ocispec.AnnotationURL,
	ocispec.AnnotationDocumentation,
	ocispec.AnnotationSource,
	ocispec.AnnotationVendor,
	ocispec.AnnotationLicenses,
	ocispec.AnnotationBaseImageDigest,
	ocispec.AnnotationBaseImageName,
	ocispec.AnnotationVersion,
	ocispec.AnnotationRevision,
}

// Delta is the label schema of a delta image.
type Delta struct {
	// Prev is the digest the delta applies to.
	Prev string
	// Ref is the digest the delta produces.
	Ref string
	// Format identifies the diff and compression pipeline.
	Format string
	// Description and RefName are the OCI description and ref.name.
	Description string
	RefName     string
	// Upstream holds mirrored labels from the target image.
	Upstream map[string]string
}

// Map returns the wire form of d.
func (d Delta) Map() map[string]string {
	m := map[string]string{}
	for _, k := range Mirrored {
		if v, ok := d.Upstream[k]; ok {
			m[k] = v
		}
	}
	if d.Description != "" {
		m[ocispec.AnnotationDescription] = d.Description
	}
	if d.RefName != "" {
		m[ocispec.AnnotationRefName] = d.RefName
	}
	m[DeltaPrefix+"prev"] = d.Prev
	m[DeltaPrefix+"ref"] = d.Ref
	m[DeltaPrefix+"format"] = d.Format
	return m
}

// ParseDelta reads a delta schema from image labels. Missing labels leave
// fields empty.
func ParseDelta(m map[string]string) Delta {
	d := Delta{
		Prev:        m[DeltaPrefix+"prev"],
		Ref:         m[DeltaPrefix+"ref"],
		Format:      m[DeltaPrefix+"format"],
		Description: m[ocispec.AnnotationDescription],
		RefName:     m[ocispec.AnnotationRefName],
	}
	for _, k := range Mirrored {
		if v, ok := m[k]; ok {
			if d.Upstream == nil {
				d.Upstream = map[string]string{}
			}
			d.Upstream[k] = v
		}
	}
	return d
}

// Upstream picks the mirrored labels out of an image's labels.
func Upstream(m map[string]string) map[string]string {
	out := map[string]string{}
	for _, k := range Mirrored {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Manifest is the label schema of the manifest image.
type Manifest struct {
	// Tags maps tag names to digests.
	Tags map[string]string
	// Paths maps a destination digest (base62) to the delta chains that
	// reach it, keyed by source digest (base62). Each chain is in apply
	// order.
	Paths map[string]map[string][]string
	// Timestamp is when the manifest was generated.
	Timestamp time.Time
	Version   string
}

// TimestampFormat is ISO 8601 in UTC with second precision.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Map returns the wire form of m.
func (m *Manifest) Map() (map[string]string, error) {
	out := make(map[string]string, len(m.Tags)+len(m.Paths)+2)
	for tag, d := range m.Tags {
		out[ManifestPrefix+"tag."+tag] = d
	}
	for dst, chains := range m.Paths {
		b, err := json.Marshal(chains)
		if err != nil {
			return nil, fmt.Errorf("encoding paths to %s: %w", dst, err)
		}
		out[ManifestPrefix+"map."+dst] = string(b)
	}
	out[ManifestPrefix+"timestamp"] = m.Timestamp.UTC().Format(TimestampFormat)
	v := m.Version
	if v == "" {
		v = ManifestVersion
	}
	out[ManifestPrefix+"version"] = v
	return out, nil
}

// ParseManifest reads a manifest schema from image labels. Labels outside
// the manifest namespace are ignored.
func ParseManifest(labels map[string]string) (*Manifest, error) {
	m := &Manifest{Tags: map[string]string{}, Paths: map[string]map[string][]string{}}
	for k, v := range labels {
		key, ok := strings.CutPrefix(k, ManifestPrefix)
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, "tag."):
			m.Tags[strings.TrimPrefix(key, "tag.")] = v
		case strings.HasPrefix(key, "map."):
			var chains map[string][]string
			if err := json.Unmarshal([]byte(v), &chains); err != nil {
				return nil, fmt.Errorf("label %s: %w", k, err)
			}
			m.Paths[strings.TrimPrefix(key, "map.")] = chains
		case key == "timestamp":
			ts, err := time.Parse(TimestampFormat, v)
			if err != nil {
				return nil, fmt.Errorf("label %s: %w", k, err)
			}
			m.Timestamp = ts
		case key == "version":
			m.Version = v
		}
	}
	return m, nil
}

// Path returns the published delta chain from src to dst, both base62.
func (m *Manifest) Path(src, dst string) ([]string, bool) {
	p, ok := m.Paths[dst][src]
	return p, ok
}

// Escape quotes v for use as a Containerfile LABEL value.
func Escape(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(v) + `"`
}

// Containerfile renders a FROM scratch Containerfile carrying labels in
// sorted key order, followed by extra instructions.
func Containerfile(labels map[string]string, extra ...string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("FROM scratch\n")
	if len(keys) > 0 {
		b.WriteString("LABEL")
		for _, k := range keys {
			fmt.Fprintf(&b, " \\\n  %s=%s", k, Escape(labels[k]))
		}
		b.WriteString("\n")
	}
	for _, e := range extra {
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String()
}
