// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"maps"
	"slices"

	"github.com/atomic-arch/imgdelta/pkg/base62"
)

// Group is every tag that points at one digest.
type Group struct {
	Digest string
	Tags   []string
}

// Groups indexes Group by the base62 form of its digest.
type Groups map[string]*Group

// Add records that tag points at digest and returns the group key.
func (gs Groups) Add(tag, digest string) (string, error) {
	key, err := base62.FromHex(digest)
	if err != nil {
		return "", err
	}
	g, ok := gs[key]
	if !ok {
		g = &Group{Digest: digest}
		gs[key] = g
	}
	if !slices.Contains(g.Tags, tag) {
		g.Tags = append(g.Tags, tag)
		slices.Sort(g.Tags)
	}
	return key, nil
}

// Keys returns the group keys in sorted order.
func (gs Groups) Keys() []string {
	return slices.Sorted(maps.Keys(gs))
}
