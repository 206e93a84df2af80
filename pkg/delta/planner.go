// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"context"
	"slices"
	"strings"

	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/atomic-arch/imgdelta/pkg/workpool"
)

// AsyncDigests resolves digests in the background. It is implemented by
// *digestcache.Cache.
type AsyncDigests interface {
	DigestAsync(ref string) *workpool.Future[string]
}

// Pair is a delta worth building between two project tags.
type Pair struct {
	Src string `json:"a"`
	Dst string `json:"b"`
	Tag string `json:"tag"`
}

// Window is how many newer builds each build is paired with.
const Window = 3

// minBuildSuffix is the length a tag's suffix has to exceed to count as a
// dated build. Shorter suffixes are moving tags like "desktop_latest".
const minBuildSuffix = 10

// Planner lists the deltas to build for variants.
type Planner struct {
	Registry Registry
	Digests  AsyncDigests
	Refs     imageref.Defaults
	// RootVariant is exempt from the dated build filter.
	RootVariant string
}

// Plan pairs each dated build of every variant with the next Window
// builds in sort order. Pairs of identical images are dropped, and with
// missingOnly so are pairs whose delta is already published.
func (p *Planner) Plan(ctx context.Context, variants []string, missingOnly bool) ([]Pair, error) {
	all, err := p.Registry.Tags(ctx, p.Refs.Project("").Name())
	if err != nil {
		return nil, err
	}
	published := map[string]bool{}
	if missingOnly {
		for _, t := range all {
			if tags.Classify(t).Kind == tags.KindDiff {
				published[t] = true
			}
		}
	}

	var out []Pair
	for _, v := range variants {
		builds := p.builds(all, v)
		futures := make([]*workpool.Future[string], len(builds))
		for i, t := range builds {
			futures[i] = p.Digests.DigestAsync(p.Refs.Project(t).String())
		}
		digests := make([]string, len(builds))
		for i, f := range futures {
			if digests[i], err = f.Wait(ctx); err != nil {
				return nil, err
			}
		}
		for i := range builds {
			for off := 1; off <= Window && i+off < len(builds); off++ {
				a, b := digests[i], digests[i+off]
				if a == b {
					continue
				}
				tag, err := tags.DiffTag(a, b)
				if err != nil {
					return nil, err
				}
				if published[tag] {
					continue
				}
				out = append(out, Pair{Src: builds[i], Dst: builds[i+off], Tag: tag})
			}
		}
	}
	return out, nil
}

func (p *Planner) builds(all []string, variant string) []string {
	var out []string
	prefix := variant + "_"
	for _, t := range all {
		rest, ok := strings.CutPrefix(t, prefix)
		if !ok {
			continue
		}
		if variant == p.RootVariant || len(rest) > minBuildSuffix {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
