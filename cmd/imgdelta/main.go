// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command imgdelta builds and applies binary deltas between the images of
// an OS image repository.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"

	"github.com/atomic-arch/imgdelta/pkg/base62"
	"github.com/atomic-arch/imgdelta/pkg/config"
	"github.com/atomic-arch/imgdelta/pkg/db"
	"github.com/atomic-arch/imgdelta/pkg/delta"
	"github.com/atomic-arch/imgdelta/pkg/digestcache"
	"github.com/atomic-arch/imgdelta/pkg/engine"
	"github.com/atomic-arch/imgdelta/pkg/labels"
	"github.com/atomic-arch/imgdelta/pkg/manifest"
	"github.com/atomic-arch/imgdelta/pkg/registry"
	"github.com/atomic-arch/imgdelta/pkg/tags"
	"github.com/atomic-arch/imgdelta/pkg/workpool"
	"github.com/fatih/color"
	"github.com/shayne/yargs"
)

type globalFlagsParsed struct {
	Config string `flag:"config" help:"Path to imgdelta.toml (default: nearest above the working directory)"`
}

func parseGlobalFlags(args []string) (globalFlagsParsed, []string, error) {
	result, err := yargs.ParseKnownFlags[globalFlagsParsed](args, yargs.KnownFlagsOptions{})
	if err != nil {
		return globalFlagsParsed{}, nil, err
	}
	return result.Flags, result.RemainingArgs, nil
}

// parseCommand parses the flags of a subcommand. The returned positional
// arguments exclude the subcommand name.
func parseCommand[T any](args []string) (T, []string, error) {
	result, err := yargs.ParseFlags[T](args)
	if err != nil {
		var zero T
		return zero, nil, err
	}
	pos := append([]string{}, result.Args...)
	if len(pos) > 0 {
		pos = pos[1:]
	}
	pos = append(pos, result.RemainingArgs...)
	return result.Flags, pos, nil
}

func printCLIError(w io.Writer, err error) {
	if err == nil {
		return
	}
	color.New(color.FgRed).Fprintf(w, "error: ")
	fmt.Fprintln(w, err)
}

func main() {
	globalFlags, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		printCLIError(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{configPath: globalFlags.Config, stdout: os.Stdout, stderr: os.Stderr}
	helpConfig := buildHelpConfig()
	args = yargs.ApplyAliases(args, helpConfig)
	if err := yargs.RunSubcommands(ctx, args, helpConfig, globalFlagsParsed{}, c.handlers()); err != nil {
		printCLIError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func buildHelpConfig() yargs.HelpConfig {
	return yargs.HelpConfig{
		Command: yargs.CommandInfo{
			Name:        "imgdelta",
			Description: "Build, index and apply binary deltas between OS container images.",
			Examples: []string{
				"imgdelta delta rootfs_2025.01.01.0 rootfs_2025.01.02.0 --push",
				"imgdelta manifest --push",
				"imgdelta pull desktop",
			},
		},
		SubCommands: map[string]yargs.SubCommandInfo{
			"manifest": {
				Name:        "manifest",
				Description: "Generate and build the _manifest image",
				Usage:       "[--push]",
			},
			"delta": {
				Name:        "delta",
				Description: "Build delta images, for one pair or for every planned pair",
				Usage:       "[SRC DST] [--push] [--no-pull] [--no-clean] [--force]",
				Examples: []string{
					"imgdelta delta desktop_2025.01.01.0 desktop_2025.01.02.0",
					"imgdelta delta --push",
				},
			},
			"get-deltas": {
				Name:        "get-deltas",
				Description: "List the delta pairs worth building",
				Usage:       "[VARIANT...] [--missing] [--json]",
				Aliases:     []string{"plan"},
			},
			"pull": {
				Name:        "pull",
				Description: "Pull an image, applying a delta from a local image when cheaper",
				Usage:       "TARGET",
				Examples:    []string{"imgdelta pull desktop", "imgdelta pull ghcr.io/eeems/atomic-arch:rootfs"},
			},
			"classify": {
				Name:        "classify",
				Description: "Show how tags are classified",
				Usage:       "TAG [TAG...]",
			},
			"path": {
				Name:        "path",
				Description: "Show the published delta chain between two tags",
				Usage:       "SRC DST",
			},
			"cache": {
				Name:        "cache",
				Description: "Show or clear the persisted digest cache",
				Usage:       "[--clear]",
			},
		},
	}
}

type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer

	cfg    *config.Config
	client *registry.Client
	eng    *engine.Podman
	store  *db.Store
	cache  *digestcache.Cache
}

func (c *cli) handlers() map[string]yargs.SubcommandHandler {
	return map[string]yargs.SubcommandHandler{
		"manifest":   c.handleManifest,
		"delta":      c.handleDelta,
		"get-deltas": c.handleGetDeltas,
		"pull":       c.handlePull,
		"classify":   c.handleClassify,
		"path":       c.handlePath,
		"cache":      c.handleCache,
	}
}

// setup loads the configuration and connects the collaborators. It is
// idempotent.
func (c *cli) setup() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return err
	}
	c.client = registry.NewClient()
	c.eng = engine.New()
	c.store = db.NewStore(filepath.Join(cfg.CacheDir, db.FileName), log.Printf)
	c.cache, err = digestcache.New(c.client, digestcache.Options{
		Store:    c.store,
		Refs:     cfg.Refs(),
		Bulk:     workpool.New(cfg.BulkWorkers),
		AdHoc:    workpool.New(cfg.AdHocWorkers),
		Attempts: cfg.DigestAttempts,
		Logf:     log.Printf,
	})
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *cli) builder() *delta.Builder {
	return &delta.Builder{
		Engine:       c.eng,
		Registry:     c.client,
		Digests:      c.cache,
		Refs:         c.cfg.Refs(),
		Ratio:        c.cfg.MaxSizeRatio,
		PushAttempts: c.cfg.PushAttempts,
		Logf:         log.Printf,
	}
}

func (c *cli) planner() *delta.Planner {
	return &delta.Planner{
		Registry:    c.client,
		Digests:     c.cache,
		Refs:        c.cfg.Refs(),
		RootVariant: config.RootfsVariant,
	}
}

type manifestFlagsParsed struct {
	Push bool `flag:"push" help:"Push the manifest after building it"`
}

func (c *cli) handleManifest(ctx context.Context, args []string) error {
	flags, _, err := parseCommand[manifestFlagsParsed](args)
	if err != nil {
		return err
	}
	if err := c.setup(); err != nil {
		return err
	}
	b := &manifest.Builder{
		Registry:     c.client,
		Engine:       c.eng,
		Cache:        c.cache,
		Refs:         c.cfg.Refs(),
		Known:        c.cfg.KnownVariant,
		Ratio:        c.cfg.MaxSizeRatio,
		PushAttempts: c.cfg.PushAttempts,
		PreservePath: c.cfg.PreservePath,
		Progress:     c.stderr,
		Logf:         log.Printf,
	}
	m, err := b.Build(ctx, manifest.Options{Push: flags.Push})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s: %d tags, %d delta targets\n", c.cfg.Refs().Project(manifest.Tag), len(m.Tags), len(m.Paths))
	return nil
}

type deltaFlagsParsed struct {
	Push    bool `flag:"push" help:"Push each delta and record its digest"`
	NoPull  bool `flag:"no-pull" help:"Use the local copies of the images"`
	NoClean bool `flag:"no-clean" help:"Keep the local images used for the build"`
	Force   bool `flag:"force" help:"Rebuild planned deltas that are already published"`
}

func (c *cli) handleDelta(ctx context.Context, args []string) error {
	flags, pos, err := parseCommand[deltaFlagsParsed](args)
	if err != nil {
		return err
	}
	if len(pos) != 0 && len(pos) != 2 {
		return fmt.Errorf("delta: want SRC DST or no arguments, got %d arguments", len(pos))
	}
	if err := c.setup(); err != nil {
		return err
	}
	var pairs []delta.Pair
	if len(pos) == 2 {
		pairs = []delta.Pair{{Src: pos[0], Dst: pos[1]}}
	} else {
		pairs, err = c.planner().Plan(ctx, c.cfg.VariantNames(), !flags.Force)
		if err != nil {
			return err
		}
	}
	opts := delta.BuildOptions{Pull: !flags.NoPull, Push: flags.Push, Clean: !flags.NoClean}
	b := c.builder()
	var errs []error
	for _, p := range pairs {
		res, err := b.Build(ctx, p.Src, p.Dst, opts)
		switch {
		case errors.Is(err, delta.ErrNothingToDiff):
			log.Printf("skipping %s -> %s: %v", p.Src, p.Dst, err)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("%s -> %s: %w", p.Src, p.Dst, err))
			continue
		}
		printBuild(c.stdout, res)
	}
	return errors.Join(errs...)
}

func printBuild(w io.Writer, res *delta.Result) {
	state := "accepted"
	if !res.Accepted {
		state = "placeholder"
	}
	fmt.Fprintf(w, "%s\t%s\t%d/%d\n", res.Image, state, res.Size, res.TargetSize)
}

type getDeltasFlagsParsed struct {
	Missing bool `flag:"missing" help:"Only list deltas that are not published yet"`
	JSON    bool `flag:"json" help:"Print a JSON array"`
}

func (c *cli) handleGetDeltas(ctx context.Context, args []string) error {
	flags, variants, err := parseCommand[getDeltasFlagsParsed](args)
	if err != nil {
		return err
	}
	if err := c.setup(); err != nil {
		return err
	}
	if len(variants) == 0 {
		variants = c.cfg.VariantNames()
	}
	pairs, err := c.planner().Plan(ctx, variants, flags.Missing)
	if err != nil {
		return err
	}
	return printPairs(c.stdout, pairs, flags.JSON)
}

func printPairs(w io.Writer, pairs []delta.Pair, asJSON bool) error {
	if asJSON {
		if pairs == nil {
			pairs = []delta.Pair{}
		}
		b, err := json.Marshal(pairs)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	for _, p := range pairs {
		fmt.Fprintf(w, "%s %s\n", p.Src, p.Dst)
	}
	return nil
}

func (c *cli) handlePull(ctx context.Context, args []string) error {
	_, pos, err := parseCommand[struct{}](args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return errors.New("pull: want exactly one TARGET")
	}
	if err := c.setup(); err != nil {
		return err
	}
	a := &delta.Applier{
		Engine:   c.eng,
		Registry: c.client,
		Digests:  c.cache,
		Refs:     c.cfg.Refs(),
		Ratio:    c.cfg.MaxSizeRatio,
		Logf:     log.Printf,
	}
	res, err := a.Pull(ctx, pos[0])
	if err != nil {
		return err
	}
	switch res.Method {
	case delta.MethodDelta:
		fmt.Fprintf(c.stdout, "%s: %s via %s from %s\n", res.Image, res.Digest, res.Delta, res.Base)
	default:
		fmt.Fprintf(c.stdout, "%s: %s (%s)\n", res.Image, res.Digest, res.Method)
	}
	return nil
}

func (c *cli) handleClassify(ctx context.Context, args []string) error {
	_, pos, err := parseCommand[struct{}](args)
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		return errors.New("classify: want at least one TAG")
	}
	printClassified(c.stdout, pos)
	return nil
}

func printClassified(w io.Writer, all []string) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "TAG\tKIND\tVARIANT\tVERSION")
	for _, t := range all {
		c := tags.Classify(t)
		variant, version := c.Variant, c.Version
		if c.Kind == tags.KindDiff {
			variant, version = c.Src, c.Dst
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t, c.Kind, dash(variant), dash(version))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) handlePath(ctx context.Context, args []string) error {
	_, pos, err := parseCommand[struct{}](args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		return errors.New("path: want SRC DST")
	}
	if err := c.setup(); err != nil {
		return err
	}
	ref := c.cfg.Refs().Project(manifest.Tag).String()
	lm, err := c.client.Labels(ctx, ref)
	if err != nil {
		return err
	}
	m, err := labels.ParseManifest(lm)
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}
	chain, err := manifestPath(m, pos[0], pos[1])
	if err != nil {
		return err
	}
	for _, t := range chain {
		fmt.Fprintln(c.stdout, t)
	}
	return nil
}

// manifestPath returns the delta chain between the images tagged src and
// dst.
func manifestPath(m *labels.Manifest, src, dst string) ([]string, error) {
	keys := make([]string, 2)
	for i, t := range []string{src, dst} {
		d, ok := m.Tags[t]
		if !ok {
			return nil, fmt.Errorf("tag %s is not in the manifest", t)
		}
		k, err := base62.FromHex(d)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", t, err)
		}
		keys[i] = k
	}
	if keys[0] == keys[1] {
		return nil, fmt.Errorf("%s and %s: %w", src, dst, delta.ErrNothingToDiff)
	}
	chain, ok := m.Path(keys[0], keys[1])
	if !ok {
		return nil, fmt.Errorf("no delta path from %s to %s", src, dst)
	}
	return chain, nil
}

type cacheFlagsParsed struct {
	Clear bool `flag:"clear" help:"Delete the persisted cache"`
}

func (c *cli) handleCache(ctx context.Context, args []string) error {
	flags, _, err := parseCommand[cacheFlagsParsed](args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	store := db.NewStore(filepath.Join(cfg.CacheDir, db.FileName), log.Printf)
	if flags.Clear {
		if err := store.Remove(); err != nil {
			return err
		}
		fmt.Fprintf(c.stderr, "removed %s\n", store.Path())
		return nil
	}
	entries, err := store.Load()
	if err != nil {
		return err
	}
	return printCache(c.stdout, entries)
}

func printCache(w io.Writer, entries map[string]string) error {
	refs := make([]string, 0, len(entries))
	for r := range entries {
		refs = append(refs, r)
	}
	slices.Sort(refs)
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\n", r, entries[r])
	}
	return tw.Flush()
}
