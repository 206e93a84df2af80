// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package digestcache memoizes remote digest and size lookups.
//
// Every distinct normalized reference is resolved at most once per Cache.
// Concurrent callers for the same key share one result handle. Resolved
// digests are also written to a db.Store so later runs skip the registry.
package digestcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atomic-arch/imgdelta/pkg/db"
	"github.com/atomic-arch/imgdelta/pkg/imageref"
	"github.com/atomic-arch/imgdelta/pkg/registry"
	"github.com/atomic-arch/imgdelta/pkg/workpool"
	"tailscale.com/types/logger"
	"tailscale.com/util/mak"
)

// Resolver performs the remote lookups.
type Resolver interface {
	Digest(ctx context.Context, ref string) (string, error)
	Size(ctx context.Context, ref string) (int64, error)
}

// DefaultAttempts is the digest retry budget.
const DefaultAttempts = 10

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	// Store persists digests across runs. Nil disables persistence.
	Store *db.Store
	// Refs normalizes references into cache keys.
	Refs imageref.Defaults
	// Bulk runs the Async lookups. Defaults to 50 workers.
	Bulk *workpool.Pool
	// AdHoc runs the blocking lookups. Defaults to 5 workers.
	AdHoc *workpool.Pool
	// Attempts bounds digest retries. Defaults to DefaultAttempts.
	Attempts int
	// Sleep waits between attempts. Defaults to time.Sleep; it receives
	// 2^attempt seconds.
	Sleep func(time.Duration)
	Logf  logger.Logf
}

// Cache resolves digests and sizes through a Resolver.
type Cache struct {
	res      Resolver
	store    *db.Store
	refs     imageref.Defaults
	bulk     *workpool.Pool
	adhoc    *workpool.Pool
	attempts int
	sleep    func(time.Duration)
	logf     logger.Logf

	mu      sync.Mutex // protects the following
	digests map[string]*workpool.Future[string]
	sizes   map[string]*workpool.Future[int64]
}

// New returns a Cache seeded with the persisted entries of opts.Store.
func New(res Resolver, opts Options) (*Cache, error) {
	c := &Cache{
		res:      res,
		store:    opts.Store,
		refs:     opts.Refs,
		bulk:     opts.Bulk,
		adhoc:    opts.AdHoc,
		attempts: opts.Attempts,
		sleep:    opts.Sleep,
		logf:     opts.Logf,
	}
	if c.bulk == nil {
		c.bulk = workpool.New(50)
	}
	if c.adhoc == nil {
		c.adhoc = workpool.New(5)
	}
	if c.attempts < 1 {
		c.attempts = DefaultAttempts
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	if c.store != nil {
		persisted, err := c.store.Load()
		if err != nil {
			return nil, fmt.Errorf("loading digest cache: %w", err)
		}
		for ref, d := range persisted {
			mak.Set(&c.digests, ref, workpool.Resolved(d, nil))
		}
	}
	return c, nil
}

// Key returns the normalized cache key for ref.
func (c *Cache) Key(ref string) (string, error) {
	r, err := c.refs.Qualify(ref)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Digest resolves ref's digest on the ad hoc pool and waits for it.
func (c *Cache) Digest(ctx context.Context, ref string) (string, error) {
	return c.digestFuture(c.adhoc, ref).Wait(ctx)
}

// DigestAsync resolves ref's digest on the bulk pool.
func (c *Cache) DigestAsync(ref string) *workpool.Future[string] {
	return c.digestFuture(c.bulk, ref)
}

// Size resolves ref's size on the ad hoc pool and waits for it.
func (c *Cache) Size(ctx context.Context, ref string) (int64, error) {
	return c.sizeFuture(c.adhoc, ref).Wait(ctx)
}

// SizeAsync resolves ref's size on the bulk pool.
func (c *Cache) SizeAsync(ref string) *workpool.Future[int64] {
	return c.sizeFuture(c.bulk, ref)
}

// Record stores a digest learned without a lookup, such as right after a
// push. An existing entry wins.
func (c *Cache) Record(ref, digest string) error {
	key, err := c.Key(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.digests[key]; !ok {
		mak.Set(&c.digests, key, workpool.Resolved(digest, nil))
	}
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	_, err = c.store.Put(key, digest)
	return err
}

func (c *Cache) digestFuture(p *workpool.Pool, ref string) *workpool.Future[string] {
	key, err := c.Key(ref)
	if err != nil {
		return workpool.Resolved("", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.digests[key]; ok {
		return f
	}
	f := workpool.Go(p, func() (string, error) {
		return c.resolveDigest(key)
	})
	mak.Set(&c.digests, key, f)
	return f
}

func (c *Cache) sizeFuture(p *workpool.Pool, ref string) *workpool.Future[int64] {
	key, err := c.Key(ref)
	if err != nil {
		return workpool.Resolved[int64](0, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.sizes[key]; ok {
		return f
	}
	f := workpool.Go(p, func() (int64, error) {
		return c.res.Size(context.Background(), key)
	})
	mak.Set(&c.sizes, key, f)
	return f
}

func (c *Cache) resolveDigest(key string) (string, error) {
	var last error
	for attempt := 0; attempt < c.attempts; attempt++ {
		d, err := c.res.Digest(context.Background(), key)
		if err == nil {
			c.persist(key, d)
			return d, nil
		}
		if registry.IsNotFound(err) {
			if errors.Is(err, registry.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("%s: %w: %w", key, registry.ErrNotFound, err)
		}
		last = err
		if attempt+1 < c.attempts {
			wait := time.Duration(1<<attempt) * time.Second
			c.logf("digest %s: %v, retrying in %v", key, err, wait)
			c.sleep(wait)
		}
	}
	return "", &registry.TransientError{Ref: key, Attempts: c.attempts, Err: last}
}

func (c *Cache) persist(key, d string) {
	if c.store == nil {
		return
	}
	if _, err := c.store.Put(key, d); err != nil {
		c.logf("digest cache: %v", err)
	}
}
