// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package db provides a JSON file-backed map of image references to their
// resolved digests, shared between runs.
package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"tailscale.com/types/logger"
	"tailscale.com/util/mak"
)

// FileName is the base name of the digest file inside the cache directory.
const FileName = "manifest_cache"

// Store is a flat reference -> digest map persisted as a JSON object.
//
// Entries are never overwritten: the first Put for a reference wins.
type Store struct {
	file string
	logf logger.Logf

	mu     sync.Mutex // protects the following
	d      map[string]string
	loaded bool
}

// NewStore returns a Store backed by file. A nil logf logs with log.Printf.
func NewStore(file string, logf logger.Logf) *Store {
	if logf == nil {
		logf = log.Printf
	}
	return &Store{file: file, logf: logf}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.file }

// Load reads the file on first use and returns a copy of its entries.
// A missing file is an empty store. A malformed file is removed and the
// store starts empty.
func (s *Store) Load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.d))
	for k, v := range s.d {
		out[k] = v
	}
	return out, nil
}

// Get returns the digest recorded for ref.
func (s *Store) Get(ref string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := s.d[ref]
	return v, ok, nil
}

// Put records digest for ref and saves the file. It reports whether the
// entry was added; an existing entry is left untouched.
func (s *Store) Put(ref, digest string) (added bool, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	if _, ok := s.d[ref]; ok {
		return false, nil
	}
	mak.Set(&s.d, ref, digest)
	if err := s.saveLocked(); err != nil {
		delete(s.d, ref)
		return false, fmt.Errorf("saving %s: %w", s.file, err)
	}
	return true, nil
}

// Remove deletes the backing file and forgets all entries.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = nil
	s.loaded = true
	if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	d, err := s.readLocked()
	if err != nil {
		return err
	}
	s.d = d
	s.loaded = true
	return nil
}

// readLocked reads s.file.
func (s *Store) readLocked() (map[string]string, error) {
	f, err := os.Open(s.file)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := map[string]string{}
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		s.logf("digest cache %s is corrupt, removing: %v", s.file, err)
		if rerr := os.Remove(s.file); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("removing corrupt cache: %w", rerr)
		}
		return map[string]string{}, nil
	}
	return d, nil
}

// saveLocked writes s.d to s.file through a temporary file.
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := json.NewEncoder(tmp).Encode(s.d); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.file)
}
