// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/distribution/registry/api/errcode"
)

var (
	// ErrNotFound reports that a reference does not exist remotely. It is
	// never retried.
	ErrNotFound = errors.New("not found")
	// ErrTransient reports a failure that survived every retry attempt.
	ErrTransient = errors.New("transient failure")
)

// Error codes defined by the OCI Distribution Specification that mean the
// requested content does not exist.
const (
	ErrCodeBlobUnknown         = "BLOB_UNKNOWN"
	ErrCodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	ErrCodeManifestUnknown     = "MANIFEST_UNKNOWN"
	ErrCodeNameUnknown         = "NAME_UNKNOWN"
)

var notFoundCodes = map[string]bool{
	ErrCodeBlobUnknown:         true,
	ErrCodeManifestBlobUnknown: true,
	ErrCodeManifestUnknown:     true,
	ErrCodeNameUnknown:         true,
}

// TransientError is returned once a retried operation runs out of attempts.
type TransientError struct {
	Ref      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Ref, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// IsNotFound reports whether err means the remote content does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var ec errcode.Error
	if errors.As(err, &ec) && notFoundCodes[ec.Code.String()] {
		return true
	}
	var ecs errcode.Errors
	if errors.As(err, &ecs) {
		for _, e := range ecs {
			if IsNotFound(e) {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "name unknown") ||
		strings.Contains(msg, "404 (not found)") ||
		strings.Contains(msg, "status 404")
}

// notFound wraps err so that errors.Is(err, ErrNotFound) holds.
func notFound(ref string, err error) error {
	return fmt.Errorf("%s: %w: %w", ref, ErrNotFound, err)
}
