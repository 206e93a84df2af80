// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine drives the local container engine (podman) and the image
// copy tool (skopeo).
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"tailscale.com/types/lazy"
)

var (
	// ErrImageUnknown is returned when a local image does not exist.
	ErrImageUnknown = errors.New("image not known")
	// ErrPodmanNotFound is returned when podman is not installed.
	ErrPodmanNotFound = errors.New("podman not found")
)

// Transport prefixes understood by Copy.
const (
	TransportDocker     = "docker://"
	TransportOCI        = "oci:"
	TransportOCIArchive = "oci-archive:"
	TransportStorage    = "containers-storage:"
)

// BuildOptions describes a podman build.
type BuildOptions struct {
	Tag        string
	File       string
	ContextDir string
}

// Podman runs podman and skopeo commands.
type Podman struct {
	// NewCmd builds commands. Defaults to exec.CommandContext.
	NewCmd func(ctx context.Context, name string, arg ...string) *exec.Cmd
	// Output receives progress output of pulls and pushes. Defaults to
	// os.Stderr.
	Output io.Writer

	remote lazy.SyncValue[bool]
}

// New returns a Podman using the real binaries.
func New() *Podman {
	return &Podman{}
}

func (p *Podman) newCmd(ctx context.Context, name string, arg ...string) *exec.Cmd {
	if p.NewCmd != nil {
		return p.NewCmd(ctx, name, arg...)
	}
	return exec.CommandContext(ctx, name, arg...)
}

func (p *Podman) output() io.Writer {
	if p.Output != nil {
		return p.Output
	}
	return os.Stderr
}

// inContainer reports whether we run inside a container, in which case
// podman has to talk to the host service.
func (p *Podman) inContainer(ctx context.Context) bool {
	return p.remote.Get(func() bool {
		return p.newCmd(ctx, "systemd-detect-virt", "--quiet", "--container").Run() == nil
	})
}

func (p *Podman) podmanArgs(ctx context.Context, args []string) []string {
	if p.inContainer(ctx) {
		return append([]string{"--remote"}, args...)
	}
	return args
}

// CmdError is a failed command with its captured stderr.
type CmdError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CmdError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CmdError) Unwrap() error { return e.Err }

// ExitCode returns the exit status, or -1 when the command did not run.
func (e *CmdError) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (p *Podman) capture(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name == "podman" {
		args = p.podmanArgs(ctx, args)
	}
	cmd := p.newCmd(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) && name == "podman" {
			return nil, ErrPodmanNotFound
		}
		return nil, &CmdError{Args: append([]string{name}, args...), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

func (p *Podman) stream(ctx context.Context, name string, args ...string) error {
	if name == "podman" {
		args = p.podmanArgs(ctx, args)
	}
	cmd := p.newCmd(ctx, name, args...)
	cmd.Stdout = p.output()
	cmd.Stderr = p.output()
	if err := cmd.Run(); err != nil {
		return &CmdError{Args: append([]string{name}, args...), Err: err}
	}
	return nil
}

func isUnknown(err error) bool {
	var ce *CmdError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "image not known") || strings.Contains(msg, "no such image")
}

// Pull pulls image into local storage.
func (p *Podman) Pull(ctx context.Context, image string) error {
	return p.stream(ctx, "podman", "pull", image)
}

// Push pushes a local image to its registry.
func (p *Podman) Push(ctx context.Context, image string) error {
	return p.stream(ctx, "podman", "push", image)
}

// Tag adds dst as a name of src.
func (p *Podman) Tag(ctx context.Context, src, dst string) error {
	_, err := p.capture(ctx, "podman", "tag", src, dst)
	return err
}

// Remove untags images. Missing images are ignored.
func (p *Podman) Remove(ctx context.Context, images ...string) error {
	if len(images) == 0 {
		return nil
	}
	_, err := p.capture(ctx, "podman", append([]string{"rmi", "--ignore"}, images...)...)
	return err
}

// Exists reports whether image is in local storage.
func (p *Podman) Exists(ctx context.Context, image string) (bool, error) {
	_, err := p.capture(ctx, "podman", "image", "exists", image)
	if err == nil {
		return true, nil
	}
	var ce *CmdError
	if errors.As(err, &ce) && ce.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// Digest returns the manifest digest of a local image.
func (p *Podman) Digest(ctx context.Context, image string) (string, error) {
	out, err := p.capture(ctx, "podman", "image", "inspect", "--format", "{{.Digest}}", image)
	if isUnknown(err) {
		return "", fmt.Errorf("%s: %w", image, ErrImageUnknown)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Labels returns the labels of a local image.
func (p *Podman) Labels(ctx context.Context, image string) (map[string]string, error) {
	out, err := p.capture(ctx, "podman", "image", "inspect", "--format", "{{json .Labels}}", image)
	if isUnknown(err) {
		return nil, fmt.Errorf("%s: %w", image, ErrImageUnknown)
	}
	if err != nil {
		return nil, err
	}
	labels := map[string]string{}
	if err := json.Unmarshal(bytes.TrimSpace(out), &labels); err != nil {
		return nil, fmt.Errorf("decoding labels of %s: %w", image, err)
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return labels, nil
}

// Build builds a Containerfile without pulling base images.
func (p *Podman) Build(ctx context.Context, opts BuildOptions) error {
	args := []string{"build", "--pull=never", "--force-rm", "--tag", opts.Tag}
	if opts.File != "" {
		args = append(args, "--file", opts.File)
	}
	args = append(args, opts.ContextDir)
	_, err := p.capture(ctx, "podman", args...)
	return err
}

// Copy copies an image between transports with skopeo, for example from
// docker://registry/repo@digest to oci:/dir.
func (p *Podman) Copy(ctx context.Context, src, dst string, preserveDigests bool) error {
	args := []string{"copy"}
	if preserveDigests {
		args = append(args, "--preserve-digests")
	}
	args = append(args, src, dst)
	_, err := p.capture(ctx, "skopeo", args...)
	return err
}
