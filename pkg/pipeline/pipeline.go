// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline chains byte-stream stages, such as a diff encoder feeding
// a compressor, and reports every stage that failed.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Stage transforms r into w. A Stage must return once r is exhausted or
// its work is done; it must not close w.
type Stage interface {
	Name() string
	Run(ctx context.Context, r io.Reader, w io.Writer) error
}

// StageError is the failure of a single stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Error reports all failed stages of one run, in pipeline order.
type Error struct {
	Stages []*StageError
}

func (e *Error) Error() string {
	var merr *multierror.Error
	for _, s := range e.Stages {
		merr = multierror.Append(merr, s)
	}
	merr.ErrorFormat = func(errs []error) string {
		parts := make([]string, len(errs))
		for i, err := range errs {
			parts[i] = err.Error()
		}
		return fmt.Sprintf("pipeline failed: %s", strings.Join(parts, "; "))
	}
	return merr.Error()
}

// Unwrap exposes the stage errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, len(e.Stages))
	for i, s := range e.Stages {
		out[i] = s
	}
	return out
}

// Run streams src through stages into dst. Each stage runs in its own
// goroutine, connected to its neighbours with io.Pipe. Run returns only
// after every stage has finished, with an *Error naming each stage that
// failed. A nil src is an empty input.
func Run(ctx context.Context, src io.Reader, dst io.Writer, stages ...Stage) error {
	if src == nil {
		src = strings.NewReader("")
	}
	if len(stages) == 0 {
		_, err := io.Copy(dst, src)
		return err
	}

	errs := make([]error, len(stages))
	var wg sync.WaitGroup
	in := src
	for i, st := range stages {
		var out io.Writer = dst
		var pw *io.PipeWriter
		var next *io.PipeReader
		if i < len(stages)-1 {
			next, pw = io.Pipe()
			out = pw
		}
		r := in
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Run(ctx, r, out)
			errs[i] = err
			if pw != nil {
				// Downstream sees EOF on success and our error otherwise.
				pw.CloseWithError(err)
			}
			if pr, ok := r.(*io.PipeReader); ok {
				// Unblock an upstream writer if we stopped reading early.
				pr.CloseWithError(fmt.Errorf("stage %s exited", st.Name()))
			}
		}()
		if next != nil {
			in = next
		}
	}
	wg.Wait()

	var perr Error
	for i, err := range errs {
		if err != nil {
			perr.Stages = append(perr.Stages, &StageError{Stage: stages[i].Name(), Err: err})
		}
	}
	if len(perr.Stages) > 0 {
		return &perr
	}
	return nil
}

// Func adapts a function into a Stage.
type Func struct {
	Label string
	F     func(ctx context.Context, r io.Reader, w io.Writer) error
}

func (f Func) Name() string { return f.Label }

func (f Func) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	return f.F(ctx, r, w)
}

// Source is a Stage that ignores its input and writes the output of f.
func Source(name string, f func(w io.Writer) error) Stage {
	return Func{Label: name, F: func(_ context.Context, _ io.Reader, w io.Writer) error {
		return f(w)
	}}
}

// Cmd is a Stage running an external command with stdin and stdout wired
// into the pipeline.
type Cmd struct {
	Path string
	Args []string
	// NewCmd builds the exec.Cmd. Defaults to exec.CommandContext.
	NewCmd func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// Command returns a Cmd stage for name.
func Command(name string, arg ...string) *Cmd {
	return &Cmd{Path: name, Args: arg}
}

func (c *Cmd) Name() string { return c.Path }

// stderrLimit bounds how much command output is kept for error messages.
const stderrLimit = 4 << 10

func (c *Cmd) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	newCmd := c.NewCmd
	if newCmd == nil {
		newCmd = exec.CommandContext
	}
	cmd := newCmd(ctx, c.Path, c.Args...)
	cmd.Stdin = r
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrLimit {
			msg = msg[len(msg)-stderrLimit:]
		}
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
