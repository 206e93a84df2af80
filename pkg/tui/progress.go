// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tui renders progress for long running loops.
package tui

import (
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
	"tailscale.com/tstime/rate"
)

const (
	colorReset = "\x1b[0m"
	colorGreen = "\x1b[32m"
	colorDim   = "\x1b[90m"
)

// Colorizer wraps text in ANSI colors when enabled.
type Colorizer struct {
	Enabled bool
}

// NewColorizer enables color for terminals unless NO_COLOR is set or TERM
// is dumb.
func NewColorizer(out io.Writer) Colorizer {
	if !isTerminal(out) || os.Getenv("NO_COLOR") != "" {
		return Colorizer{}
	}
	if t := os.Getenv("TERM"); t == "" || t == "dumb" {
		return Colorizer{}
	}
	return Colorizer{Enabled: true}
}

func (c Colorizer) Wrap(code, text string) string {
	if !c.Enabled || code == "" {
		return text
	}
	return code + text + colorReset
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// RedrawInterval returns how often progress for out may be redrawn: once a
// second on a terminal, every ten seconds in CI or when output is
// redirected.
func RedrawInterval(out io.Writer) time.Duration {
	if os.Getenv("CI") != "" || !isTerminal(out) {
		return 10 * time.Second
	}
	return time.Second
}

// Progress counts completed items and redraws a status line at most once
// per interval.
type Progress struct {
	out      io.Writer
	label    string
	total    int
	interval time.Duration
	inPlace  bool
	color    Colorizer
	now      func() time.Time

	mu    sync.Mutex
	done  int
	last  time.Time
	drawn bool
	rate  rate.Value
}

// ProgressOption configures a Progress.
type ProgressOption func(*Progress)

// WithInterval overrides the redraw interval.
func WithInterval(d time.Duration) ProgressOption {
	return func(p *Progress) { p.interval = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ProgressOption {
	return func(p *Progress) { p.now = now }
}

// NewProgress returns a Progress for total items. A total of 0 means
// unknown.
func NewProgress(out io.Writer, label string, total int, opts ...ProgressOption) *Progress {
	p := &Progress{
		out:      out,
		label:    label,
		total:    total,
		interval: RedrawInterval(out),
		inPlace:  isTerminal(out),
		color:    NewColorizer(out),
		now:      time.Now,
		rate:     rate.Value{HalfLife: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add marks n more items done.
func (p *Progress) Add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	p.rate.Add(float64(n))
	now := p.now()
	if p.drawn && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.drawn = true
	p.drawLocked()
}

// Finish draws the final state and ends the line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drawLocked()
	if p.inPlace {
		fmt.Fprintln(p.out)
	}
}

func (p *Progress) drawLocked() {
	line := p.lineLocked()
	if p.inPlace {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		return
	}
	fmt.Fprintln(p.out, line)
}

const barWidth = 30

func (p *Progress) lineLocked() string {
	var b strings.Builder
	b.WriteString(p.label)
	if p.total > 0 {
		filled := p.done * barWidth / p.total
		if filled > barWidth {
			filled = barWidth
		}
		b.WriteString(" [")
		b.WriteString(p.color.Wrap(colorGreen, strings.Repeat("#", filled)))
		b.WriteString(p.color.Wrap(colorDim, strings.Repeat(".", barWidth-filled)))
		fmt.Fprintf(&b, "] %d/%d", p.done, p.total)
	} else {
		fmt.Fprintf(&b, " %d", p.done)
	}
	if r := p.rate.Rate(); r > 0 {
		fmt.Fprintf(&b, " %.1f/s", r)
	}
	return b.String()
}

// Iter yields every element of seq unchanged, counting each one. The
// progress line is finished when iteration ends.
func Iter[T any](p *Progress, seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.Finish()
		for v := range seq {
			if !yield(v) {
				return
			}
			p.Add(1)
		}
	}
}
