package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated with the current phase
// and an elapsed (or remaining) seconds counter. Stop must be called to
// release the goroutine; it is safe to call more than once.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	countdown  time.Duration // zero means count up

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   time.Time
	running   atomic.Bool
}

// NewProgressPrinter creates a printer that counts elapsed seconds.
// Setting one of stopPhases through Phase stops the printer.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from d.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, d, stopPhases)
}

func newProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		countdown:  d,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing the status line.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.started = time.Now()
		p.running.Store(true)
		p.print(p.phase.Load().(string), 0)

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()

			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					p.print(p.phase.Load().(string), p.seconds())
				}
			}
		}()
	})
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.started)
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second, e.g. 3.7s -> 4s
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Phase updates the displayed phase; a stop phase stops the printer.
func (p *ProgressPrinter) Phase(phase string) {
	p.phase.Store(phase)
	if _, ok := p.stopPhases[phase]; ok {
		p.Stop()
	}
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() {}) // Start after Stop is a no-op
		close(p.stop)
		if p.running.Load() {
			<-p.done
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
