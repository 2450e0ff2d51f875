package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const progressTick = 100 * time.Millisecond

// progressPrinter shows a single-line countdown while a scan runs. Single
// use: Start at most once, Stop exactly once (safe to call repeatedly).
type progressPrinter struct {
	prefix   string
	duration time.Duration
	start    time.Time
	phase    atomic.Value // string
	ticker   atomic.Pointer[time.Ticker]
	quit     chan struct{}
	done     chan struct{}
}

func newProgressPrinter(prefix string, duration time.Duration) *progressPrinter {
	p := &progressPrinter{
		prefix:   prefix,
		duration: duration,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store("")
	return p
}

// SetPhase updates the phase label shown next to the countdown. Safe from any
// goroutine; the scanner's progress callback feeds it.
func (p *progressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *progressPrinter) Start() {
	p.start = time.Now()
	ticker := time.NewTicker(progressTick)
	p.ticker.Store(ticker)

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *progressPrinter) print() {
	remaining := p.duration - time.Since(p.start)
	if remaining < 0 {
		remaining = 0
	}
	seconds := int(remaining.Seconds() + 0.5)

	if phase := p.phase.Load().(string); phase != "" {
		fmt.Printf("\r%s (%s, %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Printf("\r%s (%ds)   ", p.prefix, seconds)
	}
}

// Stop ends the countdown and clears the line. Idempotent.
func (p *progressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(p.quit)
	<-p.done
	fmt.Print("\r\033[K")
}
