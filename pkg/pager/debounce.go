package pager

import (
	"sync"
	"time"

	"github.com/sour-is/livelist/pkg/clock"
)

// Debouncer holds back rapid input until it has been quiet for delay, then
// passes the latest value to fn. It is used to turn filter keystrokes into a
// single SetFilter.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func(string)

	mu      sync.Mutex
	timer   clock.Timer
	pending *string
	gen     uint64
}

func NewDebouncer(c clock.Clock, delay time.Duration, fn func(string)) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

// Input records v and restarts the quiet period.
func (d *Debouncer) Input(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = &v
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	v := *d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	d.fn(v)
}

// Flush delivers pending input now. It reports whether there was any.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	v := *d.pending
	d.pending = nil
	d.mu.Unlock()

	d.fn(v)
	return true
}

// Stop drops pending input.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = nil
}
