package state

import (
	"sync"
	"time"
)

// debouncer coalesces outbound broadcasts per key (component path).
// The first call in a quiet window fires immediately; calls arriving while
// the window is open replace each other and the latest fires when the
// window closes. Commits are never debounced — only their broadcasts.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timers   map[string]*time.Timer
	trailing map[string]func()
	closed   bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{
		interval: interval,
		timers:   make(map[string]*time.Timer),
		trailing: make(map[string]func()),
	}
}

// Do schedules fn for the key. With a zero interval it runs synchronously.
func (d *debouncer) Do(key string, fn func()) {
	if d.interval <= 0 {
		fn()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fn()
		return
	}
	if _, open := d.timers[key]; open {
		// Window open: keep only the latest.
		d.trailing[key] = fn
		d.mu.Unlock()
		return
	}
	d.timers[key] = time.AfterFunc(d.interval, func() { d.expire(key) })
	d.mu.Unlock()

	fn()
}

// expire closes the window for key, firing the trailing call if one
// accumulated (which re-opens the window so bursts stay coalesced).
func (d *debouncer) expire(key string) {
	d.mu.Lock()
	fn, has := d.trailing[key]
	delete(d.trailing, key)
	if has && !d.closed {
		d.timers[key] = time.AfterFunc(d.interval, func() { d.expire(key) })
	} else {
		delete(d.timers, key)
	}
	d.mu.Unlock()

	if has {
		fn()
	}
}

// Flush fires every trailing call and stops all timers.
func (d *debouncer) Flush() {
	d.mu.Lock()
	d.closed = true
	var fns []func()
	for key, fn := range d.trailing {
		fns = append(fns, fn)
		delete(d.trailing, key)
	}
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
