package indicator

import (
	"sync"

	"captouch-go/errcode"
)

// Fake records indicator writes for tests. Safe for concurrent use; the
// acquisition loop drives it from its own goroutine.
type Fake struct {
	// SetError, if set, is returned by Set. Assign before handing the
	// fake to the code under test.
	SetError error

	mu     sync.Mutex
	states []bool
	sets   int
	closed bool
}

// NewFake creates a fake driver for n widgets.
func NewFake(n int) *Fake {
	return &Fake{states: make([]bool, n)}
}

func (f *Fake) Set(widget int, on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if widget < 0 || widget >= len(f.states) {
		return errcode.UnknownWidget
	}
	f.states[widget] = on
	f.sets++
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// State returns the last driven level for one widget.
func (f *Fake) State(widget int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if widget < 0 || widget >= len(f.states) {
		return false
	}
	return f.states[widget]
}

// Sets returns the total number of accepted writes.
func (f *Fake) Sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
