// Package msgctx holds the process-wide "current parent" used to attach IOPub
// output that has no natural parent request of its own, such as output produced
// by a long-running cell after the original execute_request has already replied,
// or output produced while servicing a StdIn input_reply.
//
// Grounded on the Rust kernel's Arc<Mutex<Option<JupyterHeader>>> in
// socket/stdin.rs and comm/comm_manager.rs.
package msgctx

import (
	"sync"

	"github.com/arkgo/kernelcore/internal/wire"
)

// Slot holds the current fallback parent header.
type Slot struct {
	mu     sync.Mutex
	header *wire.Header
}

// New returns an empty Slot.
func New() *Slot {
	return &Slot{}
}

// Set installs h as the current fallback parent. A copy is stored so later
// mutation of the caller's header has no effect.
func (s *Slot) Set(h wire.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := h
	s.header = &cp
}

// Clear removes the current fallback parent, e.g. once the request it belongs
// to has fully replied and no further attached output is expected.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = nil
}

// Get returns the current fallback parent header and whether one is set.
func (s *Slot) Get() (wire.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return wire.Header{}, false
	}
	return *s.header, true
}
