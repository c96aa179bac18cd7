package lock

import "sync"

// Handle is one acquisition of a target. Release is safe to call more than
// once and from deferred cleanup on every path.
type Handle struct {
	manager   *Manager
	target    string
	path      string
	owner     Owner
	recovered *Recovery

	mu    sync.Mutex
	state State
}

// Target is the path the handle protects
func (h *Handle) Target() string { return h.target }

// Path is the marker path
func (h *Handle) Path() string { return h.path }

// Owner identifies this holder
func (h *Handle) Owner() Owner { return h.owner }

// Recovered is non-nil when a stale marker was cleared to acquire the handle
func (h *Handle) Recovered() *Recovery { return h.recovered }

// State returns the current state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// BeginWrite moves a locked handle into the Writing state
func (h *Handle) BeginWrite() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Unlocked {
		return ErrReleased
	}
	h.state = Writing
	return nil
}

// EndWrite returns a writing handle to Locked
func (h *Handle) EndWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Writing {
		h.state = Locked
	}
}

// Release removes the marker if it still carries this handle's token.
// It returns ErrNotOwner when the marker was taken over; later calls are no-ops.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.state == Unlocked {
		h.mu.Unlock()
		return nil
	}
	h.state = Unlocked
	h.mu.Unlock()
	return h.manager.release(h)
}
