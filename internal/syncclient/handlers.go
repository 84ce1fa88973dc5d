package syncclient

import (
	"sync"

	"github.com/notemax/notesync/internal/realtime"
)

// Handler reacts to one inbound event after the local store has applied it.
type Handler func(envelope realtime.Envelope)

// Handlers is a dispatch table with at most one handler per event kind.
type Handlers struct {
	mu     sync.RWMutex
	byKind map[realtime.EventKind]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{byKind: make(map[realtime.EventKind]Handler)}
}

// On registers handler for kind, replacing any earlier registration. Re-running UI setup
// therefore never stacks duplicate listeners.
func (h *Handlers) On(kind realtime.EventKind, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handler == nil {
		delete(h.byKind, kind)
		return
	}
	h.byKind[kind] = handler
}

func (h *Handlers) Off(kind realtime.EventKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byKind, kind)
}

// Reset drops every registration.
func (h *Handlers) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKind = make(map[realtime.EventKind]Handler)
}

// Dispatch invokes the handler registered for the envelope's kind and reports whether
// one was found.
func (h *Handlers) Dispatch(envelope realtime.Envelope) bool {
	h.mu.RLock()
	handler, ok := h.byKind[envelope.Event]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	handler(envelope)
	return true
}

func (h *Handlers) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKind)
}
