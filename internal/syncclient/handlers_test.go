package syncclient

import (
	"testing"

	"github.com/notemax/notesync/internal/realtime"
)

func TestHandlersOnReplacesRegistration(t *testing.T) {
	handlers := NewHandlers()
	var first, second int
	handlers.On(realtime.EventNoteUpdated, func(realtime.Envelope) { first++ })
	handlers.On(realtime.EventNoteUpdated, func(realtime.Envelope) { second++ })

	if !handlers.Dispatch(realtime.Envelope{Event: realtime.EventNoteUpdated}) {
		t.Fatalf("expected a registered handler")
	}
	if first != 0 || second != 1 {
		t.Fatalf("expected only the latest handler to run, got first=%d second=%d", first, second)
	}
	if handlers.Len() != 1 {
		t.Fatalf("expected a single registration, got %d", handlers.Len())
	}
}

func TestHandlersOffAndReset(t *testing.T) {
	handlers := NewHandlers()
	handlers.On(realtime.EventNoteUpdated, func(realtime.Envelope) {})
	handlers.On(realtime.EventNoteDeleted, func(realtime.Envelope) {})

	handlers.Off(realtime.EventNoteUpdated)
	if handlers.Dispatch(realtime.Envelope{Event: realtime.EventNoteUpdated}) {
		t.Fatalf("removed handler must not run")
	}
	if !handlers.Dispatch(realtime.Envelope{Event: realtime.EventNoteDeleted}) {
		t.Fatalf("other handlers must survive Off")
	}

	handlers.Reset()
	if handlers.Len() != 0 {
		t.Fatalf("expected no handlers after reset, got %d", handlers.Len())
	}

	handlers.On(realtime.EventNoteShared, nil)
	if handlers.Len() != 0 {
		t.Fatalf("registering nil should not add a handler")
	}
}
