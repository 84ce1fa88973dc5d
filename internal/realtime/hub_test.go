package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/notemax/notesync/internal/notes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func dispatch(t *testing.T, hub *Hub, conn *Connection, kind EventKind, payload interface{}) {
	t.Helper()
	hub.Dispatch(context.Background(), conn, mustEnvelope(t, kind, payload))
}

func expectError(t *testing.T, conn *Connection, event EventKind, code string) ErrorPayload {
	t.Helper()
	envelope := nextFrame(t, conn)
	if envelope.Event != EventError {
		t.Fatalf("expected error frame, got %s", envelope.Event)
	}
	var payload ErrorPayload
	decodePayload(t, envelope, &payload)
	if payload.Event != event || payload.Code != code {
		t.Fatalf("unexpected error payload %+v", payload)
	}
	return payload
}

func TestContentUpdateReachesPeersWithoutEcho(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	editor := hub.Connect("owner", "")
	viewer := hub.Connect("collaborator", "")
	dispatch(t, hub, editor, EventJoinNote, "note-1")
	dispatch(t, hub, viewer, EventJoinNote, NoteRef{NoteID: "note-1"})

	dispatch(t, hub, editor, EventNoteUpdated, NoteUpdatedPayload{NoteID: "note-1", Title: "New", Content: "text"})

	envelope := nextFrame(t, viewer)
	if envelope.Event != EventNoteUpdated {
		t.Fatalf("unexpected event %s", envelope.Event)
	}
	var payload NoteUpdatedPayload
	decodePayload(t, envelope, &payload)
	if payload != (NoteUpdatedPayload{NoteID: "note-1", Title: "New", Content: "text"}) {
		t.Fatalf("unexpected payload %+v", payload)
	}
	expectNoFrame(t, editor)
}

func TestReconnectWithoutJoinReceivesNothing(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	editor := hub.Connect("owner", "")
	first := hub.Connect("collaborator", "")
	dispatch(t, hub, first, EventJoinNote, "note-1")
	hub.Disconnect(first)

	second := hub.Connect("collaborator", "")
	dispatch(t, hub, editor, EventNoteUpdated, NoteUpdatedPayload{NoteID: "note-1", Title: "Missed"})
	expectNoFrame(t, second)

	dispatch(t, hub, second, EventJoinNote, "note-1")
	dispatch(t, hub, editor, EventNoteUpdated, NoteUpdatedPayload{NoteID: "note-1", Title: "Seen"})
	if envelope := nextFrame(t, second); envelope.Event != EventNoteUpdated {
		t.Fatalf("expected update after rejoining, got %s", envelope.Event)
	}
}

func TestRegisterUserJoinsOnlyOwnRoom(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	conn := hub.Connect("user-1", "")

	dispatch(t, hub, conn, EventRegisterUser, "user-1")
	if !hub.Registry().IsMember(conn.ID(), UserRoom("user-1")) {
		t.Fatalf("expected membership in own user room")
	}

	dispatch(t, hub, conn, EventRegisterUser, UserRef{UserID: "user-2"})
	expectError(t, conn, EventRegisterUser, CodeUnauthorized)
	if hub.Registry().IsMember(conn.ID(), UserRoom("user-2")) {
		t.Fatalf("must not join another user's room")
	}

	hub.Dispatch(context.Background(), conn, Envelope{Event: EventRegisterUser})
	expectNoFrame(t, conn)
}

func TestNoteCreatedIsStampedWithSender(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	sender := hub.Connect("user-1", "")
	otherTab := hub.Connect("user-1", "")
	stranger := hub.Connect("user-2", "")

	dispatch(t, hub, sender, EventNoteCreated, NoteView{ID: "note-9", Title: "Hello", OwnerID: "user-2"})

	for _, conn := range []*Connection{otherTab, stranger} {
		var view NoteView
		decodePayload(t, nextFrame(t, conn), &view)
		if view.OwnerID != "user-1" || view.ID != "note-9" {
			t.Fatalf("unexpected created payload %+v", view)
		}
	}
	expectNoFrame(t, sender)

	dispatch(t, hub, sender, EventNoteCreated, NoteView{Title: "No id"})
	expectError(t, sender, EventNoteCreated, CodeInvalidPayload)
	expectNoFrame(t, otherTab)
}

func TestNoteFavoritedRelayIsStampedWithSender(t *testing.T) {
	store := newTestStore(t, nil)
	note := mustCreate(t, store, "user-1", "Shared")
	hub := newTestHub(t, store, nil)
	sender := hub.Connect("user-1", "")
	peer := hub.Connect("user-2", "")
	dispatch(t, hub, sender, EventJoinNote, note.NoteID)
	dispatch(t, hub, peer, EventJoinNote, note.NoteID)

	dispatch(t, hub, sender, EventNoteFavorited, NoteFavoritedPayload{NoteID: note.NoteID, IsFavorite: true, UserID: "user-2"})

	var payload NoteFavoritedPayload
	decodePayload(t, nextFrame(t, peer), &payload)
	if payload.UserID != "user-1" || !payload.IsFavorite || payload.NoteID != note.NoteID {
		t.Fatalf("unexpected favorite payload %+v", payload)
	}
	expectNoFrame(t, sender)
}

func TestNoteFavoritedRelayRequiresVisibility(t *testing.T) {
	store := newTestStore(t, nil)
	note := mustCreate(t, store, "owner", "Private")
	hub := newTestHub(t, store, nil)
	owner := hub.Connect("owner", "")
	stranger := hub.Connect("stranger", "")
	dispatch(t, hub, owner, EventJoinNote, note.NoteID)
	dispatch(t, hub, stranger, EventJoinNote, note.NoteID)

	forged := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	dispatch(t, hub, stranger, EventNoteFavorited, NoteFavoritedPayload{NoteID: note.NoteID, IsFavorite: true, UpdatedAt: forged})
	payload := expectError(t, stranger, EventNoteFavorited, CodeUnauthorized)
	if payload.NoteID != note.NoteID {
		t.Fatalf("expected error to name the note, got %+v", payload)
	}
	expectNoFrame(t, owner)

	dispatch(t, hub, stranger, EventNoteFavorited, NoteFavoritedPayload{NoteID: "missing", IsFavorite: true})
	expectError(t, stranger, EventNoteFavorited, CodeNotFound)
	expectNoFrame(t, owner)
}

func TestDispatchRejectsMalformedAndUnknownFrames(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	core, recorded := observer.New(zapcore.InfoLevel)
	hub, err := NewHub(HubConfig{Store: newTestStore(t, nil), Metrics: metrics, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	conn := hub.Connect("user-1", "")

	hub.Dispatch(context.Background(), conn, Envelope{Event: "note-archived", Data: json.RawMessage(`{}`)})
	expectError(t, conn, "note-archived", CodeUnknownEvent)

	hub.Dispatch(context.Background(), conn, Envelope{Event: EventJoinNote, Data: json.RawMessage(`42`)})
	expectError(t, conn, EventJoinNote, CodeInvalidPayload)

	hub.Dispatch(context.Background(), conn, Envelope{Event: EventNoteUpdated, Data: json.RawMessage(`{"noteId":" "}`)})
	expectError(t, conn, EventNoteUpdated, CodeInvalidPayload)

	if rejected := testutil.ToFloat64(metrics.MutationsRejected.WithLabelValues(string(EventJoinNote), CodeInvalidPayload)); rejected != 1 {
		t.Fatalf("expected one rejected join, got %v", rejected)
	}
	if received := testutil.ToFloat64(metrics.EventsReceived.WithLabelValues(string(EventNoteUpdated))); received != 1 {
		t.Fatalf("expected one received update, got %v", received)
	}
	if recorded.FilterMessage("realtime event rejected").Len() != 3 {
		t.Fatalf("expected three rejection log entries, got %d", recorded.FilterMessage("realtime event rejected").Len())
	}
}

func TestOnReplacesHandler(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	conn := hub.Connect("user-1", "")

	calls := 0
	hub.On(EventJoinNote, func(context.Context, *Connection, Envelope) error {
		calls++
		return nil
	})
	hub.On(EventJoinNote, func(context.Context, *Connection, Envelope) error {
		calls += 10
		return nil
	})
	dispatch(t, hub, conn, EventJoinNote, "note-1")
	if calls != 10 {
		t.Fatalf("expected only the latest handler to run, got %d", calls)
	}

	hub.Off(EventJoinNote)
	dispatch(t, hub, conn, EventJoinNote, "note-1")
	expectError(t, conn, EventJoinNote, CodeUnknownEvent)
}

func TestConnectAndDisconnectTrackGauge(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	hub, err := NewHub(HubConfig{Store: newTestStore(t, nil), Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	first := hub.Connect("user-1", "Firefox on Linux")
	second := hub.Connect("user-1", "")
	if gauge := testutil.ToFloat64(metrics.Connections); gauge != 2 {
		t.Fatalf("expected 2 connections, got %v", gauge)
	}
	hub.Disconnect(first)
	hub.Disconnect(first)
	if gauge := testutil.ToFloat64(metrics.Connections); gauge != 1 {
		t.Fatalf("expected 1 connection after repeated disconnect, got %v", gauge)
	}
	if !first.Closed() || second.Closed() {
		t.Fatalf("only the disconnected connection should close")
	}
	if first.Device() != "Firefox on Linux" {
		t.Fatalf("unexpected device label %q", first.Device())
	}
}

func TestRunWithoutRelayWaitsForCancellation(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Run(ctx); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

type flakyRelay struct {
	failures   int
	attempts   chan int
	subscribed chan struct{}
	calls      int
}

func (r *flakyRelay) Publish(context.Context, Publication) error {
	return nil
}

func (r *flakyRelay) Subscribe(ctx context.Context, _ func(Publication)) error {
	r.calls++
	r.attempts <- r.calls
	if r.calls <= r.failures {
		return errors.New("redis unavailable")
	}
	close(r.subscribed)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunResubscribesAfterRelayFailure(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	relay := &flakyRelay{failures: 2, attempts: make(chan int, 8), subscribed: make(chan struct{})}
	hub, err := NewHub(HubConfig{
		Store:           newTestStore(t, nil),
		Relay:           relay,
		Metrics:         metrics,
		RelayRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- hub.Run(ctx)
	}()

	select {
	case <-relay.subscribed:
	case <-time.After(3 * time.Second):
		t.Fatalf("relay was never resubscribed")
	}
	if attempts := len(relay.attempts); attempts != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %d", attempts)
	}
	if failures := testutil.ToFloat64(metrics.RelayFailures); failures != 2 {
		t.Fatalf("expected 2 relay failures, got %v", failures)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
}

func TestNewHubRequiresStore(t *testing.T) {
	if _, err := NewHub(HubConfig{}); err == nil {
		t.Fatalf("expected error without store")
	}
	var _ NoteStore = (*notes.Service)(nil)
}

func TestDispatchFrameRejectsUnparseableFrames(t *testing.T) {
	hub := newTestHub(t, newTestStore(t, nil), nil)
	conn := hub.Connect("user-1", "")

	hub.DispatchFrame(context.Background(), conn, []byte("not json"))
	expectError(t, conn, "", CodeInvalidPayload)

	hub.DispatchFrame(context.Background(), conn, []byte(`{"event":"join-note","data":"note-1"}`))
	expectNoFrame(t, conn)
	if !hub.Registry().IsMember(conn.ID(), NoteRoom("note-1")) {
		t.Fatalf("expected frame to be dispatched")
	}
}
