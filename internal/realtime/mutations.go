package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/notemax/notesync/internal/notes"
	"go.uber.org/zap"
)

// DeleteNote removes the note through the store and announces the outcome. An owner
// deletion reaches every member of the note room. A collaborator leaving is announced
// only to the originating connection, or to the caller's user room when the request did
// not come over a realtime connection.
func (h *Hub) DeleteNote(ctx context.Context, caller notes.UserID, noteID notes.NoteID, origin *Connection) (notes.DeleteOutcome, error) {
	outcome, err := h.store.DeleteNote(ctx, caller, noteID)
	if err != nil {
		return notes.DeleteOutcome{}, err
	}

	var target Target
	switch {
	case outcome.Scope == notes.DeleteScopeAll:
		target = Room(NoteRoom(noteID.String()))
	case origin != nil:
		target = Direct(origin.ID())
	default:
		target = Room(UserRoom(caller.String()))
	}
	h.publish(ctx, EventNoteDeleted, NoteDeletedPayload{NoteID: noteID.String()}, target)
	return outcome, nil
}

// ToggleFavorite flips the caller's favorite and announces the new state to the note room.
func (h *Hub) ToggleFavorite(ctx context.Context, caller notes.UserID, noteID notes.NoteID) (notes.FavoriteOutcome, error) {
	outcome, err := h.store.ToggleFavorite(ctx, caller, noteID)
	if err != nil {
		return notes.FavoriteOutcome{}, err
	}
	h.publish(ctx, EventNoteFavorited, NoteFavoritedPayload{
		NoteID:     noteID.String(),
		IsFavorite: outcome.IsFavorite,
		UpdatedAt:  outcome.UpdatedAt,
		UserID:     caller.String(),
	}, Room(NoteRoom(noteID.String())))
	return outcome, nil
}

// ShareNote adds a collaborator and sends the updated note to the note room and to the new
// collaborator's user room. A share that changed nothing is not announced.
func (h *Hub) ShareNote(ctx context.Context, caller notes.UserID, noteID notes.NoteID, email string) (notes.ShareOutcome, error) {
	outcome, err := h.store.ShareNote(ctx, caller, noteID, email)
	if err != nil {
		return notes.ShareOutcome{}, err
	}
	if outcome.AlreadyShared {
		return outcome, nil
	}
	h.publish(ctx, EventNoteShared, NewNoteView(outcome.Note),
		Room(NoteRoom(noteID.String())),
		Room(UserRoom(outcome.CollaboratorID.String())))
	return outcome, nil
}

func (h *Hub) publish(ctx context.Context, kind EventKind, payload interface{}, targets ...Target) {
	envelope, err := NewEnvelope(kind, payload)
	if err != nil {
		h.logger.Error("realtime publish failed", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	if _, err := h.broadcaster.Publish(ctx, envelope, targets...); err != nil {
		h.logger.Error("realtime publish failed", zap.String("event", string(kind)), zap.Error(err))
	}
}

// register-user joins the caller's own user room. A payload naming anyone else is refused.
func (h *Hub) handleRegisterUser(_ context.Context, conn *Connection, envelope Envelope) error {
	var ref UserRef
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := envelope.Decode(&ref); err != nil {
			return err
		}
	}
	if ref.UserID != "" && ref.UserID != conn.UserID() {
		return fmt.Errorf("%w: register-user for %q", ErrIdentityMismatch, ref.UserID)
	}
	h.registry.Join(conn, UserRoom(conn.UserID()))
	return nil
}

// join-note subscribes without an authorization check; only authorized mutations ever
// publish into a note room.
func (h *Hub) handleJoinNote(_ context.Context, conn *Connection, envelope Envelope) error {
	var ref NoteRef
	if err := envelope.Decode(&ref); err != nil {
		return err
	}
	noteID, err := notes.NewNoteID(ref.NoteID)
	if err != nil {
		return err
	}
	h.registry.Join(conn, NoteRoom(noteID.String()))
	return nil
}

func (h *Hub) handleNoteCreated(ctx context.Context, conn *Connection, envelope Envelope) error {
	var view NoteView
	if err := envelope.Decode(&view); err != nil {
		return err
	}
	if _, err := notes.NewNoteID(view.ID); err != nil {
		return err
	}
	view.OwnerID = conn.UserID()
	h.publish(ctx, EventNoteCreated, view, Everyone(conn.ID()))
	return nil
}

// note-updated re-announces the client's saved fields to the other room members. The
// persisted write already passed the REST authorization check.
func (h *Hub) handleNoteUpdated(ctx context.Context, conn *Connection, envelope Envelope) error {
	var payload NoteUpdatedPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	noteID, err := notes.NewNoteID(payload.NoteID)
	if err != nil {
		return err
	}
	payload.NoteID = noteID.String()
	h.publish(ctx, EventNoteUpdated, payload, RoomExcept(NoteRoom(noteID.String()), conn.ID()))
	return nil
}

// note-deleted runs the deletion on behalf of the connection's identity; the payload userId
// is ignored. A note that is already gone is a silent no-op.
func (h *Hub) handleNoteDeleted(ctx context.Context, conn *Connection, envelope Envelope) error {
	var payload NoteDeletedPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	noteID, err := notes.NewNoteID(payload.NoteID)
	if err != nil {
		return err
	}
	caller, err := notes.NewUserID(conn.UserID())
	if err != nil {
		return err
	}
	_, err = h.DeleteNote(ctx, caller, noteID, conn)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return nil
	}
	return err
}

// note-favorited is relayed only for a sender who can still see the note.
func (h *Hub) handleNoteFavorited(ctx context.Context, conn *Connection, envelope Envelope) error {
	var payload NoteFavoritedPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	noteID, err := notes.NewNoteID(payload.NoteID)
	if err != nil {
		return err
	}
	caller, err := notes.NewUserID(conn.UserID())
	if err != nil {
		return err
	}
	if _, err := h.store.GetVisibleNote(ctx, caller, noteID); err != nil {
		return err
	}
	payload.NoteID = noteID.String()
	payload.UserID = conn.UserID()
	h.publish(ctx, EventNoteFavorited, payload, RoomExcept(NoteRoom(noteID.String()), conn.ID()))
	return nil
}
