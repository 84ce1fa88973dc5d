package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notemax/notesync/internal/notes"
)

// EventKind names a frame on the realtime channel.
type EventKind string

const (
	EventRegisterUser  EventKind = "register-user"
	EventJoinNote      EventKind = "join-note"
	EventNoteCreated   EventKind = "note-created"
	EventNoteUpdated   EventKind = "note-updated"
	EventNoteDeleted   EventKind = "note-deleted"
	EventNoteFavorited EventKind = "note-favorited"
	EventNoteShared    EventKind = "note-shared"
	EventError         EventKind = "error"
)

var (
	// ErrInvalidPayload indicates a frame whose data could not be decoded for its kind.
	ErrInvalidPayload = errors.New("realtime: invalid payload")
	// ErrUnknownEvent indicates a frame kind with no registered handler.
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrIdentityMismatch indicates a payload naming a user other than the authenticated one.
	ErrIdentityMismatch = errors.New("realtime: identity mismatch")
)

// Envelope is the wire frame: {"event": "...", "data": ...}.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the data of a frame of the given kind.
func NewEnvelope(kind EventKind, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("realtime: encode %s payload: %w", kind, err)
	}
	return Envelope{Event: kind, Data: data}, nil
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(string(envelope.Event)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return envelope, nil
}

// Decode unmarshals the frame data into target.
func (e Envelope) Decode(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

// NoteView is the wire representation of a stored note.
type NoteView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	OwnerID    string    `json:"ownerId"`
	SharedWith []string  `json:"sharedWith"`
	Favorites  []string  `json:"favorites"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewNoteView converts a stored note into its wire form.
func NewNoteView(note notes.Note) NoteView {
	sharedWith := note.SharedWith
	if sharedWith == nil {
		sharedWith = []string{}
	}
	favorites := note.FavoritedBy
	if favorites == nil {
		favorites = []string{}
	}
	return NoteView{
		ID:         note.NoteID,
		Title:      note.Title,
		Content:    note.Content,
		OwnerID:    note.OwnerID,
		SharedWith: sharedWith,
		Favorites:  favorites,
		CreatedAt:  note.CreatedAt,
		UpdatedAt:  note.UpdatedAt,
	}
}

// UserRef identifies a user. register-user accepts either a bare string or {"userId": "..."}.
type UserRef struct {
	UserID string `json:"userId"`
}

// UnmarshalJSON accepts a bare string or an object.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.UserID = bare
		return nil
	}
	type plain UserRef
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = UserRef(decoded)
	return nil
}

// NoteRef identifies a note. join-note accepts either a bare string or {"noteId": "..."}.
type NoteRef struct {
	NoteID string `json:"noteId"`
}

// UnmarshalJSON accepts a bare string or an object.
func (r *NoteRef) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.NoteID = bare
		return nil
	}
	type plain NoteRef
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = NoteRef(decoded)
	return nil
}

type NoteUpdatedPayload struct {
	NoteID  string `json:"noteId"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NoteDeletedPayload is sent by clients with an optional userId, which the server ignores,
// and echoed to clients with only the note id.
type NoteDeletedPayload struct {
	NoteID string `json:"noteId"`
	UserID string `json:"userId,omitempty"`
}

// NoteFavoritedPayload carries the acting user so receivers apply IsFavorite only to their
// own view; UpdatedAt applies to every viewer.
type NoteFavoritedPayload struct {
	NoteID     string    `json:"noteId"`
	IsFavorite bool      `json:"isFavorite"`
	UpdatedAt  time.Time `json:"updatedAt"`
	UserID     string    `json:"userId,omitempty"`
}

// ErrorPayload reports a rejected client frame back to its sender.
type ErrorPayload struct {
	Event  EventKind `json:"event"`
	NoteID string    `json:"noteId,omitempty"`
	Code   string    `json:"code"`
}

const (
	CodeNotFound       = "not_found"
	CodeUserNotFound   = "user_not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeInternal       = "internal"
)

// ErrorCode maps a handler failure onto the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		return CodeNotFound
	case errors.Is(err, notes.ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, notes.ErrForbidden), errors.Is(err, ErrIdentityMismatch):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, notes.ErrInvalidNoteID),
		errors.Is(err, notes.ErrInvalidUserID),
		errors.Is(err, notes.ErrInvalidNote):
		return CodeInvalidPayload
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}
