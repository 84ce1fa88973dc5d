package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidNote indicates that note fields failed validation.
	ErrInvalidNote = errors.New("notes: invalid note")
	// ErrNoteNotFound indicates the note does not exist.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrForbidden indicates the caller is neither owner nor collaborator, or attempted an
	// owner-only action.
	ErrForbidden = errors.New("notes: forbidden")
	// ErrUserNotFound indicates that a share target could not be resolved.
	ErrUserNotFound = errors.New("notes: user not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Note is the persisted note record. SharedWith and FavoritedBy are hydrated from their
// membership tables on every read.
type Note struct {
	NoteID      string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID     string    `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	Title       string    `gorm:"column:title;type:text;not null"`
	Content     string    `gorm:"column:content;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_notes_owner_updated,priority:2"`
	SharedWith  []string  `gorm:"-"`
	FavoritedBy []string  `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// IsOwner reports whether the user owns the note.
func (n Note) IsOwner(userID UserID) bool {
	return n.OwnerID == userID.String()
}

// IsCollaborator reports whether the user is in the shared-with set.
func (n Note) IsCollaborator(userID UserID) bool {
	return containsString(n.SharedWith, userID.String())
}

// IsVisibleTo reports whether the user may see the note.
func (n Note) IsVisibleTo(userID UserID) bool {
	return n.IsOwner(userID) || n.IsCollaborator(userID)
}

// IsFavoriteOf reports whether the user has favorited the note.
func (n Note) IsFavoriteOf(userID UserID) bool {
	return containsString(n.FavoritedBy, userID.String())
}

// Collaborator is one edge of a note's shared-with set.
type Collaborator struct {
	NoteID  string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID  string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	AddedAt time.Time `gorm:"column:added_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "note_collaborators"
}

// Favorite is one edge of a note's favorites set.
type Favorite struct {
	NoteID      string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FavoritedAt time.Time `gorm:"column:favorited_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Favorite) TableName() string {
	return "note_favorites"
}

// DeleteScope describes how far a deletion reached.
type DeleteScope string

const (
	// DeleteScopeAll means the owner removed the note for every viewer.
	DeleteScopeAll DeleteScope = "all"
	// DeleteScopeSelf means a collaborator removed only their own access.
	DeleteScopeSelf DeleteScope = "self"
)

// DeleteOutcome captures the result of an authorized deletion.
type DeleteOutcome struct {
	Note  Note
	Scope DeleteScope
}

// FavoriteOutcome captures the caller's favorite state after a toggle.
type FavoriteOutcome struct {
	NoteID     NoteID
	UserID     UserID
	IsFavorite bool
	UpdatedAt  time.Time
}

// ShareOutcome captures the result of a share request. AlreadyShared marks an idempotent
// request that changed nothing.
type ShareOutcome struct {
	Note           Note
	CollaboratorID UserID
	AlreadyShared  bool
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
