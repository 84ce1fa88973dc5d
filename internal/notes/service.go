package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("user directory is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "notes.service.new"
	opCreateNote      = "notes.create_note"
	opGetNote         = "notes.get_note"
	opListNotes       = "notes.list_notes"
	opUpdateNote      = "notes.update_note"
	opDeleteNote      = "notes.delete_note"
	opToggleFavorite  = "notes.toggle_favorite"
	opShareNote       = "notes.share_note"
	fieldUserID       = "user_id"
	fieldNoteID       = "note_id"
	queryNoteID       = fieldNoteID + " = ?"
	queryNoteUser     = fieldNoteID + " = ? AND " + fieldUserID + " = ?"
	queryNoteOwner    = fieldNoteID + " = ? AND owner_id = ?"
	queryVisibleTo    = "(owner_id = ? OR EXISTS (SELECT 1 FROM note_collaborators WHERE note_collaborators.note_id = notes.note_id AND note_collaborators.user_id = ?))"
	orderUpdatedDesc  = "updated_at DESC"
	reasonMissingDB   = "missing_database"
	reasonNotFound    = "note_not_found"
	reasonForbidden   = "forbidden"
	reasonQueryFailed = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// UserDirectory resolves human-entered addresses to user ids.
type UserDirectory interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Directory  UserDirectory
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the document store for notes and their sharing and favorite sets. Every
// mutation re-derives the caller's rights from stored state.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	directory  UserDirectory
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		directory:  cfg.Directory,
		logger:     logger,
	}, nil
}

// CreateNote persists a new note owned by the caller.
func (s *Service) CreateNote(ctx context.Context, owner UserID, title, content string) (Note, error) {
	if s.db == nil {
		return Note{}, newServiceError(opCreateNote, reasonMissingDB, errMissingDatabase)
	}
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return Note{}, newServiceError(opCreateNote, "empty_title", ErrInvalidNote)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String(fieldUserID, owner.String()))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	now := s.now()
	note := Note{
		NoteID:    noteID,
		OwnerID:   owner.String(),
		Title:     trimmedTitle,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "note_insert_failed", err,
			zap.String(fieldUserID, owner.String()),
			zap.String(fieldNoteID, noteID))
		return Note{}, newServiceError(opCreateNote, "note_insert_failed", err)
	}
	note.SharedWith = []string{}
	note.FavoritedBy = []string{}
	return note, nil
}

// GetNote loads a note with its membership sets regardless of the caller.
func (s *Service) GetNote(ctx context.Context, noteID NoteID) (Note, error) {
	if s.db == nil {
		return Note{}, newServiceError(opGetNote, reasonMissingDB, errMissingDatabase)
	}
	note, err := s.loadNote(s.db.WithContext(ctx), noteID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(opGetNote, reasonNotFound, ErrNoteNotFound)
	}
	if err != nil {
		s.logError(opGetNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opGetNote, reasonQueryFailed, err)
	}
	return note, nil
}

// GetVisibleNote loads a note the caller owns or collaborates on.
func (s *Service) GetVisibleNote(ctx context.Context, caller UserID, noteID NoteID) (Note, error) {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return Note{}, err
	}
	if !note.IsVisibleTo(caller) {
		return Note{}, newServiceError(opGetNote, reasonForbidden, ErrForbidden)
	}
	return note, nil
}

// ListNotes returns every note the caller owns or collaborates on, most recently updated first.
func (s *Service) ListNotes(ctx context.Context, caller UserID) ([]Note, error) {
	if s.db == nil {
		s.logError(opListNotes, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListNotes, reasonMissingDB, errMissingDatabase)
	}

	db := s.db.WithContext(ctx)
	var notes []Note
	if err := db.
		Where(queryVisibleTo, caller.String(), caller.String()).
		Order(orderUpdatedDesc).
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err, zap.String(fieldUserID, caller.String()))
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}
	if err := hydrateMembership(db, notes); err != nil {
		s.logError(opListNotes, "membership_query_failed", err, zap.String(fieldUserID, caller.String()))
		return nil, newServiceError(opListNotes, "membership_query_failed", err)
	}
	return notes, nil
}

// UpdateNote overwrites title and content when the caller owns or collaborates on the note.
// Concurrent saves race at the store and the last write wins.
func (s *Service) UpdateNote(ctx context.Context, caller UserID, noteID NoteID, title, content string) (Note, error) {
	if s.db == nil {
		return Note{}, newServiceError(opUpdateNote, reasonMissingDB, errMissingDatabase)
	}
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return Note{}, newServiceError(opUpdateNote, "empty_title", ErrInvalidNote)
	}

	db := s.db.WithContext(ctx)
	result := db.Model(&Note{}).
		Where(queryNoteID, noteID.String()).
		Where(queryVisibleTo, caller.String(), caller.String()).
		Updates(map[string]interface{}{
			"title":      trimmedTitle,
			"content":    content,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		s.logError(opUpdateNote, "note_update_failed", result.Error,
			zap.String(fieldUserID, caller.String()),
			zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opUpdateNote, "note_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetNote(ctx, noteID); err != nil {
			return Note{}, err
		}
		return Note{}, newServiceError(opUpdateNote, reasonForbidden, ErrForbidden)
	}
	return s.GetNote(ctx, noteID)
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) loadNote(db *gorm.DB, noteID NoteID) (Note, error) {
	var note Note
	if err := db.Where(queryNoteID, noteID.String()).Take(&note).Error; err != nil {
		return Note{}, err
	}
	notes := []Note{note}
	if err := hydrateMembership(db, notes); err != nil {
		return Note{}, err
	}
	return notes[0], nil
}

func hydrateMembership(db *gorm.DB, notes []Note) error {
	if len(notes) == 0 {
		return nil
	}
	noteIDs := make([]string, 0, len(notes))
	positions := make(map[string]int, len(notes))
	for index := range notes {
		notes[index].SharedWith = []string{}
		notes[index].FavoritedBy = []string{}
		noteIDs = append(noteIDs, notes[index].NoteID)
		positions[notes[index].NoteID] = index
	}

	var collaborators []Collaborator
	if err := db.Where(fieldNoteID+" IN ?", noteIDs).
		Order("added_at ASC, user_id ASC").
		Find(&collaborators).Error; err != nil {
		return err
	}
	for _, collaborator := range collaborators {
		if index, ok := positions[collaborator.NoteID]; ok {
			notes[index].SharedWith = append(notes[index].SharedWith, collaborator.UserID)
		}
	}

	var favorites []Favorite
	if err := db.Where(fieldNoteID+" IN ?", noteIDs).
		Order("favorited_at ASC, user_id ASC").
		Find(&favorites).Error; err != nil {
		return err
	}
	for _, favorite := range favorites {
		if index, ok := positions[favorite.NoteID]; ok {
			notes[index].FavoritedBy = append(notes[index].FavoritedBy, favorite.UserID)
		}
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
