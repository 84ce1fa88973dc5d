package notes

import (
	"context"
	"errors"

	"github.com/notemax/notesync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeleteNote removes the note for everyone when the caller owns it, or removes only the
// caller's access when they are a collaborator. Any other caller is rejected.
func (s *Service) DeleteNote(ctx context.Context, caller UserID, noteID NoteID) (DeleteOutcome, error) {
	if s.db == nil {
		return DeleteOutcome{}, newServiceError(opDeleteNote, reasonMissingDB, errMissingDatabase)
	}

	var outcome DeleteOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.loadNote(tx, noteID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteNote, reasonNotFound, ErrNoteNotFound)
		}
		if err != nil {
			s.logError(opDeleteNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDeleteNote, reasonQueryFailed, err)
		}

		switch {
		case note.IsOwner(caller):
			result := tx.Where(queryNoteOwner, noteID.String(), caller.String()).Delete(&Note{})
			if result.Error != nil {
				s.logError(opDeleteNote, "note_delete_failed", result.Error,
					zap.String(fieldUserID, caller.String()),
					zap.String(fieldNoteID, noteID.String()))
				return newServiceError(opDeleteNote, "note_delete_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return newServiceError(opDeleteNote, reasonNotFound, ErrNoteNotFound)
			}
			if err := tx.Where(queryNoteID, noteID.String()).Delete(&Collaborator{}).Error; err != nil {
				return newServiceError(opDeleteNote, "collaborators_delete_failed", err)
			}
			if err := tx.Where(queryNoteID, noteID.String()).Delete(&Favorite{}).Error; err != nil {
				return newServiceError(opDeleteNote, "favorites_delete_failed", err)
			}
			outcome = DeleteOutcome{Note: note, Scope: DeleteScopeAll}
			return nil
		case note.IsCollaborator(caller):
			result := tx.Where(queryNoteUser, noteID.String(), caller.String()).Delete(&Collaborator{})
			if result.Error != nil {
				s.logError(opDeleteNote, "collaborator_delete_failed", result.Error,
					zap.String(fieldUserID, caller.String()),
					zap.String(fieldNoteID, noteID.String()))
				return newServiceError(opDeleteNote, "collaborator_delete_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return newServiceError(opDeleteNote, reasonNotFound, ErrNoteNotFound)
			}
			if err := tx.Where(queryNoteUser, noteID.String(), caller.String()).Delete(&Favorite{}).Error; err != nil {
				return newServiceError(opDeleteNote, "favorite_delete_failed", err)
			}
			note.SharedWith = removeString(note.SharedWith, caller.String())
			note.FavoritedBy = removeString(note.FavoritedBy, caller.String())
			outcome = DeleteOutcome{Note: note, Scope: DeleteScopeSelf}
			return nil
		default:
			return newServiceError(opDeleteNote, reasonForbidden, ErrForbidden)
		}
	})
	if txErr != nil {
		return DeleteOutcome{}, txErr
	}
	return outcome, nil
}

// ToggleFavorite flips the caller's presence in the favorites set and stamps the note's
// update time. Toggles by different users touch different rows and never conflict.
func (s *Service) ToggleFavorite(ctx context.Context, caller UserID, noteID NoteID) (FavoriteOutcome, error) {
	if s.db == nil {
		return FavoriteOutcome{}, newServiceError(opToggleFavorite, reasonMissingDB, errMissingDatabase)
	}

	var outcome FavoriteOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.loadNote(tx, noteID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opToggleFavorite, reasonNotFound, ErrNoteNotFound)
		}
		if err != nil {
			s.logError(opToggleFavorite, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opToggleFavorite, reasonQueryFailed, err)
		}
		if !note.IsVisibleTo(caller) {
			return newServiceError(opToggleFavorite, reasonForbidden, ErrForbidden)
		}

		now := s.now()
		result := tx.Where(queryNoteUser, noteID.String(), caller.String()).Delete(&Favorite{})
		if result.Error != nil {
			s.logError(opToggleFavorite, "favorite_delete_failed", result.Error,
				zap.String(fieldUserID, caller.String()),
				zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opToggleFavorite, "favorite_delete_failed", result.Error)
		}
		isFavorite := result.RowsAffected == 0
		if isFavorite {
			favorite := Favorite{NoteID: noteID.String(), UserID: caller.String(), FavoritedAt: now}
			if err := tx.Create(&favorite).Error; err != nil {
				s.logError(opToggleFavorite, "favorite_insert_failed", err,
					zap.String(fieldUserID, caller.String()),
					zap.String(fieldNoteID, noteID.String()))
				return newServiceError(opToggleFavorite, "favorite_insert_failed", err)
			}
		}

		if err := tx.Model(&Note{}).Where(queryNoteID, noteID.String()).Update("updated_at", now).Error; err != nil {
			s.logError(opToggleFavorite, "timestamp_update_failed", err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opToggleFavorite, "timestamp_update_failed", err)
		}

		outcome = FavoriteOutcome{
			NoteID:     noteID,
			UserID:     caller,
			IsFavorite: isFavorite,
			UpdatedAt:  now,
		}
		return nil
	})
	if txErr != nil {
		return FavoriteOutcome{}, txErr
	}
	return outcome, nil
}

// ShareNote adds the user registered under email to the note's collaborators. Only the owner
// may share; sharing with an existing collaborator (or the owner) succeeds without changes.
func (s *Service) ShareNote(ctx context.Context, caller UserID, noteID NoteID, email string) (ShareOutcome, error) {
	if s.db == nil {
		return ShareOutcome{}, newServiceError(opShareNote, reasonMissingDB, errMissingDatabase)
	}
	if s.directory == nil {
		return ShareOutcome{}, newServiceError(opShareNote, "missing_directory", errMissingDirectory)
	}

	// Ownership is checked before the directory lookup so non-owners cannot probe which
	// addresses are registered.
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return ShareOutcome{}, err
	}
	if !note.IsOwner(caller) {
		return ShareOutcome{}, newServiceError(opShareNote, reasonForbidden, ErrForbidden)
	}

	rawTargetID, err := s.directory.FindUserIDByEmail(ctx, email)
	if errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrInvalidEmail) {
		return ShareOutcome{}, newServiceError(opShareNote, "user_not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opShareNote, "directory_lookup_failed", err, zap.String(fieldNoteID, noteID.String()))
		return ShareOutcome{}, newServiceError(opShareNote, "directory_lookup_failed", err)
	}
	targetID, err := NewUserID(rawTargetID)
	if err != nil {
		return ShareOutcome{}, newServiceError(opShareNote, "user_not_found", ErrUserNotFound)
	}

	if note.IsOwner(targetID) || note.IsCollaborator(targetID) {
		return ShareOutcome{Note: note, CollaboratorID: targetID, AlreadyShared: true}, nil
	}

	var outcome ShareOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		touched := tx.Model(&Note{}).
			Where(queryNoteOwner, noteID.String(), caller.String()).
			Update("updated_at", now)
		if touched.Error != nil {
			s.logError(opShareNote, "timestamp_update_failed", touched.Error, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opShareNote, "timestamp_update_failed", touched.Error)
		}
		if touched.RowsAffected == 0 {
			return newServiceError(opShareNote, reasonNotFound, ErrNoteNotFound)
		}

		collaborator := Collaborator{NoteID: noteID.String(), UserID: targetID.String(), AddedAt: now}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&collaborator)
		if inserted.Error != nil {
			s.logError(opShareNote, "collaborator_insert_failed", inserted.Error,
				zap.String(fieldUserID, targetID.String()),
				zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opShareNote, "collaborator_insert_failed", inserted.Error)
		}

		updated, err := s.loadNote(tx, noteID)
		if err != nil {
			return newServiceError(opShareNote, reasonQueryFailed, err)
		}
		outcome = ShareOutcome{
			Note:           updated,
			CollaboratorID: targetID,
			AlreadyShared:  inserted.RowsAffected == 0,
		}
		return nil
	})
	if txErr != nil {
		return ShareOutcome{}, txErr
	}
	return outcome, nil
}

func removeString(values []string, target string) []string {
	filtered := make([]string, 0, len(values))
	for _, value := range values {
		if value != target {
			filtered = append(filtered, value)
		}
	}
	return filtered
}
