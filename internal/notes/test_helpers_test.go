package notes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/notemax/notesync/internal/users"
	"gorm.io/gorm"
)

type stubDirectory struct {
	byEmail map[string]string
}

func (d stubDirectory) FindUserIDByEmail(_ context.Context, email string) (string, error) {
	normalized := users.NormalizeEmail(email)
	if normalized == "" {
		return "", users.ErrInvalidEmail
	}
	userID, ok := d.byEmail[normalized]
	if !ok {
		return "", users.ErrUserNotFound
	}
	return userID, nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{current: start}
}

// Now advances the clock by one second on every call.
func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func sequentialIDs() IDProvider {
	var mu sync.Mutex
	next := 0
	return IDProviderFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("note-%d", next), nil
	})
}

func newTestService(t *testing.T, directory UserDirectory) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notes.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Note{}, &Collaborator{}, &Favorite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := newSteppingClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: sequentialIDs(),
		Directory:  directory,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustCreateNote(t *testing.T, service *Service, owner UserID, title string) Note {
	t.Helper()
	note, err := service.CreateNote(context.Background(), owner, title, strings.ToLower(title)+" body")
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}

func mustShare(t *testing.T, service *Service, owner UserID, note Note, email string) ShareOutcome {
	t.Helper()
	outcome, err := service.ShareNote(context.Background(), owner, mustNoteID(t, note.NoteID), email)
	if err != nil {
		t.Fatalf("failed to share note: %v", err)
	}
	return outcome
}
