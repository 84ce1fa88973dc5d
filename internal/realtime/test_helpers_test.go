package realtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/notemax/notesync/internal/notes"
	"github.com/notemax/notesync/internal/users"
	"gorm.io/gorm"
)

type stubDirectory map[string]string

func (d stubDirectory) FindUserIDByEmail(_ context.Context, email string) (string, error) {
	userID, ok := d[users.NormalizeEmail(email)]
	if !ok {
		return "", users.ErrUserNotFound
	}
	return userID, nil
}

type recordingRelay struct {
	mu           sync.Mutex
	publications []Publication
	err          error
}

func (r *recordingRelay) Publish(_ context.Context, publication Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publications = append(r.publications, publication)
	return r.err
}

func (r *recordingRelay) Subscribe(ctx context.Context, _ func(Publication)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *recordingRelay) published() []Publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Publication(nil), r.publications...)
}

func newTestStore(t *testing.T, directory stubDirectory) *notes.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{})
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
	if err := db.AutoMigrate(&notes.Note{}, &notes.Collaborator{}, &notes.Favorite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	var (
		mu      sync.Mutex
		counter int
		current = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	service, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			current = current.Add(time.Second)
			return current
		},
		IDProvider: notes.IDProviderFunc(func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return fmt.Sprintf("note-%d", counter), nil
		}),
		Directory: directory,
	})
	if err != nil {
		t.Fatalf("failed to construct note service: %v", err)
	}
	return service
}

func newTestHub(t *testing.T, store NoteStore, relay Relay) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{Store: store, Relay: relay, BufferSize: 8})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

func mustEnvelope(t *testing.T, kind EventKind, payload interface{}) Envelope {
	t.Helper()
	envelope, err := NewEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return envelope
}

// nextFrame reads the next queued frame. Delivery is synchronous with Publish, so a
// missing frame means none was sent.
func nextFrame(t *testing.T, conn *Connection) Envelope {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if !ok {
			t.Fatalf("connection %s queue closed", conn.ID())
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		return envelope
	default:
		t.Fatalf("expected a frame for connection %s", conn.ID())
	}
	return Envelope{}
}

func expectNoFrame(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if ok {
			t.Fatalf("unexpected frame for connection %s: %s", conn.ID(), frame)
		}
	default:
	}
}

func decodePayload(t *testing.T, envelope Envelope, target interface{}) {
	t.Helper()
	if err := envelope.Decode(target); err != nil {
		t.Fatalf("failed to decode %s payload: %v", envelope.Event, err)
	}
}

func mustCreate(t *testing.T, store *notes.Service, owner, title string) notes.Note {
	t.Helper()
	note, err := store.CreateNote(context.Background(), notes.UserID(owner), title, title+" body")
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}
