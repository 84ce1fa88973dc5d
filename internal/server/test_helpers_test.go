package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/notemax/notesync/internal/auth"
	"github.com/notemax/notesync/internal/notes"
	"github.com/notemax/notesync/internal/realtime"
	"github.com/notemax/notesync/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubSessionValidator accepts "Bearer <userID>" or ?access_token=<userID>.
type stubSessionValidator struct {
	err error
}

func (s stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return auth.SessionClaims{UserID: token, UserEmail: token + "@example.com"}, nil
}

type stubUserResolver struct {
	err error
}

func (s stubUserResolver) ResolveCanonicalUserID(_ context.Context, claims auth.SessionClaims) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "canonical-" + claims.UserID, nil
}

type stubDirectory map[string]string

func (d stubDirectory) FindUserIDByEmail(_ context.Context, email string) (string, error) {
	userID, ok := d[users.NormalizeEmail(email)]
	if !ok {
		return "", users.ErrUserNotFound
	}
	return userID, nil
}

type testServer struct {
	handler  http.Handler
	notes    *notes.Service
	hub      *realtime.Hub
	registry *prometheus.Registry
}

func newTestNotesService(t *testing.T, directory notes.UserDirectory) *notes.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
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
		current = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
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

func newTestServer(t *testing.T, directory stubDirectory) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := newTestNotesService(t, directory)
	registry := prometheus.NewRegistry()
	hub, err := realtime.NewHub(realtime.HubConfig{
		Store:      service,
		Metrics:    realtime.NewMetrics(registry),
		BufferSize: 16,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{},
		NotesService:     service,
		Hub:              hub,
		Metrics:          registry,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return testServer{handler: handler, notes: service, hub: hub, registry: registry}
}

func (s testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+userID)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustCreateNote(t *testing.T, service *notes.Service, owner, title string) notes.Note {
	t.Helper()
	note, err := service.CreateNote(context.Background(), notes.UserID(owner), title, title+" body")
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}

func mustShareNote(t *testing.T, service *notes.Service, owner string, note notes.Note, email string) {
	t.Helper()
	if _, err := service.ShareNote(context.Background(), notes.UserID(owner), notes.NoteID(note.NoteID), email); err != nil {
		t.Fatalf("failed to share note: %v", err)
	}
}

var errStubFailure = errors.New("stub failure")
