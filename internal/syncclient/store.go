package syncclient

import (
	"sort"
	"sync"

	"github.com/notemax/notesync/internal/realtime"
)

// Store is the client's local view of the notes visible to one user, keyed by note id.
// Realtime events are hints applied on top of it; Replace installs an authoritative
// refetch.
type Store struct {
	mu     sync.RWMutex
	userID string
	notes  map[string]realtime.NoteView
}

func NewStore(userID string) *Store {
	return &Store{userID: userID, notes: make(map[string]realtime.NoteView)}
}

func (s *Store) UserID() string {
	return s.userID
}

// Replace discards the local view and installs views.
func (s *Store) Replace(views []realtime.NoteView) {
	next := make(map[string]realtime.NoteView, len(views))
	for _, view := range views {
		next[view.ID] = normalizeView(view)
	}
	s.mu.Lock()
	s.notes = next
	s.mu.Unlock()
}

// Upsert stores view as returned by the server.
func (s *Store) Upsert(view realtime.NoteView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[view.ID] = normalizeView(view)
}

func (s *Store) Remove(noteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[noteID]; !ok {
		return false
	}
	delete(s.notes, noteID)
	return true
}

func (s *Store) Get(noteID string) (realtime.NoteView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.notes[noteID]
	return view, ok
}

// Notes returns the held notes, most recently updated first.
func (s *Store) Notes() []realtime.NoteView {
	s.mu.RLock()
	views := make([]realtime.NoteView, 0, len(s.notes))
	for _, view := range s.notes {
		views = append(views, view)
	}
	s.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool {
		if views[i].UpdatedAt.Equal(views[j].UpdatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].UpdatedAt.After(views[j].UpdatedAt)
	})
	return views
}

// IDs returns the held note ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.notes))
	for id := range s.notes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes)
}

// Apply reconciles one inbound event into the store and reports whether the local view
// changed. Events for notes the store does not hold are ignored, except creations and
// shares that make a note visible to the local user.
func (s *Store) Apply(envelope realtime.Envelope) (bool, error) {
	switch envelope.Event {
	case realtime.EventNoteCreated:
		var view realtime.NoteView
		if err := envelope.Decode(&view); err != nil {
			return false, err
		}
		return s.insertIfVisible(view, false), nil
	case realtime.EventNoteShared:
		var view realtime.NoteView
		if err := envelope.Decode(&view); err != nil {
			return false, err
		}
		return s.insertIfVisible(view, true), nil
	case realtime.EventNoteUpdated:
		var payload realtime.NoteUpdatedPayload
		if err := envelope.Decode(&payload); err != nil {
			return false, err
		}
		return s.patch(payload.NoteID, func(view *realtime.NoteView) {
			view.Title = payload.Title
			view.Content = payload.Content
		}), nil
	case realtime.EventNoteDeleted:
		var payload realtime.NoteDeletedPayload
		if err := envelope.Decode(&payload); err != nil {
			return false, err
		}
		return s.Remove(payload.NoteID), nil
	case realtime.EventNoteFavorited:
		var payload realtime.NoteFavoritedPayload
		if err := envelope.Decode(&payload); err != nil {
			return false, err
		}
		return s.patch(payload.NoteID, func(view *realtime.NoteView) {
			if !payload.UpdatedAt.IsZero() {
				view.UpdatedAt = payload.UpdatedAt
			}
			// Favorites are per user; another member's toggle only moves the timestamp.
			if payload.UserID == s.userID {
				view.Favorites = setMembership(view.Favorites, s.userID, payload.IsFavorite)
			}
		}), nil
	default:
		return false, nil
	}
}

func (s *Store) insertIfVisible(view realtime.NoteView, overwrite bool) bool {
	if view.ID == "" || !visibleTo(view, s.userID) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notes[view.ID]; exists && !overwrite {
		return false
	}
	s.notes[view.ID] = normalizeView(view)
	return true
}

func (s *Store) patch(noteID string, mutate func(view *realtime.NoteView)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.notes[noteID]
	if !ok {
		return false
	}
	mutate(&view)
	s.notes[noteID] = view
	return true
}

func visibleTo(view realtime.NoteView, userID string) bool {
	if view.OwnerID == userID {
		return true
	}
	for _, member := range view.SharedWith {
		if member == userID {
			return true
		}
	}
	return false
}

func setMembership(values []string, userID string, present bool) []string {
	filtered := make([]string, 0, len(values)+1)
	for _, value := range values {
		if value != userID {
			filtered = append(filtered, value)
		}
	}
	if present {
		filtered = append(filtered, userID)
	}
	return filtered
}

func normalizeView(view realtime.NoteView) realtime.NoteView {
	if view.SharedWith == nil {
		view.SharedWith = []string{}
	}
	if view.Favorites == nil {
		view.Favorites = []string{}
	}
	return view
}
