package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/notemax/notesync/internal/notes"
	"github.com/notemax/notesync/internal/realtime"
)

type noteRequestPayload struct {
	Title   string `json:"title" binding:"required,max=512"`
	Content string `json:"content" binding:"max=200000"`
}

type shareRequestPayload struct {
	Email string `json:"email" binding:"required,email"`
}

type listNotesResponsePayload struct {
	Notes []realtime.NoteView `json:"notes"`
}

type deleteResponsePayload struct {
	NoteID string            `json:"noteId"`
	Scope  notes.DeleteScope `json:"scope"`
}

type favoriteResponsePayload struct {
	NoteID     string    `json:"noteId"`
	IsFavorite bool      `json:"isFavorite"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type shareResponsePayload struct {
	Status string            `json:"status"`
	Note   realtime.NoteView `json:"note"`
}

const (
	shareStatusShared        = "shared"
	shareStatusAlreadyShared = "already_shared"
)

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		return
	}
	var request noteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingErrorCode(err)})
		return
	}
	note, err := h.notesService.CreateNote(c.Request.Context(), caller, request.Title, request.Content)
	if err != nil {
		h.respondServiceError(c, "create_note", err)
		return
	}
	c.JSON(http.StatusCreated, realtime.NewNoteView(note))
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	caller, ok := callerFromContext(c)
	if !ok {
		return
	}
	stored, err := h.notesService.ListNotes(c.Request.Context(), caller)
	if err != nil {
		h.respondServiceError(c, "list_notes", err)
		return
	}
	response := listNotesResponsePayload{Notes: make([]realtime.NoteView, 0, len(stored))}
	for _, note := range stored {
		response.Notes = append(response.Notes, realtime.NewNoteView(note))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	caller, noteID, ok := h.noteRequestTarget(c, "id")
	if !ok {
		return
	}
	note, err := h.notesService.GetVisibleNote(c.Request.Context(), caller, noteID)
	if err != nil {
		h.respondServiceError(c, "get_note", err)
		return
	}
	c.JSON(http.StatusOK, realtime.NewNoteView(note))
}

// handleUpdateNote persists the edit. Peers learn about it when the editing client
// re-announces the saved fields over its realtime connection.
func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	caller, noteID, ok := h.noteRequestTarget(c, "id")
	if !ok {
		return
	}
	var request noteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingErrorCode(err)})
		return
	}
	note, err := h.notesService.UpdateNote(c.Request.Context(), caller, noteID, request.Title, request.Content)
	if err != nil {
		h.respondServiceError(c, "update_note", err)
		return
	}
	c.JSON(http.StatusOK, realtime.NewNoteView(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	caller, noteID, ok := h.noteRequestTarget(c, "id")
	if !ok {
		return
	}
	outcome, err := h.hub.DeleteNote(c.Request.Context(), caller, noteID, nil)
	if err != nil {
		h.respondServiceError(c, "delete_note", err)
		return
	}
	c.JSON(http.StatusOK, deleteResponsePayload{NoteID: noteID.String(), Scope: outcome.Scope})
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	caller, noteID, ok := h.noteRequestTarget(c, "id")
	if !ok {
		return
	}
	outcome, err := h.hub.ToggleFavorite(c.Request.Context(), caller, noteID)
	if err != nil {
		h.respondServiceError(c, "toggle_favorite", err)
		return
	}
	c.JSON(http.StatusOK, favoriteResponsePayload{
		NoteID:     noteID.String(),
		IsFavorite: outcome.IsFavorite,
		UpdatedAt:  outcome.UpdatedAt,
	})
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	caller, noteID, ok := h.noteRequestTarget(c, "noteId")
	if !ok {
		return
	}
	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingErrorCode(err)})
		return
	}
	outcome, err := h.hub.ShareNote(c.Request.Context(), caller, noteID, request.Email)
	if err != nil {
		h.respondServiceError(c, "share_note", err)
		return
	}
	status := shareStatusShared
	if outcome.AlreadyShared {
		status = shareStatusAlreadyShared
	}
	c.JSON(http.StatusOK, shareResponsePayload{Status: status, Note: realtime.NewNoteView(outcome.Note)})
}

func (h *httpHandler) noteRequestTarget(c *gin.Context, param string) (notes.UserID, notes.NoteID, bool) {
	caller, ok := callerFromContext(c)
	if !ok {
		return "", "", false
	}
	noteID, err := notes.NewNoteID(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", "", false
	}
	return caller, noteID, true
}
