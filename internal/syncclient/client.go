package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/notemax/notesync/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	realtimePath          = "/realtime"
	notesPath             = "/notes"
)

var (
	ErrMissingBaseURL = errors.New("syncclient: base url required")
	ErrMissingToken   = errors.New("syncclient: session token required")
	ErrMissingUserID  = errors.New("syncclient: user id required")
	ErrNotConnected   = errors.New("syncclient: not connected")
)

// APIError reports a non-success REST response.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("syncclient: request failed with status %d: %s", e.Status, e.Code)
}

type Config struct {
	// BaseURL is the http(s) root of the API, e.g. https://notes.example.com.
	BaseURL string
	Token   string
	// UserID is the canonical id the token resolves to; it decides which events concern
	// the local user.
	UserID         string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Client keeps a local Store in sync with the server. Every (re)connect registers the user,
// refetches the note list and rejoins every held note room, so nothing depends on events
// delivered while disconnected.
type Client struct {
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger

	store    *Store
	handlers *Handlers

	mu     sync.Mutex
	socket *websocket.Conn
	joined map[string]struct{}

	writeMu sync.Mutex
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("syncclient: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, ErrMissingUserID
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        base,
		token:          cfg.Token,
		httpClient:     httpClient,
		dialer:         dialer,
		reconnectDelay: delay,
		logger:         logger,
		store:          NewStore(cfg.UserID),
		handlers:       NewHandlers(),
		joined:         make(map[string]struct{}),
	}, nil
}

func (c *Client) Store() *Store {
	return c.store
}

func (c *Client) Handlers() *Handlers {
	return c.handlers
}

// Connect dials the realtime endpoint and performs the connect sequence.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	socket, _, err := c.dialer.DialContext(ctx, c.realtimeURL(), header)
	if err != nil {
		return fmt.Errorf("syncclient: dial realtime: %w", err)
	}

	c.mu.Lock()
	if c.socket != nil {
		_ = c.socket.Close()
	}
	c.socket = socket
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	if err := c.send(realtime.EventRegisterUser, realtime.UserRef{UserID: c.store.UserID()}); err != nil {
		c.Close()
		return err
	}
	if err := c.Refresh(ctx); err != nil {
		c.Close()
		return err
	}
	for _, noteID := range c.store.IDs() {
		if err := c.JoinNote(noteID); err != nil {
			c.Close()
			return err
		}
	}
	c.logger.Info("realtime connected", zap.Int("notes", c.store.Len()))
	return nil
}

// Run connects and consumes events until ctx ends, reconnecting after every failure.
// Registered handlers stay in place across reconnects and are released when Run returns.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("realtime connect failed", zap.Error(err))
		} else if err := c.Listen(ctx); err != nil {
			c.logger.Info("realtime connection lost", zap.Error(err))
		}
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) shutdown() {
	c.Close()
	c.handlers.Reset()
}

// Listen reads frames from the current connection until it fails or ctx ends. Each frame
// is applied to the store before the registered handler runs.
func (c *Client) Listen(ctx context.Context) error {
	socket := c.currentSocket()
	if socket == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = socket.Close()
		case <-stop:
		}
	}()

	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			c.dropSocket(socket)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		envelope, err := realtime.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Debug("realtime frame ignored", zap.Error(err))
			continue
		}
		c.handle(envelope)
	}
}

func (c *Client) handle(envelope realtime.Envelope) {
	if envelope.Event == realtime.EventError {
		var payload realtime.ErrorPayload
		if err := envelope.Decode(&payload); err == nil {
			c.logger.Info("realtime event rejected",
				zap.String("event", string(payload.Event)),
				zap.String("note_id", payload.NoteID),
				zap.String("code", payload.Code))
		}
	} else if _, err := c.store.Apply(envelope); err != nil {
		c.logger.Debug("realtime event not applied", zap.String("event", string(envelope.Event)), zap.Error(err))
	}
	// Shares and creations make new notes visible; subscribe to their rooms.
	if envelope.Event == realtime.EventNoteShared || envelope.Event == realtime.EventNoteCreated {
		var view realtime.NoteView
		if err := envelope.Decode(&view); err == nil {
			if _, held := c.store.Get(view.ID); held {
				if err := c.JoinNote(view.ID); err != nil {
					c.logger.Debug("join after event failed", zap.String("note_id", view.ID), zap.Error(err))
				}
			}
		}
	}
	c.handlers.Dispatch(envelope)
}

// Close closes the current connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
}

// JoinNote subscribes to a note room once per connection.
func (c *Client) JoinNote(noteID string) error {
	c.mu.Lock()
	if c.socket == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.joined[noteID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.joined[noteID] = struct{}{}
	c.mu.Unlock()
	return c.send(realtime.EventJoinNote, realtime.NoteRef{NoteID: noteID})
}

func (c *Client) EmitNoteCreated(view realtime.NoteView) error {
	return c.send(realtime.EventNoteCreated, view)
}

func (c *Client) EmitNoteUpdated(noteID, title, content string) error {
	return c.send(realtime.EventNoteUpdated, realtime.NoteUpdatedPayload{NoteID: noteID, Title: title, Content: content})
}

func (c *Client) EmitNoteDeleted(noteID string) error {
	return c.send(realtime.EventNoteDeleted, realtime.NoteDeletedPayload{NoteID: noteID, UserID: c.store.UserID()})
}

func (c *Client) EmitNoteFavorited(payload realtime.NoteFavoritedPayload) error {
	return c.send(realtime.EventNoteFavorited, payload)
}

// Refresh refetches the visible notes and replaces the local store.
func (c *Client) Refresh(ctx context.Context) error {
	var response struct {
		Notes []realtime.NoteView `json:"notes"`
	}
	if err := c.do(ctx, http.MethodGet, notesPath, nil, &response); err != nil {
		return err
	}
	c.store.Replace(response.Notes)
	return nil
}

// CreateNote persists a note, joins its room and announces it to other connections.
func (c *Client) CreateNote(ctx context.Context, title, content string) (realtime.NoteView, error) {
	var view realtime.NoteView
	body := map[string]string{"title": title, "content": content}
	if err := c.do(ctx, http.MethodPost, notesPath, body, &view); err != nil {
		return realtime.NoteView{}, err
	}
	c.store.Upsert(view)
	c.announce(func() error {
		if err := c.JoinNote(view.ID); err != nil {
			return err
		}
		return c.EmitNoteCreated(view)
	})
	return view, nil
}

// UpdateNote persists an edit and re-announces the saved fields to the note room.
func (c *Client) UpdateNote(ctx context.Context, noteID, title, content string) (realtime.NoteView, error) {
	var view realtime.NoteView
	body := map[string]string{"title": title, "content": content}
	if err := c.do(ctx, http.MethodPut, notesPath+"/"+url.PathEscape(noteID), body, &view); err != nil {
		return realtime.NoteView{}, err
	}
	c.store.Upsert(view)
	c.announce(func() error {
		return c.EmitNoteUpdated(view.ID, view.Title, view.Content)
	})
	return view, nil
}

// DeleteNote deletes an owned note or leaves a shared one. The server announces the
// outcome itself.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	if err := c.do(ctx, http.MethodDelete, notesPath+"/"+url.PathEscape(noteID), nil, nil); err != nil {
		return err
	}
	c.store.Remove(noteID)
	return nil
}

// ToggleFavorite flips the local user's favorite. The server announces the new state.
func (c *Client) ToggleFavorite(ctx context.Context, noteID string) (bool, error) {
	var response realtime.NoteFavoritedPayload
	if err := c.do(ctx, http.MethodPost, notesPath+"/"+url.PathEscape(noteID)+"/favorite", nil, &response); err != nil {
		return false, err
	}
	response.UserID = c.store.UserID()
	if _, err := c.store.Apply(realtime.Envelope{Event: realtime.EventNoteFavorited, Data: rawJSON(response)}); err != nil {
		return false, err
	}
	return response.IsFavorite, nil
}

// ShareNote grants the user registered under email access to an owned note.
func (c *Client) ShareNote(ctx context.Context, noteID, email string) (realtime.NoteView, error) {
	var response struct {
		Status string            `json:"status"`
		Note   realtime.NoteView `json:"note"`
	}
	if err := c.do(ctx, http.MethodPost, "/share/"+url.PathEscape(noteID), map[string]string{"email": email}, &response); err != nil {
		return realtime.NoteView{}, err
	}
	c.store.Upsert(response.Note)
	return response.Note, nil
}

// announce sends a realtime hint when connected. The REST write already succeeded, so a
// missing connection is only logged; peers catch up on their next refetch.
func (c *Client) announce(emit func() error) {
	if err := emit(); err != nil {
		c.logger.Debug("realtime announce skipped", zap.Error(err))
	}
}

func (c *Client) send(kind realtime.EventKind, payload interface{}) error {
	envelope, err := realtime.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	socket := c.currentSocket()
	if socket == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = socket.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := socket.WriteJSON(envelope); err != nil {
		return fmt.Errorf("syncclient: send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, target interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("syncclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return &APIError{Status: response.StatusCode, Code: failure.Error}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("syncclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) realtimeURL() string {
	endpoint := *c.baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + realtimePath
	return endpoint.String()
}

func (c *Client) currentSocket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

func (c *Client) dropSocket(socket *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == socket {
		_ = c.socket.Close()
		c.socket = nil
	}
}

func rawJSON(value interface{}) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return encoded
}
