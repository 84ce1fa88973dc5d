package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notemax/notesync/internal/notes"
	"go.uber.org/zap"
)

// NoteStore is the slice of the document store the realtime mutation handlers consume.
type NoteStore interface {
	GetVisibleNote(ctx context.Context, caller notes.UserID, noteID notes.NoteID) (notes.Note, error)
	DeleteNote(ctx context.Context, caller notes.UserID, noteID notes.NoteID) (notes.DeleteOutcome, error)
	ToggleFavorite(ctx context.Context, caller notes.UserID, noteID notes.NoteID) (notes.FavoriteOutcome, error)
	ShareNote(ctx context.Context, caller notes.UserID, noteID notes.NoteID, email string) (notes.ShareOutcome, error)
}

// EventHandler processes one client frame on behalf of its connection.
type EventHandler func(ctx context.Context, conn *Connection, envelope Envelope) error

// HubConfig describes the hub's collaborators.
type HubConfig struct {
	Store      NoteStore
	Registry   *Registry
	Relay      Relay
	Metrics    *Metrics
	Logger     *zap.Logger
	BufferSize int
	// RelayRetryDelay is the pause before resubscribing after the relay fails.
	RelayRetryDelay time.Duration
}

const defaultRelayRetryDelay = 2 * time.Second

// Hub owns the room registry, the broadcaster and the event dispatch table for one process.
type Hub struct {
	store       NoteStore
	registry    *Registry
	broadcaster *Broadcaster
	relay       Relay
	metrics     *Metrics
	logger      *zap.Logger
	bufferSize  int
	retryDelay  time.Duration

	handlersMu sync.RWMutex
	handlers   map[EventKind]EventHandler
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("realtime: note store is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	retryDelay := cfg.RelayRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRelayRetryDelay
	}
	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Registry: registry,
		Relay:    cfg.Relay,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	hub := &Hub{
		store:       cfg.Store,
		registry:    registry,
		broadcaster: broadcaster,
		relay:       cfg.Relay,
		metrics:     metrics,
		logger:      logger,
		bufferSize:  cfg.BufferSize,
		retryDelay:  retryDelay,
		handlers:    make(map[EventKind]EventHandler),
	}
	hub.On(EventRegisterUser, hub.handleRegisterUser)
	hub.On(EventJoinNote, hub.handleJoinNote)
	hub.On(EventNoteCreated, hub.handleNoteCreated)
	hub.On(EventNoteUpdated, hub.handleNoteUpdated)
	hub.On(EventNoteDeleted, hub.handleNoteDeleted)
	hub.On(EventNoteFavorited, hub.handleNoteFavorited)
	return hub, nil
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// On registers the handler for an event kind, replacing any previous handler.
func (h *Hub) On(kind EventKind, handler EventHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	if handler == nil {
		delete(h.handlers, kind)
		return
	}
	h.handlers[kind] = handler
}

// Off removes the handler for an event kind.
func (h *Hub) Off(kind EventKind) {
	h.On(kind, nil)
}

func (h *Hub) handler(kind EventKind) (EventHandler, bool) {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	handler, ok := h.handlers[kind]
	return handler, ok
}

// Connect opens a connection for an authenticated user and attaches it to the registry.
// The connection joins no rooms until the client asks.
func (h *Hub) Connect(userID, device string) *Connection {
	conn := NewConnection(userID, device, h.bufferSize)
	h.registry.Attach(conn)
	h.metrics.Connections.Inc()
	h.logger.Info("realtime connection opened",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", userID),
		zap.String("device", device))
	return conn
}

// Disconnect drops every room membership and closes the outbound queue.
func (h *Hub) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	rooms, attached := h.registry.Detach(conn)
	conn.Close()
	if !attached {
		return
	}
	h.metrics.Connections.Dec()
	h.logger.Info("realtime connection closed",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
		zap.Int("rooms", len(rooms)))
}

// Dispatch routes a client frame to its handler. Handler failures are reported to the
// sending connection as an error frame and never broadcast.
func (h *Hub) Dispatch(ctx context.Context, conn *Connection, envelope Envelope) {
	h.metrics.EventsReceived.WithLabelValues(string(envelope.Event)).Inc()
	handler, ok := h.handler(envelope.Event)
	if !ok {
		h.reject(ctx, conn, envelope, "", fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event))
		return
	}
	if err := handler(ctx, conn, envelope); err != nil {
		h.reject(ctx, conn, envelope, noteIDOf(envelope), err)
	}
}

// DispatchFrame decodes a raw client frame and dispatches it. Frames that do not parse are
// rejected back to the sender.
func (h *Hub) DispatchFrame(ctx context.Context, conn *Connection, frame []byte) {
	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		h.reject(ctx, conn, Envelope{}, "", err)
		return
	}
	h.Dispatch(ctx, conn, envelope)
}

// Run consumes remote publications until ctx ends, resubscribing after every relay
// failure. Without a relay it simply waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	for {
		err := h.relay.Subscribe(ctx, func(publication Publication) {
			h.broadcaster.DeliverRemote(publication)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.metrics.RelayFailures.Inc()
		}
		h.logger.Warn("realtime relay subscription ended",
			zap.Duration("retry_in", h.retryDelay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.retryDelay):
		}
	}
}

func (h *Hub) reject(ctx context.Context, conn *Connection, envelope Envelope, noteID string, cause error) {
	code := ErrorCode(cause)
	h.metrics.MutationsRejected.WithLabelValues(string(envelope.Event), code).Inc()
	fields := []zap.Field{
		zap.String("event", string(envelope.Event)),
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
		zap.String("code", code),
		zap.Error(cause),
	}
	if code == CodeInternal {
		h.logger.Error("realtime event failed", fields...)
	} else {
		h.logger.Info("realtime event rejected", fields...)
	}

	reply, err := NewEnvelope(EventError, ErrorPayload{Event: envelope.Event, NoteID: noteID, Code: code})
	if err != nil {
		return
	}
	_, _ = h.broadcaster.Publish(ctx, reply, Direct(conn.ID()))
}

func noteIDOf(envelope Envelope) string {
	var ref NoteRef
	if len(envelope.Data) == 0 {
		return ""
	}
	if err := ref.UnmarshalJSON(envelope.Data); err != nil {
		return ""
	}
	return ref.NoteID
}
