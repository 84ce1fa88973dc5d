package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/notemax/notesync/internal/auth"
	"github.com/notemax/notesync/internal/notes"
	"github.com/notemax/notesync/internal/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const userIDContextKey = "notesync_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingRealtimeHub      = errors.New("realtime hub dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated session claims onto the canonical user id and keeps the
// email directory current.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	NotesService     *notes.Service
	Hub              *realtime.Hub
	AllowedOrigins   []string
	Realtime         RealtimeOptions
	// Metrics enables request instrumentation and GET /metrics when set.
	Metrics *prometheus.Registry
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Hub == nil {
		return nil, errMissingRealtimeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))
	if deps.Metrics != nil {
		router.Use(newHTTPMetrics(deps.Metrics).middleware())
		router.GET("/metrics", metricsHandler(deps.Metrics))
	}

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		users:        deps.Users,
		notesService: deps.NotesService,
		hub:          deps.Hub,
		realtime:     deps.Realtime.withDefaults(),
		upgrader:     newUpgrader(deps.AllowedOrigins),
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/favorite", handler.handleToggleFavorite)
	protected.POST("/share/:noteId", handler.handleShareNote)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	sessions     SessionValidator
	users        UserResolver
	notesService *notes.Service
	hub          *realtime.Hub
	realtime     RealtimeOptions
	upgrader     *websocket.Upgrader
	logger       *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			config.AllowAllOrigins = true
			origins = nil
			break
		}
		origins = append(origins, origin)
	}
	if !config.AllowAllOrigins {
		if len(origins) == 0 {
			config.AllowAllOrigins = true
		} else {
			config.AllowOrigins = origins
		}
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.hub.Registry().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.String("path", c.Request.URL.Path)}
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", fields...)
		} else {
			h.logger.Warn("token validation failed", fields...)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := strings.TrimSpace(claims.UserID)
	if h.users != nil {
		resolved, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("user resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID = resolved
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func callerFromContext(c *gin.Context) (notes.UserID, bool) {
	userID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}
