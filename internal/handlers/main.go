package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/conversation"
	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for managing session and message persistence. Sessions are owned by a user, and
// every operation that names a session together with a user must fail with models.ErrSessionNotFound when
// that user does not own it. Messages of a session are replaced as a whole when a turn settles.
type Store interface {
	Sessions(ctx context.Context, userID string) ([]models.Session, error)
	Session(ctx context.Context, userID, sessionID string) (models.Session, error)
	AddSession(ctx context.Context, session models.Session) (models.Session, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	SaveTurn(ctx context.Context, sessionID string, messages []models.Message) error
}

// TitleGenerator names a new session from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Renderer converts assistant content into HTML for browser consumers.
type Renderer interface {
	Render(src string) (string, error)
}

// Main handles the core functionality of the chat relay: it forwards user messages to the remote agent,
// keeps one live conversation per active session, pushes every change to subscribed browsers over
// server-sent events, and persists settled turns to the Store.
type Main struct {
	sseSrv *sse.Server

	agent          conversation.Agent
	titleGenerator TitleGenerator
	store          Store
	renderer       Renderer

	parser stream.ExtractorOptions
	live   *liveSessions

	logger *slog.Logger
}

// liveSessions holds the conversations that are loaded in memory, keyed by session id.
type liveSessions struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession is one loaded conversation. The Conversation itself is only touched by whoever set running,
// so readers use the snapshot, which OnChange keeps current.
type liveSession struct {
	id     string
	userID string
	conv   *conversation.Conversation

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	snapshot conversation.Snapshot
}

const (
	userIDHeader = "X-User-ID"
	userIDCookie = "user_id"

	shutdownTimeout = 5 * time.Second
)

// SSE event types for real-time updates.
var (
	conversationSSEType = sse.Type("conversation")
	sessionsSSEType     = sse.Type("sessions")
	closeTurnSSEType    = sse.Type("closeTurn")
)

// NewMain creates a new Main instance with the provided collaborators. titleGenerator and renderer may be nil,
// in which case sessions keep an empty title and messages are sent without HTML. The SSE server subscribes
// every client to the default topic, to the session list of its user, and to the session named by the
// session_id query parameter of the connection when the user owns it.
func NewMain(
	agent conversation.Agent,
	titleGenerator TitleGenerator,
	store Store,
	renderer Renderer,
	parser stream.ExtractorOptions,
	logger *slog.Logger,
) Main {
	m := Main{
		agent:          agent,
		titleGenerator: titleGenerator,
		store:          store,
		renderer:       renderer,
		parser:         parser,
		live:           &liveSessions{sessions: make(map[string]*liveSession)},
		logger:         logger.With(slog.String("module", "main")),
	}

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// We start with default topics that all clients should subscribe to
			topics := []string{sse.DefaultTopic}

			userID := requestUserID(s.Req)
			if userID == "" {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			}
			topics = append(topics, sessionsTopic(userID))

			// We only subscribe to a session's updates when the requesting user owns it
			sessionID := s.Req.URL.Query().Get("session_id")
			if sessionID != "" {
				if _, err := m.store.Session(s.Req.Context(), userID, sessionID); err == nil {
					topics = append(topics, sessionTopic(sessionID))
				}
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	return m
}

func sessionsTopic(userID string) string {
	return fmt.Sprintf("sessions-%s", userID)
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// HandleSSE serves the server-sent events stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// requestUserID returns the user id carried by r, or an empty string.
func requestUserID(r *http.Request) string {
	if id := r.Header.Get(userIDHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(userIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// userID identifies the caller. Requests without an identity get an anonymous one, remembered in a cookie so
// the same browser keeps its sessions.
func (m Main) userID(w http.ResponseWriter, r *http.Request) string {
	if id := requestUserID(r); id != "" {
		return id
	}

	id := "anon-" + uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     userIDCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	m.logger.Debug("Assigned anonymous user", slog.String("userID", id))
	return id
}

// Shutdown gracefully terminates the Main instance. It interrupts every turn still in flight, broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.live.mu.Lock()
	for _, ls := range m.live.sessions {
		ls.mu.Lock()
		if ls.cancel != nil {
			ls.cancel()
		}
		ls.mu.Unlock()
	}
	m.live.mu.Unlock()

	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

const errLoggerKey = "err"
