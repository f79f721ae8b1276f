package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/conversation"
	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

// conversationView is what browsers receive, both as the body of the chat endpoints and as the data of
// conversation events.
type conversationView struct {
	SessionID string                 `json:"session_id"`
	Messages  []message              `json:"messages"`
	Sources   []models.Source        `json:"sources"`
	Tasks     []models.AgentTask     `json:"tasks"`
	Reasoning []models.ReasoningStep `json:"reasoning"`
	State     models.ProcessingState `json:"state"`
	Loading   bool                   `json:"loading"`
}

const titleTimeout = 30 * time.Second

// HandleChats processes chat interactions through HTTP POST requests, managing both new session creation and
// message submission. It accepts user messages through form data, opens a turn on the live conversation of
// the session, and forwards the message to the remote agent in the background. Every change is pushed to the
// session's SSE topic, and the settled turn is persisted to the Store.
//
// The handler expects a "message" form field and an optional "session_id" field. If no session_id is
// provided, it creates a new session and generates its title asynchronously. The response is the
// conversation as it stands right after the user message was added.
//
// The function returns 405 for methods other than POST, 400 for an empty message, 404 for a session the
// caller does not own, and 409 while the session already has a turn in flight.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	userID := m.userID(w, r)
	sessionID := r.FormValue("session_id")

	if sessionID == "" {
		session, err := m.newSession(r.Context(), userID, "")
		if err != nil {
			m.logger.Error("Failed to create new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessionID = session.ID

		go m.generateSessionTitle(userID, sessionID, msg)
	}

	ls, ok := m.liveSession(w, r, userID, sessionID)
	if !ok {
		return
	}

	m.startTurn(w, ls, func(conv *conversation.Conversation) (string, error) {
		return msg, conv.BeginTurn(msg)
	})
}

// HandleRegenerate asks the agent again for the last answer of the session named by the "session_id" form
// field, rewriting that answer in place.
func (m Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	ls, ok := m.liveSession(w, r, m.userID(w, r), sessionID)
	if !ok {
		return
	}

	m.startTurn(w, ls, func(conv *conversation.Conversation) (string, error) {
		return conv.BeginRegenerate()
	})
}

// HandleCancel interrupts the turn in flight of the session named by the "session_id" form field. Cancelling a
// session with nothing in flight succeeds without effect.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}
	userID := m.userID(w, r)

	m.live.mu.Lock()
	ls, ok := m.live.sessions[sessionID]
	m.live.mu.Unlock()
	if !ok || ls.userID != userID {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ls.mu.Lock()
	if ls.cancel != nil {
		ls.cancel()
	}
	ls.mu.Unlock()

	m.logger.Debug("Turn cancelled", slog.String("sessionID", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleConversation returns the conversation of the session named by the "session_id" query parameter. A
// session that is not live is restored from the Store.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	ls, ok := m.liveSession(w, r, m.userID(w, r), sessionID)
	if !ok {
		return
	}

	ls.mu.Lock()
	snapshot := ls.snapshot
	ls.mu.Unlock()

	m.writeJSON(w, http.StatusOK, m.view(ls.id, snapshot))
}

func (m Main) newSession(ctx context.Context, userID, title string) (models.Session, error) {
	session, err := m.store.AddSession(ctx, models.Session{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to add session: %w", err)
	}

	m.publishSessions(ctx, userID)
	return session, nil
}

// liveSession returns the loaded conversation of sessionID, restoring it from the Store on first use. On
// failure the error response has already been written.
func (m Main) liveSession(w http.ResponseWriter, r *http.Request, userID, sessionID string) (*liveSession, bool) {
	m.live.mu.Lock()
	ls, ok := m.live.sessions[sessionID]
	m.live.mu.Unlock()
	if ok {
		if ls.userID != userID {
			http.Error(w, models.ErrSessionNotFound.Error(), http.StatusNotFound)
			return nil, false
		}
		return ls, true
	}

	if _, err := m.store.Session(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return nil, false
		}
		m.logger.Error("Failed to get session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}

	messages, err := m.store.Messages(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}

	ls = &liveSession{id: sessionID, userID: userID}
	ls.conv = conversation.New(conversation.Options{
		Extractor: m.parser,
		OnChange: func(s conversation.Snapshot) {
			ls.mu.Lock()
			ls.snapshot = s
			ls.mu.Unlock()
			m.publishConversation(sessionID, s)
		},
		OnSettle: func(res conversation.TurnResult) {
			m.settleTurn(userID, sessionID, res)
		},
	}, m.logger.With(slog.String("sessionID", sessionID)))
	ls.conv.Load(messages)
	ls.snapshot = ls.conv.Snapshot()

	m.live.mu.Lock()
	defer m.live.mu.Unlock()
	// We keep whichever conversation was registered first if two requests restored the session concurrently
	if existing, ok := m.live.sessions[sessionID]; ok {
		return existing, true
	}
	m.live.sessions[sessionID] = ls
	return ls, true
}

// startTurn opens a turn on ls with begin and streams it in the background. begin returns the message to send
// to the agent. Only one turn per session runs at a time.
func (m Main) startTurn(
	w http.ResponseWriter,
	ls *liveSession,
	begin func(*conversation.Conversation) (string, error),
) {
	ls.mu.Lock()
	if ls.running {
		ls.mu.Unlock()
		http.Error(w, conversation.ErrTurnInFlight.Error(), http.StatusConflict)
		return
	}
	// A running turn always has a cancel func, even before its stream starts
	ctx, cancel := context.WithCancel(context.Background())
	ls.running = true
	ls.cancel = cancel
	ls.mu.Unlock()

	// From here on this goroutine owns the conversation until the turn goroutine releases it
	text, err := begin(ls.conv)
	if err != nil {
		cancel()
		ls.mu.Lock()
		ls.running = false
		ls.cancel = nil
		ls.mu.Unlock()

		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, conversation.ErrTurnInFlight):
			status = http.StatusConflict
		case errors.Is(err, conversation.ErrNothingToRegenerate):
			status = http.StatusBadRequest
		}
		m.logger.Error("Failed to begin turn",
			slog.String("sessionID", ls.id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), status)
		return
	}
	view := m.view(ls.id, ls.conv.Snapshot())

	req := conversation.Request{
		Message:   text,
		SessionID: ls.id,
		UserID:    ls.userID,
	}
	go m.runTurn(ctx, cancel, ls, req)

	m.writeJSON(w, http.StatusOK, view)
}

func (m Main) runTurn(ctx context.Context, cancel context.CancelFunc, ls *liveSession, req conversation.Request) {
	defer cancel()

	if err := ls.conv.Consume(ctx, m.agent, req); err != nil {
		// The failure is already recorded in the conversation, so the user sees it
		m.logger.Warn("Turn failed",
			slog.String("sessionID", ls.id),
			slog.String(errLoggerKey, err.Error()))
	}

	ls.mu.Lock()
	ls.running = false
	ls.cancel = nil
	ls.mu.Unlock()
}

func (m Main) settleTurn(userID, sessionID string, res conversation.TurnResult) {
	m.logger.Debug("Turn settled",
		slog.String("sessionID", sessionID),
		slog.String("outcome", string(res.Outcome)))

	if err := m.store.SaveTurn(context.Background(), sessionID, res.Messages); err != nil {
		m.logger.Error("Failed to save turn",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}

	msg := sse.Message{Type: closeTurnSSEType}
	msg.AppendData(string(res.Outcome))
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish close turn",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}

	m.publishSessions(context.Background(), userID)
}

func (m Main) generateSessionTitle(userID, sessionID, message string) {
	if m.titleGenerator == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating session title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.store.RenameSession(ctx, userID, sessionID, title); err != nil {
		m.logger.Error("Failed to update session title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishSessions(ctx, userID)
}

func (m Main) view(sessionID string, s conversation.Snapshot) conversationView {
	msgs := make([]message, len(s.Messages))
	for i, msg := range s.Messages {
		msgs[i] = message{Message: msg}
		if m.renderer == nil || msg.Role != models.RoleAssistant || msg.Content == "" {
			continue
		}
		html, err := m.renderer.Render(msg.Content)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		msgs[i].HTML = html
	}

	return conversationView{
		SessionID: sessionID,
		Messages:  msgs,
		Sources:   s.Sources,
		Tasks:     s.Tasks,
		Reasoning: s.Reasoning,
		State:     s.State,
		Loading:   s.Loading,
	}
}

func (m Main) publishConversation(sessionID string, s conversation.Snapshot) {
	data, err := json.Marshal(m.view(sessionID, s))
	if err != nil {
		m.logger.Error("Failed to marshal conversation", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: conversationSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish conversation",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
