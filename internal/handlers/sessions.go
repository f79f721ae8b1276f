package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleSessions manages the sessions of the calling user. GET lists them, most recent first. POST creates
// one, titled by the optional "title" form field. PUT renames the session named by "session_id" to "title".
// DELETE removes the session named by the "session_id" query parameter, interrupting its turn if one is in
// flight. Every change is also published to the user's sessions topic.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	userID := m.userID(w, r)

	switch r.Method {
	case http.MethodGet:
		sessions, err := m.store.Sessions(r.Context(), userID)
		if err != nil {
			m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []models.Session{}
		}
		m.writeJSON(w, http.StatusOK, sessions)

	case http.MethodPost:
		session, err := m.newSession(r.Context(), userID, r.FormValue("title"))
		if err != nil {
			m.logger.Error("Failed to create new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m.writeJSON(w, http.StatusCreated, session)

	case http.MethodPut:
		sessionID, title := r.FormValue("session_id"), r.FormValue("title")
		if sessionID == "" || title == "" {
			http.Error(w, "Session ID and title are required", http.StatusBadRequest)
			return
		}
		if err := m.store.RenameSession(r.Context(), userID, sessionID, title); err != nil {
			m.sessionError(w, sessionID, err)
			return
		}
		m.publishSessions(r.Context(), userID)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "Session ID is required", http.StatusBadRequest)
			return
		}
		if err := m.store.DeleteSession(r.Context(), userID, sessionID); err != nil {
			m.sessionError(w, sessionID, err)
			return
		}
		m.dropLiveSession(sessionID)
		m.publishSessions(r.Context(), userID)
		w.WriteHeader(http.StatusNoContent)

	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) sessionError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, models.ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	m.logger.Error("Failed to update session",
		slog.String("sessionID", sessionID),
		slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// dropLiveSession forgets the loaded conversation of a deleted session. A turn still in flight is interrupted;
// its settle callback then fails to save, which is logged and otherwise harmless.
func (m Main) dropLiveSession(sessionID string) {
	m.live.mu.Lock()
	ls, ok := m.live.sessions[sessionID]
	delete(m.live.sessions, sessionID)
	m.live.mu.Unlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	if ls.cancel != nil {
		ls.cancel()
	}
	ls.mu.Unlock()
}

func (m Main) publishSessions(ctx context.Context, userID string) {
	sessions, err := m.store.Sessions(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		return
	}

	data, err := json.Marshal(sessions)
	if err != nil {
		m.logger.Error("Failed to marshal sessions", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, sessionsTopic(userID)); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}
