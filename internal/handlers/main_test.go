package handlers_test

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/conversation"
	"github.com/MegaGrindStone/legal-agent-ui/internal/handlers"
	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
)

type mockAgent struct {
	chunks []string
	// block makes Stream wait for cancellation after yielding chunks.
	block bool
}

type mockStore struct {
	mu       sync.Mutex
	sessions []models.Session
	messages map[string][]models.Message
	saved    chan []models.Message
	err      error
}

type mockTitleGenerator struct {
	title string
}

type mockRenderer struct{}

// hookRenderer runs onRender before rendering, letting a test act while a handler is mid-request.
type hookRenderer struct {
	mockRenderer
	onRender func()
}

const testUser = "u-1"

func newMockStore() *mockStore {
	return &mockStore{
		messages: map[string][]models.Message{},
		saved:    make(chan []models.Message, 8),
	}
}

func newMain(agent conversation.Agent, store handlers.Store) handlers.Main {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return handlers.NewMain(agent, mockTitleGenerator{title: "Título"}, store, mockRenderer{},
		stream.DefaultExtractorOptions(), logger)
}

func postForm(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-User-ID", testUser)
	return req
}

func waitSaved(t *testing.T, store *mockStore) []models.Message {
	t.Helper()
	select {
	case msgs := <-store.saved:
		return msgs
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not saved")
		return nil
	}
}

type conversationBody struct {
	SessionID string `json:"session_id"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		HTML    string `json:"html"`
	} `json:"messages"`
	State   string `json:"state"`
	Loading bool   `json:"loading"`
}

func TestNewMain(t *testing.T) {
	main := newMain(&mockAgent{}, newMockStore())

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleChats(t *testing.T) {
	store := newMockStore()
	store.sessions = []models.Session{{ID: "1", UserID: testUser}, {ID: "2", UserID: "someone-else"}}
	agent := &mockAgent{chunks: []string{`{"event":"RunResponse","content":"Respuesta"}`, `{"event":"RunCompleted","content":""}`}}
	main := newMain(agent, store)
	defer main.Shutdown(context.Background())

	tests := []struct {
		name       string
		method     string
		message    string
		sessionID  string
		wantStatus int
		wantSaved  bool
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New session",
			method:     http.MethodPost,
			message:    "Hola",
			wantStatus: http.StatusOK,
			wantSaved:  true,
		},
		{
			name:       "Existing session",
			method:     http.MethodPost,
			message:    "Hola",
			sessionID:  "1",
			wantStatus: http.StatusOK,
			wantSaved:  true,
		},
		{
			name:       "Foreign session",
			method:     http.MethodPost,
			message:    "Hola",
			sessionID:  "2",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Missing session",
			method:     http.MethodPost,
			message:    "Hola",
			sessionID:  "404",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm("/chats", url.Values{"message": {tt.message}, "session_id": {tt.sessionID}})
			req.Method = tt.method
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChats() status = %v, want %v, body %q", w.Code, tt.wantStatus, w.Body.String())
			}
			if !tt.wantSaved {
				return
			}

			var body conversationBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.SessionID == "" || !body.Loading {
				t.Errorf("body = %+v, want a loading conversation with a session id", body)
			}
			last := body.Messages[len(body.Messages)-1]
			if last.Role != "user" || last.Content != tt.message {
				t.Errorf("last message = %+v, want the user message", last)
			}

			saved := waitSaved(t, store)
			answer := saved[len(saved)-1]
			if answer.Content != "Respuesta" || answer.Status != models.MessageStatusComplete {
				t.Errorf("saved answer = %+v", answer)
			}
		})
	}
}

func TestHandleChatsBusyAndCancel(t *testing.T) {
	store := newMockStore()
	store.sessions = []models.Session{{ID: "1", UserID: testUser}}
	main := newMain(&mockAgent{chunks: []string{`{"event":"RunResponse","content":"Hola mun"}`}, block: true}, store)
	defer main.Shutdown(context.Background())

	w := httptest.NewRecorder()
	main.HandleChats(w, postForm("/chats", url.Values{"message": {"uno"}, "session_id": {"1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	main.HandleChats(w, postForm("/chats", url.Values{"message": {"dos"}, "session_id": {"1"}}))
	if w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}

	w = httptest.NewRecorder()
	main.HandleCancel(w, postForm("/chats/cancel", url.Values{"session_id": {"1"}}))
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleCancel() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	saved := waitSaved(t, store)
	answer := saved[len(saved)-1]
	if want := "Hola mun\n\n" + conversation.InterruptedMarker; answer.Content != want {
		t.Errorf("saved answer = %q, want %q", answer.Content, want)
	}

	w = httptest.NewRecorder()
	main.HandleConversation(w, httptest.NewRequest(http.MethodGet, "/chats?session_id=1", nil))
	// No identity on this request, so the caller is a fresh anonymous user.
	if w.Code != http.StatusNotFound {
		t.Errorf("anonymous HandleConversation() status = %v, want %v", w.Code, http.StatusNotFound)
	}
	if !strings.Contains(w.Header().Get("Set-Cookie"), "user_id=anon-") {
		t.Errorf("Set-Cookie = %q, want an anonymous user cookie", w.Header().Get("Set-Cookie"))
	}

	req := httptest.NewRequest(http.MethodGet, "/chats?session_id=1", nil)
	req.AddCookie(&http.Cookie{Name: "user_id", Value: testUser})
	w = httptest.NewRecorder()
	main.HandleConversation(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("HandleConversation() status = %v, want %v", w.Code, http.StatusOK)
	}
	var body conversationBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.State != string(models.StateIdle) || body.Loading {
		t.Errorf("body = %+v, want an idle conversation", body)
	}
	if got, want := body.Messages[len(body.Messages)-1].HTML, "<p>Hola mun\n\n"+conversation.InterruptedMarker+"</p>"; got != want {
		t.Errorf("HTML = %q, want %q", got, want)
	}
}

func TestHandleCancelWhileTurnOpens(t *testing.T) {
	store := newMockStore()
	store.sessions = []models.Session{{ID: "1", UserID: testUser}}
	store.messages["1"] = []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "previa"},
		{ID: "m2", Role: models.RoleAssistant, Content: "respuesta previa"},
	}

	var main handlers.Main
	var once sync.Once
	renderer := hookRenderer{onRender: func() {
		// The first render happens while the turn is being opened, before the stream starts.
		once.Do(func() {
			w := httptest.NewRecorder()
			main.HandleCancel(w, postForm("/chats/cancel", url.Values{"session_id": {"1"}}))
			if w.Code != http.StatusNoContent {
				t.Errorf("HandleCancel() status = %v, want %v", w.Code, http.StatusNoContent)
			}
		})
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agent := &mockAgent{chunks: []string{`{"event":"RunResponse","content":"Hola mun"}`}, block: true}
	main = handlers.NewMain(agent, mockTitleGenerator{title: "Título"}, store, renderer,
		stream.DefaultExtractorOptions(), logger)
	defer main.Shutdown(context.Background())

	w := httptest.NewRecorder()
	main.HandleChats(w, postForm("/chats", url.Values{"message": {"nueva"}, "session_id": {"1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	saved := waitSaved(t, store)
	answer := saved[len(saved)-1]
	if !strings.HasSuffix(answer.Content, conversation.InterruptedMarker) {
		t.Errorf("saved answer = %q, want it interrupted", answer.Content)
	}
}

func TestHandleRegenerate(t *testing.T) {
	store := newMockStore()
	store.sessions = []models.Session{{ID: "1", UserID: testUser}, {ID: "2", UserID: testUser}}
	store.messages["1"] = []models.Message{
		{ID: "a", Role: models.RoleUser, Content: "pregunta"},
		{ID: "b", Role: models.RoleAssistant, Content: "vieja"},
	}
	agent := &mockAgent{chunks: []string{`{"event":"RunCompleted","content":"nueva"}`}}
	main := newMain(agent, store)
	defer main.Shutdown(context.Background())

	tests := []struct {
		name       string
		sessionID  string
		wantStatus int
	}{
		{name: "Missing session id", wantStatus: http.StatusBadRequest},
		{name: "Nothing to regenerate", sessionID: "2", wantStatus: http.StatusBadRequest},
		{name: "Regenerate", sessionID: "1", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			main.HandleRegenerate(w, postForm("/chats/regenerate", url.Values{"session_id": {tt.sessionID}}))
			if w.Code != tt.wantStatus {
				t.Errorf("HandleRegenerate() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}

	saved := waitSaved(t, store)
	if len(saved) != 2 || saved[1].ID != "b" || saved[1].Content != "nueva" {
		t.Errorf("saved = %+v, want the answer rewritten in place", saved)
	}
}

func TestHandleSessions(t *testing.T) {
	store := newMockStore()
	store.sessions = []models.Session{{ID: "1", UserID: testUser, Title: "Uno"}, {ID: "2", UserID: "other", Title: "Ajena"}}
	main := newMain(&mockAgent{}, store)
	defer main.Shutdown(context.Background())

	tests := []struct {
		name       string
		method     string
		target     string
		form       url.Values
		wantStatus int
		wantBody   string
	}{
		{name: "List", method: http.MethodGet, target: "/sessions", wantStatus: http.StatusOK, wantBody: `"Uno"`},
		{name: "Create", method: http.MethodPost, target: "/sessions", form: url.Values{"title": {"Nueva"}}, wantStatus: http.StatusCreated, wantBody: `"Nueva"`},
		{name: "Rename", method: http.MethodPut, target: "/sessions", form: url.Values{"session_id": {"1"}, "title": {"Renombrada"}}, wantStatus: http.StatusNoContent},
		{name: "Rename without title", method: http.MethodPut, target: "/sessions", form: url.Values{"session_id": {"1"}}, wantStatus: http.StatusBadRequest},
		{name: "Rename foreign", method: http.MethodPut, target: "/sessions", form: url.Values{"session_id": {"2"}, "title": {"x"}}, wantStatus: http.StatusNotFound},
		{name: "Delete foreign", method: http.MethodDelete, target: "/sessions?session_id=2", wantStatus: http.StatusNotFound},
		{name: "Delete", method: http.MethodDelete, target: "/sessions?session_id=1", wantStatus: http.StatusNoContent},
		{name: "Invalid method", method: http.MethodPatch, target: "/sessions", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm(tt.target, tt.form)
			req.Method = tt.method
			w := httptest.NewRecorder()

			main.HandleSessions(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleSessions() status = %v, want %v, body %q", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleSessions() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	sessions, _ := store.Sessions(context.Background(), testUser)
	if len(sessions) != 1 || sessions[0].Title != "Nueva" {
		t.Errorf("sessions = %+v, want only the created one", sessions)
	}
}

func (m *mockAgent) Stream(ctx context.Context, _ conversation.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, chunk := range m.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			yield("", ctx.Err())
		}
	}
}

func (m mockTitleGenerator) GenerateTitle(context.Context, string) (string, error) {
	return m.title, nil
}

func (mockRenderer) Render(src string) (string, error) {
	return "<p>" + src + "</p>", nil
}

func (h hookRenderer) Render(src string) (string, error) {
	h.onRender()
	return h.mockRenderer.Render(src)
}

func (m *mockStore) Sessions(_ context.Context, userID string) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var sessions []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			sessions = append(sessions, s)
		}
	}
	slices.SortStableFunc(sessions, func(a, b models.Session) int { return cmp.Compare(b.ID, a.ID) })
	return sessions, nil
}

func (m *mockStore) Session(_ context.Context, userID, sessionID string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == sessionID && s.UserID == userID })
	if idx == -1 {
		return models.Session{}, models.ErrSessionNotFound
	}
	return m.sessions[idx], m.err
}

func (m *mockStore) AddSession(_ context.Context, session models.Session) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Session{}, m.err
	}
	session.ID = fmt.Sprintf("%d-%s", len(m.sessions)+1, session.ID)
	m.sessions = append(m.sessions, session)
	return session, nil
}

func (m *mockStore) RenameSession(_ context.Context, userID, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == sessionID && s.UserID == userID })
	if idx == -1 {
		return models.ErrSessionNotFound
	}
	m.sessions[idx].Title = title
	return m.err
}

func (m *mockStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == sessionID && s.UserID == userID })
	if idx == -1 {
		return models.ErrSessionNotFound
	}
	m.sessions = slices.Delete(m.sessions, idx, idx+1)
	delete(m.messages, sessionID)
	return m.err
}

func (m *mockStore) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[sessionID]), nil
}

func (m *mockStore) SaveTurn(_ context.Context, sessionID string, messages []models.Message) error {
	m.mu.Lock()
	m.messages[sessionID] = slices.Clone(messages)
	m.mu.Unlock()
	m.saved <- messages
	return m.err
}
