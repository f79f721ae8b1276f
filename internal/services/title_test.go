package services_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/legal-agent-ui/internal/services"
)

func TestFirstMessageTitle(t *testing.T) {
	tests := []struct {
		name     string
		maxRunes int
		message  string
		want     string
	}{
		{name: "Short message", maxRunes: 30, message: "  Plazo de prescripción  ", want: "Plazo de prescripción"},
		{name: "First line only", maxRunes: 20, message: "Despido\ncon más detalles", want: "Despido"},
		{name: "Truncated by runes", maxRunes: 5, message: "Señoría querida", want: "Señor…"},
		{name: "Exact length", maxRunes: 21, message: "Plazo de prescripción", want: "Plazo de prescripción"},
		{name: "One rune over", maxRunes: 20, message: "Plazo de prescripción", want: "Plazo de prescripció…"},
		{name: "Default length", maxRunes: 0, message: strings.Repeat("a", 60), want: strings.Repeat("a", services.DefaultTitleLength) + "…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := services.NewFirstMessageTitle(tt.maxRunes).GenerateTitle(context.Background(), tt.message)
			if err != nil {
				t.Fatalf("GenerateTitle() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnthropicGenerateTitle(t *testing.T) {
	tests := []struct {
		name    string
		events  string
		status  int
		want    string
		wantErr string
	}{
		{
			name: "Text deltas",
			events: "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"\\\"Plazos \"}}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"legales\\\".\"}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
			status: http.StatusOK,
			want:   "Plazos legales",
		},
		{
			name:    "Error event",
			events:  "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
			status:  http.StatusOK,
			wantErr: "overloaded_error",
		},
		{
			name:    "Bad status",
			events:  `{"error":"unauthorized"}`,
			status:  http.StatusUnauthorized,
			wantErr: "401",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "key" {
					http.Error(w, "bad request", http.StatusBadRequest)
					return
				}
				_ = json.NewDecoder(r.Body).Decode(&gotReq)
				w.Header().Set("Content-Type", "text/event-stream")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.events)
			}))
			defer srv.Close()

			a := services.NewAnthropic(srv.URL, "key", "claude", "Genera un título", 32)
			got, err := a.GenerateTitle(context.Background(), "¿Cuánto dura un plazo?")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("GenerateTitle() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateTitle() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateTitle() = %q, want %q", got, tt.want)
			}
			if gotReq["system"] != "Genera un título" || gotReq["stream"] != true {
				t.Errorf("request = %v", gotReq)
			}
		})
	}
}

func TestOpenAIGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","object":"chat.completion","model":"gpt-4o-mini",`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"Despido improcedente\n"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL, "gpt-4o-mini", "Genera un título", discardLogger())
	got, err := o.GenerateTitle(context.Background(), "Me despidieron sin causa")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if got != "Despido improcedente" {
		t.Errorf("GenerateTitle() = %q, want %q", got, "Despido improcedente")
	}
}

func TestOllamaGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"'Herencias'"},"done":true}`+"\n")
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", "Genera un título")
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.GenerateTitle(context.Background(), "¿Cómo se reparte una herencia?")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if got != "Herencias" {
		t.Errorf("GenerateTitle() = %q, want %q", got, "Herencias")
	}
}

func TestMarkdownRender(t *testing.T) {
	md := services.NewMarkdown("")

	got, err := md.Render("**Artículo 5**\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n<script>x</script>")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{"<strong>Artículo 5</strong>", "<table>", "<td>1</td>"} {
		if !strings.Contains(got, want) {
			t.Errorf("Render() = %q, want to contain %q", got, want)
		}
	}
	if strings.Contains(got, "<script>") || strings.Contains(got, "&lt;script") || !strings.Contains(got, "raw HTML omitted") {
		t.Errorf("Render() = %q, want raw HTML omitted rather than escaped", got)
	}
}
