package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Anthropic generates session titles with Claude models. The request streams, and the title is assembled from
// the text deltas of the event stream.
type Anthropic struct {
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client
}

type anthropicTitleRequest struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Messages  []anthropicTurn `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
}

type anthropicTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDelta struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, system prompt and
// maximum token limit. An empty baseURL targets the public Anthropic API.
func NewAnthropic(baseURL, apiKey, model, systemPrompt string, maxTokens int) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	return Anthropic{
		endpoint:     strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
	}
}

// GenerateTitle streams a completion for message and returns the concatenated text deltas as the title. An
// error event in the stream is returned as an error.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := a.send(ctx, message)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var title strings.Builder
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return "", fmt.Errorf("error reading title stream: %w", err)
		}

		switch ev.Type {
		case "content_block_delta":
			var d anthropicDelta
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return "", fmt.Errorf("error decoding title delta: %w", err)
			}
			title.WriteString(d.Delta.Text)
		case "error":
			var e anthropicErrorEvent
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return "", fmt.Errorf("error decoding error event: %w", err)
			}
			return "", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		case "message_stop":
			return cleanTitle(title.String()), nil
		}
	}

	// Some proxies close the stream without message_stop.
	return cleanTitle(title.String()), nil
}

func (a Anthropic) send(ctx context.Context, message string) (*http.Response, error) {
	body, err := json.Marshal(anthropicTitleRequest{
		Model:     a.model,
		System:    a.systemPrompt,
		Messages:  []anthropicTurn{{Role: "user", Content: message}},
		MaxTokens: a.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding title request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(msg))
	}
	return resp, nil
}
