package stream_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
)

const sampleStream = `{"event":"RunResponse","content":"Hola","model":"gpt-4o"}` +
	`{"event":"ToolCallStarted","content":null,"tools":[{"tool_call_id":"abc","tool_name":"transfer_task_to_buscador","tool_args":{"task_description":"buscar {ley}"}}]}` +
	`{"event":"ToolCallCompleted","content":"resultado X","tools":[{"tool_call_id":"abc"}]}` +
	`{"event":"RunResponse","content":" mundo","extra_data":{"references":[{"query":"ley","references":[{"name":"codigo.pdf","content":"Art. 1","meta_data":{"page":3,"chunk":2,"chunk_size":512}}],"time":0.2}]}}` +
	`{"event":"RunCompleted","content":"Hola mundo"}`

func texts(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind.String() + ":" + ev.Text()
	}
	return out
}

func TestExtractChunkBoundaryInvariance(t *testing.T) {
	whole, rest := stream.Extract("", sampleStream)
	if rest != "" {
		t.Fatalf("Extract() remainder = %q, want empty", rest)
	}
	if len(whole) != 5 {
		t.Fatalf("Extract() got %d events, want 5", len(whole))
	}
	want := texts(whole)

	for size := 1; size <= len(sampleStream); size++ {
		var got []stream.Event
		buffer := ""
		for i := 0; i < len(sampleStream); i += size {
			end := min(i+size, len(sampleStream))
			var evs []stream.Event
			evs, buffer = stream.Extract(buffer, sampleStream[i:end])
			got = append(got, evs...)
		}
		if buffer != "" {
			t.Errorf("chunk size %d: remainder = %q, want empty", size, buffer)
		}
		if !reflect.DeepEqual(texts(got), want) {
			t.Errorf("chunk size %d: events = %v, want %v", size, texts(got), want)
		}
	}
}

func TestExtractNestedBraces(t *testing.T) {
	tests := []struct {
		name   string
		object string
	}{
		{
			name:   "Nested object content",
			object: `{"event":"RunResponse","content":{"a":{"b":{"c":1}},"d":[{"e":{}}]}}`,
		},
		{
			name:   "Braces inside strings",
			object: `{"event":"RunResponse","content":"use } and { freely \"{\" "}`,
		},
		{
			name:   "Nested arguments",
			object: `{"event":"ToolCallStarted","content":"","tool_calls":[{"id":"1","function":{"name":"think","arguments":"{\"thought\":\"x\"}"}}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, rest := stream.Extract("", "noise "+tt.object+` {"event":`)
			if len(events) != 1 {
				t.Fatalf("Extract() got %d events, want 1", len(events))
			}
			if events[0].Raw != tt.object {
				t.Errorf("Raw = %q, want %q", events[0].Raw, tt.object)
			}
			if rest != `{"event":` {
				t.Errorf("Extract() remainder = %q, want trailing partial object", rest)
			}

			var want map[string]any
			if err := json.Unmarshal([]byte(tt.object), &want); err != nil {
				t.Fatal(err)
			}
			var got any
			if err := json.Unmarshal(events[0].Content, &got); err != nil {
				t.Fatalf("content is not valid JSON: %v", err)
			}
			if !reflect.DeepEqual(got, want["content"]) {
				t.Errorf("content = %v, want %v", got, want["content"])
			}
		})
	}
}

func TestExtractRecoversAfterMalformedObject(t *testing.T) {
	input := `{"event":"RunResponse","content":"uno"}` +
		`{"event":"RunResponse","content":"dos",}` +
		`{"event":"RunResponse","content":"tres"}`

	events, rest := stream.Extract("", input)
	got := texts(events)
	want := []string{"content_delta:uno", "content_delta:tres"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %v, want %v", got, want)
	}
	if rest != "" {
		t.Errorf("Extract() remainder = %q, want empty", rest)
	}
}

func TestExtractValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "Unknown tag is dropped",
			input: `{"event":"Heartbeat","content":"x"}{"event":"RunResponse","content":"ok"}`,
			want:  []string{"content_delta:ok"},
		},
		{
			name:  "Missing content is dropped",
			input: `{"event":"RunResponse"}{"event":"RunResponse","content":"ok"}`,
			want:  []string{"content_delta:ok"},
		},
		{
			name:  "Null content is accepted",
			input: `{"event":"RunStarted","content":null}`,
			want:  []string{"run_started:"},
		},
		{
			name:  "Nested object of a dropped event is not extracted",
			input: `{"event":"Other","content":{"event":"RunResponse","content":"inner"}}`,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _ := stream.Extract("", tt.input)
			if got := texts(events); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractorBoundedRetry(t *testing.T) {
	e := stream.NewExtractor(stream.ExtractorOptions{MaxConsecutiveFailures: 3}, nil)

	events := e.Feed(`{bad}{bad}{bad}{"event":"RunResponse","content":"lost"}`)
	if len(events) != 0 {
		t.Errorf("Feed() got %d events, want 0 after reset", len(events))
	}
	if e.Pending() != "" {
		t.Errorf("Pending() = %q, want empty after reset", e.Pending())
	}

	events = e.Feed(`{"event":"RunResponse","content":"ok"}`)
	if len(events) != 1 || events[0].Text() != "ok" {
		t.Errorf("Feed() after reset = %v, want one event", texts(events))
	}
}

func TestExtractorPendingLimit(t *testing.T) {
	e := stream.NewExtractor(stream.ExtractorOptions{MaxPendingBytes: 16}, nil)

	e.Feed(`{"event":"RunResponse","content":"` + strings.Repeat("x", 32))
	if e.Pending() != "" {
		t.Errorf("Pending() = %q, want empty once over limit", e.Pending())
	}

	e.Feed(`{"event":`)
	if e.Pending() != `{"event":` {
		t.Errorf("Pending() = %q, want partial object kept", e.Pending())
	}
	e.Reset()
	if e.Pending() != "" {
		t.Errorf("Pending() after Reset = %q, want empty", e.Pending())
	}
}

func TestExtractDropsTextWithoutObjects(t *testing.T) {
	_, rest := stream.Extract("", "data: keepalive\n")
	if rest != "" {
		t.Errorf("Extract() remainder = %q, want empty", rest)
	}
}
