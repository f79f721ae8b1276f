// Package stream turns the chunked response body of the remote agent into typed events. The body is a plain
// concatenation of JSON objects, with no delimiters or length prefixes, so objects are recovered by brace
// matching over a pending buffer that survives chunk boundaries.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
)

// EventKind is the classified tag of an agent event.
type EventKind int

const (
	// KindUnknown is the zero value and never appears on an accepted Event.
	KindUnknown EventKind = iota
	// KindContentDelta carries the next fragment of the assistant answer.
	KindContentDelta
	// KindRunCompleted ends the run, optionally carrying the full final answer.
	KindRunCompleted
	// KindToolCallStarted announces one or more delegated tool calls.
	KindToolCallStarted
	// KindToolResult delivers the outcome of earlier tool calls.
	KindToolResult
	// KindReasoningStep carries an intermediate reasoning fragment.
	KindReasoningStep
	// KindRunStarted is emitted once the agent accepted the request.
	KindRunStarted
	// KindUpdatingMemory is emitted while the agent persists its memory.
	KindUpdatingMemory
	// KindWorkflowStarted is emitted when the request is routed through a workflow.
	KindWorkflowStarted
)

var kindTags = map[string]EventKind{
	"RunResponse":             KindContentDelta,
	"RunResponseContent":      KindContentDelta,
	"TeamRunResponseContent":  KindContentDelta,
	"RunCompleted":            KindRunCompleted,
	"TeamRunCompleted":        KindRunCompleted,
	"ToolCallStarted":         KindToolCallStarted,
	"TeamToolCallStarted":     KindToolCallStarted,
	"ToolCallCompleted":       KindToolResult,
	"TeamToolCallCompleted":   KindToolResult,
	"ReasoningStep":           KindReasoningStep,
	"TeamReasoningStep":       KindReasoningStep,
	"RunStarted":              KindRunStarted,
	"TeamRunStarted":          KindRunStarted,
	"UpdatingMemory":          KindUpdatingMemory,
	"TeamMemoryUpdateStarted": KindUpdatingMemory,
	"WorkflowStarted":         KindWorkflowStarted,
}

// KindOf maps a wire tag to its EventKind. Unrecognized tags map to KindUnknown.
func KindOf(tag string) EventKind {
	return kindTags[tag]
}

func (k EventKind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindRunCompleted:
		return "run_completed"
	case KindToolCallStarted:
		return "tool_call_started"
	case KindToolResult:
		return "tool_result"
	case KindReasoningStep:
		return "reasoning_step"
	case KindRunStarted:
		return "run_started"
	case KindUpdatingMemory:
		return "updating_memory"
	case KindWorkflowStarted:
		return "workflow_started"
	case KindUnknown:
	}
	return "unknown"
}

// Event is one fully parsed object from the agent stream. Only objects with a recognized tag and a content key
// become Events.
type Event struct {
	Kind EventKind
	// Tag is the raw wire tag, kept for logging.
	Tag string
	// Raw is the exact object text as it appeared on the wire.
	Raw string
	// Content is the raw content value: a JSON string, a structured value, or null.
	Content json.RawMessage
	Model   string

	References  []ReferenceGroup
	ToolCalls   []ToolCall
	ToolResults []ToolResultEntry
	Reasoning   []models.ReasoningStep
}

// Text returns the content as text. String content is returned unquoted, structured content as compact JSON,
// and null or absent content as an empty string.
func (e Event) Text() string {
	return rawText(e.Content)
}

// ReferenceGroup is one retrieval performed by the agent, with the document chunks it returned.
type ReferenceGroup struct {
	Query      string      `json:"query"`
	References []Reference `json:"references"`
	Time       float64     `json:"time"`
}

// Reference is a single retrieved document chunk.
type Reference struct {
	Name     string        `json:"name"`
	Content  string        `json:"content"`
	MetaData ReferenceMeta `json:"meta_data"`
}

// ReferenceMeta locates a chunk inside its source document.
type ReferenceMeta struct {
	Page      int `json:"page"`
	Chunk     int `json:"chunk"`
	ChunkSize int `json:"chunk_size"`
}

// ToolCallShape tells which of the two wire layouts a ToolCall was decoded from.
type ToolCallShape int

const (
	// ShapeFunction is the nested layout: {"id", "function": {"name", "arguments"}}.
	ShapeFunction ToolCallShape = iota + 1
	// ShapeFlat is the flat layout: {"tool_call_id", "tool_name", "tool_args"}.
	ShapeFlat
)

// ToolCall is a tool invocation announced by the agent, normalized from either wire shape.
type ToolCall struct {
	Shape ToolCallShape
	ID    string
	Name  string
	Args  map[string]any
}

// ToolResultEntry is the outcome of one tool call. Text is empty when the entry carried no result of its own.
type ToolResultEntry struct {
	ID   string
	Text string
}

var (
	errMalformed    = errors.New("malformed json object")
	errUnrecognized = errors.New("unrecognized event tag")
	errNoContent    = errors.New("missing content")
)

// decode parses one balanced object. A non-nil error wrapping errMalformed means the span is not JSON at all;
// other errors mean the object was well-formed but is not an agent event.
func decode(span string) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return Event{}, errors.Join(errMalformed, err)
	}

	var tag string
	if err := json.Unmarshal(raw["event"], &tag); err != nil {
		return Event{}, errUnrecognized
	}
	kind := KindOf(tag)
	if kind == KindUnknown {
		return Event{}, errUnrecognized
	}
	content, ok := raw["content"]
	if !ok {
		return Event{}, errNoContent
	}

	ev := Event{
		Kind:    kind,
		Tag:     tag,
		Raw:     span,
		Content: content,
	}
	// Optional fields are decoded leniently, a bad value only loses that field.
	_ = json.Unmarshal(raw["model"], &ev.Model)

	var extra struct {
		References     []ReferenceGroup       `json:"references"`
		ReasoningSteps []models.ReasoningStep `json:"reasoning_steps"`
	}
	if len(raw["extra_data"]) > 0 && json.Unmarshal(raw["extra_data"], &extra) == nil {
		ev.References = extra.References
		ev.Reasoning = extra.ReasoningSteps
	}

	switch kind {
	case KindToolCallStarted:
		ev.ToolCalls = decodeToolCalls(firstPresent(raw, "tool_calls", "tools"))
	case KindToolResult:
		ev.ToolResults = decodeToolResults(raw)
	case KindReasoningStep:
		var step models.ReasoningStep
		if bytes.HasPrefix(bytes.TrimSpace(content), []byte("{")) && json.Unmarshal(content, &step) == nil && step.Title != "" {
			ev.Reasoning = append(ev.Reasoning, step)
		}
	case KindContentDelta, KindRunCompleted, KindRunStarted, KindUpdatingMemory, KindWorkflowStarted, KindUnknown:
	}

	return ev, nil
}

func firstPresent(raw map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := raw[k]; ok && !isNull(v) {
			return v
		}
	}
	return nil
}

func decodeToolCalls(data json.RawMessage) []ToolCall {
	var entries []map[string]json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &entries) != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(entries))
	for _, entry := range entries {
		if call, ok := decodeToolCall(entry); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func decodeToolCall(entry map[string]json.RawMessage) (ToolCall, bool) {
	if fn, ok := entry["function"]; ok && !isNull(fn) {
		var f struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(fn, &f); err != nil || f.Name == "" {
			return ToolCall{}, false
		}
		return ToolCall{
			Shape: ShapeFunction,
			ID:    stringField(entry, "id", "tool_call_id"),
			Name:  f.Name,
			Args:  decodeArgs(f.Arguments),
		}, true
	}

	name := stringField(entry, "tool_name")
	if name == "" {
		return ToolCall{}, false
	}
	return ToolCall{
		Shape: ShapeFlat,
		ID:    stringField(entry, "tool_call_id", "id"),
		Name:  name,
		Args:  decodeArgs(entry["tool_args"]),
	}, true
}

// decodeArgs accepts arguments either as an object or as a JSON-encoded string holding an object.
func decodeArgs(data json.RawMessage) map[string]any {
	args := map[string]any{}
	if isNull(data) {
		return args
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return args
		}
		data = json.RawMessage(s)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{}
	}
	return args
}

func decodeToolResults(raw map[string]json.RawMessage) []ToolResultEntry {
	var entries []map[string]json.RawMessage
	if data := firstPresent(raw, "tool_results", "tools", "tool_calls"); data != nil {
		_ = json.Unmarshal(data, &entries)
	}

	results := make([]ToolResultEntry, 0, len(entries))
	for _, entry := range entries {
		id := stringField(entry, "tool_call_id", "id")
		if id == "" {
			continue
		}
		text := rawText(firstPresent(entry, "result", "content"))
		results = append(results, ToolResultEntry{ID: id, Text: text})
	}

	if len(results) == 0 {
		if id := stringField(raw, "tool_call_id"); id != "" {
			results = append(results, ToolResultEntry{ID: id})
		}
	}
	return results
}

func stringField(entry map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if err := json.Unmarshal(entry[k], &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func rawText(data json.RawMessage) string {
	if isNull(data) {
		return ""
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return strings.TrimSpace(string(trimmed))
	}
	return buf.String()
}
