package models

import "time"

// Message represents an individual entry within a conversation. Assistant messages are mutated in place while
// a response streams in, and frozen once their Status reaches MessageStatusComplete.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`

	// Model is the backend variant that produced an assistant message, if the agent reported one.
	Model string `json:"model,omitempty"`
	// Error marks a synthetic message describing a failed turn. Such messages are never sent back to the agent.
	Error bool `json:"error,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// MessageStatus describes how far an assistant message has progressed.
type MessageStatus string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the remote agent.
	RoleAssistant Role = "assistant"

	// MessageStatusThinking is set on an assistant message that has been created but has no content yet.
	MessageStatusThinking MessageStatus = "thinking"
	// MessageStatusResponding is set while content deltas are still arriving.
	MessageStatusResponding MessageStatus = "responding"
	// MessageStatusComplete is set on finished messages, including interrupted ones.
	MessageStatusComplete MessageStatus = "complete"
)

// InProgress reports whether m is an assistant message that is still receiving content.
func (m Message) InProgress() bool {
	return m.Role == RoleAssistant && m.Status != MessageStatusComplete
}

// Source is a document citation the agent attached to its answer.
type Source struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	Query     string `json:"query,omitempty"`
	Page      int    `json:"page,omitempty"`
	Chunk     int    `json:"chunk,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// AgentTask records one sub-task the agent delegated through a tool call, together with its result. ID is the
// tool call id the task correlates to.
type AgentTask struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Task      string    `json:"task"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// ReasoningStep is an intermediate explanation the agent emits before its final answer. Steps are keyed by
// Title.
type ReasoningStep struct {
	Title      string  `json:"title"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Action     string  `json:"action,omitempty"`
	Result     string  `json:"result,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}
