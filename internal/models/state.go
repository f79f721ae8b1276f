package models

// ProcessingState describes what the backend is currently doing on behalf of the outstanding request.
type ProcessingState string

// Processing states, in roughly the order a turn visits them.
const (
	StateIdle            ProcessingState = "idle"
	StateThinking        ProcessingState = "thinking"
	StateReasoning       ProcessingState = "reasoning"
	StateStreaming       ProcessingState = "streaming"
	StateToolCalling     ProcessingState = "tool_calling"
	StateToolProcessing  ProcessingState = "tool_processing"
	StateWaitingResult   ProcessingState = "waiting_result"
	StateAnalyzing       ProcessingState = "analyzing"
	StateResuming        ProcessingState = "resuming"
	StateCompleting      ProcessingState = "completing"
	StateUpdatingMemory  ProcessingState = "updating_memory"
	StateWorkflowRunning ProcessingState = "workflow_running"
)

// Busy reports whether s belongs to an outstanding request.
func (s ProcessingState) Busy() bool {
	return s != StateIdle && s != ""
}
