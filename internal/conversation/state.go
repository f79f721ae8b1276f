package conversation

import "github.com/MegaGrindStone/legal-agent-ui/internal/models"

// Machine tracks the processing phase of the outstanding request. Every change is reported to the observer,
// including phases that only last between two consecutive transitions, so indicators can show them.
type Machine struct {
	state   models.ProcessingState
	observe func(from, to models.ProcessingState)
}

// NewMachine returns a Machine in the idle phase. observe may be nil.
func NewMachine(observe func(from, to models.ProcessingState)) *Machine {
	return &Machine{
		state:   models.StateIdle,
		observe: observe,
	}
}

// State returns the current phase.
func (m *Machine) State() models.ProcessingState {
	return m.state
}

func (m *Machine) set(to models.ProcessingState) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	if m.observe != nil {
		m.observe(from, to)
	}
}

// Submit enters thinking for a freshly submitted request.
func (m *Machine) Submit() {
	m.set(models.StateThinking)
}

// RunStarted keeps the request in thinking until the agent produces something more specific.
func (m *Machine) RunStarted() {
	if m.state == models.StateIdle || m.state == models.StateThinking {
		m.set(models.StateThinking)
	}
}

// ContentDelta moves to streaming from any active phase.
func (m *Machine) ContentDelta() {
	m.set(models.StateStreaming)
}

// Reasoning moves to reasoning unless tool calls are still outstanding.
func (m *Machine) Reasoning() {
	switch m.state {
	case models.StateToolCalling, models.StateToolProcessing, models.StateWaitingResult:
		return
	}
	m.set(models.StateReasoning)
}

// ToolCallsStarted passes through tool_calling and settles in tool_processing once the calls are recorded.
func (m *Machine) ToolCallsStarted() {
	m.set(models.StateToolCalling)
	m.set(models.StateToolProcessing)
}

// ToolResult reacts to a resolved call. With calls still pending it waits; once none are left it passes
// through analyzing and settles in resuming.
func (m *Machine) ToolResult(remaining int) {
	if remaining > 0 {
		m.set(models.StateWaitingResult)
		return
	}
	m.set(models.StateAnalyzing)
	m.set(models.StateResuming)
}

// UpdatingMemory enters updating_memory.
func (m *Machine) UpdatingMemory() {
	m.set(models.StateUpdatingMemory)
}

// WorkflowStarted enters workflow_running.
func (m *Machine) WorkflowStarted() {
	m.set(models.StateWorkflowRunning)
}

// Completing enters completing. The caller finishes the transition with Reset.
func (m *Machine) Completing() {
	m.set(models.StateCompleting)
}

// Reset returns to idle, ending the request. It is used on completion, cancellation and failure alike.
func (m *Machine) Reset() {
	m.set(models.StateIdle)
}
