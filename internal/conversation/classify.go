package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
)

const (
	transferPrefix = "transfer_task_to_"
	thinkTool      = "think"
	thinkAgent     = "Razonamiento"
)

// PendingCall is a tool call that was announced but whose result has not arrived yet.
type PendingCall struct {
	ID        string
	Tool      string
	Agent     string
	Task      string
	StartedAt time.Time
}

// PendingCalls holds the calls of the current turn that await a result, keyed by call id.
type PendingCalls map[string]PendingCall

// Action is what an event asks the accumulator to do. Only the fields relevant to Kind are set, except
// Sources and Steps which any event may carry.
type Action struct {
	Kind  stream.EventKind
	Text  string
	Model string

	Sources []models.Source
	Steps   []models.ReasoningStep

	// Started are the calls announced by a tool-call event.
	Started []PendingCall
	// Completed are the tasks materialized from results that matched a pending call.
	Completed []models.AgentTask
	// Unknown are result ids with no matching pending call.
	Unknown []string
	// Remaining is the number of calls still pending once the action is applied.
	Remaining int
}

// Classify maps a parsed event to the Action it implies. It does not modify pending; now stamps materialized
// tasks.
func Classify(ev stream.Event, pending PendingCalls, now time.Time) Action {
	act := Action{
		Kind:      ev.Kind,
		Model:     ev.Model,
		Sources:   sourcesOf(ev.References),
		Steps:     ev.Reasoning,
		Remaining: len(pending),
	}

	switch ev.Kind {
	case stream.KindContentDelta, stream.KindRunCompleted:
		act.Text = ev.Text()
	case stream.KindToolCallStarted:
		seen := make(map[string]bool, len(ev.ToolCalls))
		for _, call := range ev.ToolCalls {
			if call.ID == "" || seen[call.ID] {
				continue
			}
			seen[call.ID] = true
			act.Started = append(act.Started, PendingCall{
				ID:        call.ID,
				Tool:      call.Name,
				Agent:     AgentName(call.Name),
				Task:      TaskDescription(call.Args),
				StartedAt: now,
			})
			if _, ok := pending[call.ID]; !ok {
				act.Remaining++
			}
		}
	case stream.KindToolResult:
		resolved := make(map[string]bool, len(ev.ToolResults))
		for _, res := range ev.ToolResults {
			call, ok := pending[res.ID]
			if !ok || resolved[res.ID] {
				if !ok {
					act.Unknown = append(act.Unknown, res.ID)
				}
				continue
			}
			resolved[res.ID] = true
			text := res.Text
			if text == "" {
				text = ev.Text()
			}
			act.Completed = append(act.Completed, models.AgentTask{
				ID:        call.ID,
				Agent:     call.Agent,
				Task:      call.Task,
				Result:    text,
				Timestamp: now,
			})
			act.Remaining--
		}
	case stream.KindReasoningStep, stream.KindRunStarted, stream.KindUpdatingMemory, stream.KindWorkflowStarted:
	case stream.KindUnknown:
	}
	return act
}

// AgentName derives the human-facing agent name from a tool name.
func AgentName(tool string) string {
	if tool == thinkTool {
		return thinkAgent
	}
	return strings.TrimPrefix(tool, transferPrefix)
}

// TaskDescription extracts what a delegated call was asked to do. An explicit description wins; otherwise
// all arguments are rendered as JSON.
func TaskDescription(args map[string]any) string {
	for _, key := range []string{"task_description", "description"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}

func sourcesOf(groups []stream.ReferenceGroup) []models.Source {
	var sources []models.Source
	for _, g := range groups {
		for _, ref := range g.References {
			sources = append(sources, models.Source{
				Name:      ref.Name,
				Content:   ref.Content,
				Query:     g.Query,
				Page:      ref.MetaData.Page,
				Chunk:     ref.MetaData.Chunk,
				ChunkSize: ref.MetaData.ChunkSize,
			})
		}
	}
	return sources
}
