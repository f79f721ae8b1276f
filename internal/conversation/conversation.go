// Package conversation folds agent events into the visible state of a chat: the message list, the sources the
// answer cites, the tasks the agent delegated, its reasoning steps, and the processing phase of the outstanding
// request.
//
// A Conversation is owned by one goroutine at a time and is not safe for concurrent use. Observers receive
// copies through the OnChange and OnSettle callbacks.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
	"github.com/google/uuid"
)

// InterruptedMarker is appended to an assistant message whose stream the user cancelled.
const InterruptedMarker = "[Mensaje interrumpido por el usuario]"

var (
	// ErrTurnInFlight is returned when a turn is started while another one has not settled.
	ErrTurnInFlight = errors.New("a turn is already in progress")
	// ErrNothingToRegenerate is returned by regeneration when there is no assistant answer to replace.
	ErrNothingToRegenerate = errors.New("no assistant message to regenerate")
)

// Agent is the remote agent the conversation talks to. Stream submits one request and yields the response
// body as raw text chunks, in arrival order. Cancelling ctx ends the sequence.
type Agent interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Request is one submission to the agent.
type Request struct {
	Message   string
	SessionID string
	UserID    string
}

// Outcome tells how a turn settled.
type Outcome string

// Turn outcomes.
const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

// Snapshot is a copy of the visible conversation state.
type Snapshot struct {
	Messages  []models.Message       `json:"messages"`
	Sources   []models.Source        `json:"sources"`
	Tasks     []models.AgentTask     `json:"tasks"`
	Reasoning []models.ReasoningStep `json:"reasoning"`
	State     models.ProcessingState `json:"state"`
	Loading   bool                   `json:"loading"`
}

// TurnResult describes a settled turn. Messages holds the full message list after the turn, so it can replace
// whatever a session store kept before.
type TurnResult struct {
	Outcome   Outcome
	Messages  []models.Message
	Sources   []models.Source
	Tasks     []models.AgentTask
	Reasoning []models.ReasoningStep
	Err       error
}

// Options configures a Conversation. Every field is optional.
type Options struct {
	Extractor stream.ExtractorOptions

	// OnChange receives a snapshot after every applied event and phase change.
	OnChange func(Snapshot)
	// OnSettle receives the result of every turn exactly once.
	OnSettle func(TurnResult)

	Now   func() time.Time
	NewID func() string
}

// Conversation is the canonical in-memory state of one chat session.
type Conversation struct {
	opts Options

	messages  []models.Message
	sources   []models.Source
	tasks     []models.AgentTask
	taskIndex map[string]int
	reasoning []models.ReasoningStep

	machine *Machine
	turn    *turn

	logger *slog.Logger
}

// turn is the state owned by a single request. It is replaced wholesale when the next request starts so
// nothing leaks across turns.
type turn struct {
	extractor *stream.Extractor
	pending   PendingCalls
	text      string
	model     string
	// target is the index of the assistant message this turn writes into, or -1 before it exists.
	target      int
	seenSources map[sourceKey]struct{}
	settled     bool
}

type sourceKey struct {
	name  string
	page  int
	chunk int
}

// New creates an empty Conversation. A nil logger discards log output.
func New(opts Options, logger *slog.Logger) *Conversation {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Conversation{
		opts:      opts,
		taskIndex: make(map[string]int),
		logger:    logger.With(slog.String("module", "conversation")),
	}
	c.machine = NewMachine(func(from, to models.ProcessingState) {
		c.logger.Debug("Processing state changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		c.notify()
	})
	return c
}

// Load replaces the message history, typically with what a session store returned. Messages left in progress
// by an earlier process are marked complete.
func (c *Conversation) Load(messages []models.Message) {
	c.messages = slices.Clone(messages)
	for i := range c.messages {
		c.messages[i].Status = models.MessageStatusComplete
	}
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []models.Message {
	return slices.Clone(c.messages)
}

// State returns the current processing phase.
func (c *Conversation) State() models.ProcessingState {
	return c.machine.State()
}

// Busy reports whether a turn is in flight.
func (c *Conversation) Busy() bool {
	return c.turn != nil && !c.turn.settled
}

// Snapshot returns a copy of the visible state.
func (c *Conversation) Snapshot() Snapshot {
	return Snapshot{
		Messages:  slices.Clone(c.messages),
		Sources:   slices.Clone(c.sources),
		Tasks:     slices.Clone(c.tasks),
		Reasoning: slices.Clone(c.reasoning),
		State:     c.machine.State(),
		Loading:   c.Busy(),
	}
}

func (c *Conversation) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.Snapshot())
	}
}

// AppendUserMessage pushes a user message. Assistant state is left untouched.
func (c *Conversation) AppendUserMessage(text string) models.Message {
	msg := models.Message{
		ID:        c.opts.NewID(),
		Role:      models.RoleUser,
		Content:   text,
		Status:    models.MessageStatusComplete,
		Timestamp: c.opts.Now(),
	}
	c.messages = append(c.messages, msg)
	return msg
}

// ApplyAssistantDelta writes text into the assistant message in progress, or starts a new one. While
// responding, content never shrinks, and non-empty content is never replaced by empty content.
func (c *Conversation) ApplyAssistantDelta(text string, status models.MessageStatus) {
	idx, ok := c.assistantIndex()
	if !ok {
		return
	}
	if idx < 0 {
		msg := models.Message{
			ID:        c.opts.NewID(),
			Role:      models.RoleAssistant,
			Content:   text,
			Status:    status,
			Timestamp: c.opts.Now(),
		}
		if c.turn != nil {
			msg.Model = c.turn.model
		}
		c.messages = append(c.messages, msg)
		if c.turn != nil {
			c.turn.target = len(c.messages) - 1
		}
		return
	}

	msg := &c.messages[idx]
	switch {
	case text == "" && msg.Content != "":
	case status == models.MessageStatusResponding && len(text) < len(msg.Content):
	default:
		msg.Content = text
	}
	msg.Status = status
	if c.turn != nil && c.turn.model != "" {
		msg.Model = c.turn.model
	}
}

// FinalizeAssistantMessage marks the assistant message complete. A non-empty text replaces the streamed
// content; an empty one keeps it.
func (c *Conversation) FinalizeAssistantMessage(text string) {
	idx, ok := c.assistantIndex()
	if !ok {
		return
	}
	if idx < 0 {
		if text != "" {
			c.ApplyAssistantDelta(text, models.MessageStatusComplete)
		}
		return
	}

	msg := &c.messages[idx]
	if text != "" {
		msg.Content = text
	}
	msg.Status = models.MessageStatusComplete
}

// assistantIndex locates the assistant message the current turn writes into. It returns -1 when a new one
// must be created, and false when the message list no longer matches the turn; in that case a synthetic error
// message has been appended.
func (c *Conversation) assistantIndex() (int, bool) {
	if c.turn != nil && c.turn.target >= 0 {
		idx := c.turn.target
		if idx >= len(c.messages) || c.messages[idx].Role != models.RoleAssistant {
			c.logger.Error("Assistant message index out of range",
				slog.Int("index", idx),
				slog.Int("messages", len(c.messages)))
			c.turn.target = -1
			c.appendError("La conversación quedó en un estado inconsistente. Vuelve a intentarlo.")
			return 0, false
		}
		return idx, true
	}

	if n := len(c.messages); n > 0 && c.messages[n-1].InProgress() {
		return n - 1, true
	}
	return -1, true
}

func (c *Conversation) appendError(text string) {
	c.messages = append(c.messages, models.Message{
		ID:        c.opts.NewID(),
		Role:      models.RoleAssistant,
		Content:   text,
		Status:    models.MessageStatusComplete,
		Error:     true,
		Timestamp: c.opts.Now(),
	})
}

// RecordSource appends a citation.
func (c *Conversation) RecordSource(source models.Source) {
	c.sources = append(c.sources, source)
}

// RecordSources appends citations in order.
func (c *Conversation) RecordSources(sources []models.Source) {
	c.sources = append(c.sources, sources...)
}

// RecordTask inserts a task keyed by its id. Inserting an id that is already present is a no-op, and the
// return value reports whether the task was added.
func (c *Conversation) RecordTask(task models.AgentTask) bool {
	if _, ok := c.taskIndex[task.ID]; ok {
		return false
	}
	c.taskIndex[task.ID] = len(c.tasks)
	c.tasks = append(c.tasks, task)
	return true
}

// UpsertReasoningStep replaces the step with the same title, or appends it.
func (c *Conversation) UpsertReasoningStep(step models.ReasoningStep) {
	i := slices.IndexFunc(c.reasoning, func(s models.ReasoningStep) bool { return s.Title == step.Title })
	if i < 0 {
		c.reasoning = append(c.reasoning, step)
		return
	}
	c.reasoning[i] = step
}

func (c *Conversation) startTurn(target int) {
	c.turn = &turn{
		extractor:   stream.NewExtractor(c.opts.Extractor, c.logger),
		pending:     make(PendingCalls),
		target:      target,
		seenSources: make(map[sourceKey]struct{}),
	}
	c.sources = nil
	c.reasoning = nil
}

// BeginTurn starts a turn for a new user message.
func (c *Conversation) BeginTurn(text string) error {
	if c.Busy() {
		return ErrTurnInFlight
	}
	c.startTurn(-1)
	c.AppendUserMessage(text)
	c.machine.Submit()
	c.notify()
	return nil
}

// BeginRegenerate starts a turn that rewrites the last assistant answer in place. The answer is found by
// scanning from the end, so messages after it are left where they are. Error messages reporting a failure of
// that answer are dropped, and a partial answer before them is the one rewritten. It returns the user message
// the answer replied to, which is what must be sent again.
func (c *Conversation) BeginRegenerate() (string, error) {
	if c.Busy() {
		return "", ErrTurnInFlight
	}

	target := -1
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == models.RoleAssistant {
			target = i
			if !c.messages[i].Error {
				break
			}
			continue
		}
		if target >= 0 {
			break
		}
	}
	if target < 0 {
		return "", ErrNothingToRegenerate
	}

	prompt := ""
	for i := target - 1; i >= 0; i-- {
		if c.messages[i].Role == models.RoleUser {
			prompt = c.messages[i].Content
			break
		}
	}
	if prompt == "" {
		return "", ErrNothingToRegenerate
	}

	end := target + 1
	for end < len(c.messages) && c.messages[end].Role == models.RoleAssistant && c.messages[end].Error {
		end++
	}
	c.messages = slices.Delete(c.messages, target+1, end)

	c.startTurn(target)
	msg := &c.messages[target]
	msg.Content = ""
	msg.Status = models.MessageStatusThinking
	msg.Error = false
	msg.Timestamp = c.opts.Now()
	c.machine.Submit()
	c.notify()
	return prompt, nil
}

// Feed hands a raw chunk of the response body to the turn and applies every event it completes.
func (c *Conversation) Feed(chunk string) {
	if c.turn == nil || c.turn.settled {
		return
	}
	for _, ev := range c.turn.extractor.Feed(chunk) {
		c.Apply(ev)
	}
}

// Apply folds one event into the conversation.
func (c *Conversation) Apply(ev stream.Event) {
	if c.turn == nil || c.turn.settled {
		c.logger.Debug("Ignoring event outside a turn", slog.String("event", ev.Tag))
		return
	}
	t := c.turn

	act := Classify(ev, t.pending, c.opts.Now())
	if act.Model != "" {
		t.model = act.Model
	}
	c.recordTurnSources(act.Sources)
	for _, step := range act.Steps {
		c.UpsertReasoningStep(step)
	}

	switch act.Kind {
	case stream.KindContentDelta:
		if act.Text != "" {
			t.text += act.Text
			c.ApplyAssistantDelta(t.text, models.MessageStatusResponding)
			c.machine.ContentDelta()
		}
	case stream.KindRunCompleted:
		c.machine.Completing()
		c.FinalizeAssistantMessage(act.Text)
		c.machine.Reset()
		c.settle(OutcomeCompleted, nil)
		return
	case stream.KindToolCallStarted:
		for _, call := range act.Started {
			t.pending[call.ID] = call
			c.logger.Debug("Tool call started",
				slog.String("id", call.ID),
				slog.String("tool", call.Tool),
				slog.String("agent", call.Agent))
		}
		if len(act.Started) > 0 {
			c.machine.ToolCallsStarted()
		}
	case stream.KindToolResult:
		for _, id := range act.Unknown {
			c.logger.Warn("Dropping result for unknown tool call", slog.String("id", id))
		}
		for _, task := range act.Completed {
			delete(t.pending, task.ID)
			c.RecordTask(task)
		}
		if len(act.Completed) > 0 {
			c.machine.ToolResult(len(t.pending))
		}
	case stream.KindReasoningStep:
		c.machine.Reasoning()
	case stream.KindRunStarted:
		c.machine.RunStarted()
	case stream.KindUpdatingMemory:
		c.machine.UpdatingMemory()
	case stream.KindWorkflowStarted:
		c.machine.WorkflowStarted()
	case stream.KindUnknown:
	}
	c.notify()
}

func (c *Conversation) recordTurnSources(sources []models.Source) {
	var fresh []models.Source
	for _, s := range sources {
		key := sourceKey{name: s.Name, page: s.Page, chunk: s.Chunk}
		if _, ok := c.turn.seenSources[key]; ok {
			continue
		}
		c.turn.seenSources[key] = struct{}{}
		fresh = append(fresh, s)
	}
	c.RecordSources(fresh)
}

// Complete settles a turn whose stream ended without a completion event, keeping whatever was streamed.
func (c *Conversation) Complete() {
	if !c.Busy() {
		return
	}
	c.machine.Completing()
	c.FinalizeAssistantMessage("")
	c.machine.Reset()
	c.settle(OutcomeCompleted, nil)
}

// Interrupt settles a turn the user cancelled. The assistant message is finalized with InterruptedMarker so it
// is never left responding.
func (c *Conversation) Interrupt() {
	if !c.Busy() {
		return
	}
	idx, ok := c.assistantIndex()
	switch {
	case !ok:
	case idx < 0:
		c.ApplyAssistantDelta(InterruptedMarker, models.MessageStatusComplete)
	default:
		msg := &c.messages[idx]
		if msg.Content == "" {
			msg.Content = InterruptedMarker
		} else {
			msg.Content += "\n\n" + InterruptedMarker
		}
		msg.Status = models.MessageStatusComplete
	}
	c.machine.Reset()
	c.settle(OutcomeInterrupted, nil)
}

// Fail settles a turn whose transport failed. Content received so far is kept, and a retryable error message
// is appended after it.
func (c *Conversation) Fail(err error) {
	if !c.Busy() {
		return
	}
	text := fmt.Sprintf("No se pudo obtener respuesta del asistente (%v). Inténtalo de nuevo.", err)
	idx, ok := c.assistantIndex()
	switch {
	case ok && idx >= 0 && c.messages[idx].Content == "":
		// Nothing arrived, so the placeholder itself carries the error.
		msg := &c.messages[idx]
		msg.Content = text
		msg.Error = true
		msg.Status = models.MessageStatusComplete
	case ok && idx >= 0:
		c.messages[idx].Status = models.MessageStatusComplete
		c.appendError(text)
	default:
		c.appendError(text)
	}
	c.machine.Reset()
	c.settle(OutcomeFailed, err)
}

func (c *Conversation) settle(outcome Outcome, err error) {
	if len(c.turn.pending) > 0 {
		c.logger.Debug("Turn settled with pending tool calls", slog.Int("pending", len(c.turn.pending)))
	}
	c.turn.settled = true
	c.logger.Debug("Turn settled", slog.String("outcome", string(outcome)))

	// Observers see the settled state before the turn is handed off for persistence.
	c.notify()
	if c.opts.OnSettle != nil {
		c.opts.OnSettle(TurnResult{
			Outcome:   outcome,
			Messages:  slices.Clone(c.messages),
			Sources:   slices.Clone(c.sources),
			Tasks:     slices.Clone(c.tasks),
			Reasoning: slices.Clone(c.reasoning),
			Err:       err,
		})
	}
}

// Run sends a new user message to agent and consumes the response until the turn settles. Cancelling ctx
// interrupts the turn. Only transport failures are returned; they are also recorded in the conversation.
func (c *Conversation) Run(ctx context.Context, agent Agent, req Request) error {
	if err := c.BeginTurn(req.Message); err != nil {
		return err
	}
	return c.Consume(ctx, agent, req)
}

// Regenerate asks agent again for the last answer and rewrites it in place.
func (c *Conversation) Regenerate(ctx context.Context, agent Agent, req Request) error {
	prompt, err := c.BeginRegenerate()
	if err != nil {
		return err
	}
	req.Message = prompt
	return c.Consume(ctx, agent, req)
}

// Consume streams req from agent into the turn opened by BeginTurn or BeginRegenerate, and returns once the
// turn has settled. Callers that need the opened turn visible before the response arrives use this instead of
// Run. It is a no-op when no turn is open.
func (c *Conversation) Consume(ctx context.Context, agent Agent, req Request) error {
	if !c.Busy() {
		return nil
	}
	for chunk, err := range agent.Stream(ctx, req) {
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.Interrupt()
				return nil
			}
			c.logger.Error("Agent stream failed", slog.String(errLoggerKey, err.Error()))
			c.Fail(err)
			return err
		}
		c.Feed(chunk)
		if !c.Busy() {
			break
		}
	}

	if ctx.Err() != nil {
		c.Interrupt()
		return nil
	}
	c.Complete()
	return nil
}

const errLoggerKey = "err"
