package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/legal-agent-ui/internal/conversation"
	"github.com/MegaGrindStone/legal-agent-ui/internal/handlers"
	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	"github.com/MegaGrindStone/legal-agent-ui/internal/services"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var chatSessionID string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "resume an existing session")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent from the terminal",
	Long: "Chat with the agent from the terminal. Answers are printed as they stream in. " +
		"Ctrl-C interrupts the answer in progress, and exits when no answer is in progress.",
	Args: cobra.NoArgs,
	RunE: runChat,
}

// statusLabels are the processing phases worth telling the user about.
var statusLabels = map[models.ProcessingState]string{
	models.StateThinking:        "pensando",
	models.StateReasoning:       "razonando",
	models.StateToolCalling:     "delegando",
	models.StateWaitingResult:   "esperando resultados",
	models.StateAnalyzing:       "analizando",
	models.StateUpdatingMemory:  "actualizando memoria",
	models.StateWorkflowRunning: "ejecutando flujo",
}

// printer writes conversation changes to the terminal incrementally. Answer text goes to out; phases, tasks
// and sources go to status.
type printer struct {
	out    io.Writer
	status io.Writer

	messageID string
	printed   string
	state     models.ProcessingState
	tasks     int
	sources   int
}

func (p *printer) onChange(s conversation.Snapshot) {
	if s.State != p.state {
		p.state = s.State
		if label, ok := statusLabels[s.State]; ok {
			fmt.Fprintln(p.status, statusLine.Render("· "+label))
		}
	}

	for _, task := range s.Tasks[min(p.tasks, len(s.Tasks)):] {
		fmt.Fprintln(p.status, statusLine.Render(fmt.Sprintf("· %s: %s", task.Agent, task.Task)))
	}
	p.tasks = len(s.Tasks)

	if len(s.Sources) < p.sources {
		p.sources = 0
	}
	for _, src := range s.Sources[p.sources:] {
		fmt.Fprintln(p.status, statusLine.Render(fmt.Sprintf("· fuente: %s (p. %d)", src.Name, src.Page)))
	}
	p.sources = len(s.Sources)

	if len(s.Messages) == 0 {
		return
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != models.RoleAssistant {
		return
	}
	if last.ID != p.messageID {
		p.messageID = last.ID
		p.printed = ""
	}
	if last.Error {
		if last.Content != p.printed {
			fmt.Fprint(p.out, "\n"+errorLine.Render(last.Content))
			p.printed = last.Content
		}
		return
	}

	switch {
	case last.Content == p.printed:
	case strings.HasPrefix(last.Content, p.printed):
		fmt.Fprint(p.out, last.Content[len(p.printed):])
	default:
		// The final answer differs from what streamed, so it is printed again whole.
		fmt.Fprintf(p.out, "\n%s", last.Content)
	}
	p.printed = last.Content
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	session, history, err := chatSession(ctx, store)
	if err != nil {
		return err
	}

	titleGen, err := cfg.titleGenerator(logger)
	if err != nil {
		return fmt.Errorf("error creating title generator: %w", err)
	}

	p := &printer{out: cmd.OutOrStdout(), status: cmd.ErrOrStderr()}
	conv := conversation.New(conversation.Options{
		Extractor: cfg.extractorOptions(),
		OnChange:  p.onChange,
		OnSettle: func(res conversation.TurnResult) {
			if err := store.SaveTurn(context.Background(), session.ID, res.Messages); err != nil {
				logger.Error("Failed to save turn", slog.String(errLoggerKey, err.Error()))
			}
		},
	}, logger)
	conv.Load(history)

	printHistory(p.out, history)
	fmt.Fprintln(p.status, statusLine.Render("Sesión "+session.ID))

	agent := services.NewAgent(cfg.Agent.Endpoint, cfg.Agent.Timeout, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(p.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			fmt.Fprintln(p.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var turn func(context.Context) error
		switch line {
		case "":
			continue
		case "/salir", "/exit":
			return nil
		case "/regenerar", "/regenerate":
			turn = func(ctx context.Context) error {
				return conv.Regenerate(ctx, agent, conversation.Request{SessionID: session.ID, UserID: userID})
			}
		default:
			if len(history) == 0 && session.Title == "" {
				go nameSession(store, titleGen, session.ID, line, logger)
				session.Title = line
			}
			msg := line
			turn = func(ctx context.Context) error {
				return conv.Run(ctx, agent, conversation.Request{Message: msg, SessionID: session.ID, UserID: userID})
			}
		}

		if err := runTurn(ctx, sigs, turn); err != nil && !errors.Is(err, conversation.ErrNothingToRegenerate) {
			logger.Debug("Turn failed", slog.String(errLoggerKey, err.Error()))
		}
		fmt.Fprint(p.out, "\n\n")
	}
}

func printHistory(w io.Writer, history []models.Message) {
	for _, msg := range history {
		switch {
		case msg.Role == models.RoleUser:
			fmt.Fprintf(w, "%s %s\n\n", userLabel.Render(">"), msg.Content)
		case msg.Error:
			fmt.Fprintf(w, "%s\n\n", errorLine.Render(msg.Content))
		default:
			fmt.Fprintf(w, "%s\n%s\n", assistantLabel.Render("Asistente"), renderMarkdown(msg.Content))
		}
	}
}

// runTurn runs turn until it settles, cancelling it when an interrupt arrives first.
func runTurn(ctx context.Context, sigs <-chan os.Signal, turn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- turn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-sigs:
		cancel()
		return <-done
	}
}

func chatSession(ctx context.Context, store services.BoltDB) (models.Session, []models.Message, error) {
	if chatSessionID == "" {
		session, err := store.AddSession(ctx, models.Session{ID: uuid.New().String(), UserID: userID})
		if err != nil {
			return models.Session{}, nil, fmt.Errorf("error creating session: %w", err)
		}
		return session, nil, nil
	}

	session, err := store.Session(ctx, userID, chatSessionID)
	if err != nil {
		return models.Session{}, nil, fmt.Errorf("error loading session %s: %w", chatSessionID, err)
	}
	history, err := store.Messages(ctx, session.ID)
	if err != nil {
		return models.Session{}, nil, fmt.Errorf("error loading messages: %w", err)
	}
	return session, history, nil
}

func nameSession(store services.BoltDB, titleGen handlers.TitleGenerator, sessionID, message string, logger *slog.Logger) {
	title, err := titleGen.GenerateTitle(context.Background(), message)
	if err != nil {
		logger.Warn("Error generating session title", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := store.RenameSession(context.Background(), userID, sessionID, title); err != nil {
		logger.Warn("Failed to update session title", slog.String(errLoggerKey, err.Error()))
	}
}
